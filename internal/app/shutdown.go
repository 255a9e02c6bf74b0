package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown() error {
	a.logger.Info("application-shutting-down")

	a.health.SetReady(false)

	// Cancel context to signal every ticker loop
	a.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err := a.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		a.logger.Error("http-server-shutdown-error", zap.Error(err))
	}

	if a.fillStream != nil {
		err = a.fillStream.Close()
		if err != nil {
			a.logger.Error("fill-stream-close-error", zap.Error(err))
		}
	}

	if a.recoverySvc != nil {
		a.recoverySvc.Close()
	}

	err = a.state.Close()
	if err != nil {
		a.logger.Error("state-cache-close-error", zap.Error(err))
	}

	err = a.store.Close()
	if err != nil {
		a.logger.Error("storage-close-error", zap.Error(err))
	}

	a.events.Close()

	a.wg.Wait()

	a.logger.Info("application-shutdown-complete")

	return nil
}
