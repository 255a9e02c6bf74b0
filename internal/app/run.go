package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// Run starts the application and blocks until shutdown.
func (a *App) Run() error {
	a.logger.Info("application-starting",
		zap.Bool("testnet", a.cfg.HLTestnet),
		zap.Bool("wallet", a.venueClient.HasWallet()),
		zap.String("storage-mode", a.cfg.StorageMode),
		zap.String("log-level", a.cfg.LogLevel))

	err := a.venueClient.Initialize(a.ctx)
	if err != nil {
		return fmt.Errorf("initialize venue client: %w", err)
	}

	err = a.syncPositions()
	if err != nil {
		a.logger.Warn("initial-position-sync-failed", zap.Error(err))
	}

	err = a.startComponents()
	if err != nil {
		return err
	}

	a.health.SetReady(true)

	a.logger.Info("application-ready",
		zap.String("http-addr", ":"+a.cfg.HTTPPort),
		zap.Int("instruments", len(a.venueClient.Instruments())))

	return a.waitForShutdown()
}

func (a *App) startComponents() error {
	a.wg.Add(1)
	go a.runHTTPServer()

	err := a.state.Start(a.ctx)
	if err != nil {
		return fmt.Errorf("start state cache: %w", err)
	}

	a.safety.Start(a.ctx)
	a.engine.Start(a.ctx)
	if a.batch != nil {
		a.batch.Start(a.ctx)
	}
	a.reconciler.Start(a.ctx)
	a.snapshots.Start(a.ctx)
	if a.recoverySvc != nil {
		a.recoverySvc.Start(a.ctx)
	}

	if a.fillStream != nil {
		err = a.fillStream.Start()
		if err != nil {
			return fmt.Errorf("start fill stream: %w", err)
		}
		a.health.RegisterCheck("fill-stream", a.checkFillStream)
	}

	if a.cfg.SnapshotDir != "" {
		a.wg.Add(1)
		go a.exportSnapshots()
	}

	return nil
}

func (a *App) runHTTPServer() {
	defer a.wg.Done()
	err := a.httpServer.Start()
	if err != nil {
		a.logger.Error("http-server-error", zap.Error(err))
	}
}

// syncPositions seeds the local position book from venue truth so the
// reconciler starts from a matched state.
func (a *App) syncPositions() error {
	account, err := a.venueClient.AccountState(a.ctx)
	if err != nil {
		return err
	}

	positions := make([]*types.Position, 0, len(account.Positions))
	for i := range account.Positions {
		p := account.Positions[i]
		positions = append(positions, &p)
	}
	removed := a.state.ReplacePositions(positions)
	a.events.Publish(ChannelPositionUpdated, account.Positions)

	a.logger.Info("positions-synced",
		zap.Int("count", len(positions)),
		zap.Strings("removed", removed))

	return nil
}

func (a *App) checkFillStream() error {
	if !a.fillStream.Connected() {
		return fmt.Errorf("disconnected")
	}
	return nil
}

// exportSnapshots mirrors the in-memory snapshot ring to disk for
// audit. Export rides the same cadence as capture, one beat behind.
func (a *App) exportSnapshots() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			n, err := a.snapshots.WriteTo(a.cfg.SnapshotDir)
			if err != nil {
				a.logger.Warn("snapshot-export-failed",
					zap.String("dir", a.cfg.SnapshotDir),
					zap.Error(err))
				continue
			}
			a.logger.Debug("snapshots-exported",
				zap.String("dir", a.cfg.SnapshotDir),
				zap.Int("written", n))
		}
	}
}

func (a *App) waitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		a.logger.Info("shutdown-signal-received", zap.String("signal", sig.String()))
	case <-a.ctx.Done():
		a.logger.Info("context-cancelled")
	}

	return a.Shutdown()
}
