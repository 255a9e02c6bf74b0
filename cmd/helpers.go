package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/doctadg/perpstrader-sub009/internal/app"
	"github.com/doctadg/perpstrader-sub009/internal/venue"
	"github.com/doctadg/perpstrader-sub009/pkg/cache"
	"github.com/doctadg/perpstrader-sub009/pkg/config"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// loadCLIConfig loads .env (when present) and the environment config.
func loadCLIConfig() (*config.Config, error) {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}

// newCLILogger builds a production logger at the configured level.
func newCLILogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	err := level.UnmarshalText([]byte(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	return logger, nil
}

// newVenueClient builds a standalone venue client for read-oriented CLI
// verbs that do not need the full application graph.
func newVenueClient(cfg *config.Config, logger *zap.Logger, requireWallet bool) (*venue.Client, error) {
	limiter, err := venue.NewLimiter(&venue.LimiterConfig{
		InfoCapacity:     cfg.InfoRateCapacity,
		InfoRefill:       cfg.InfoRateRefill,
		ExchangeCapacity: cfg.ExchangeRateCapacity,
		ExchangeRefill:   cfg.ExchangeRateRefill,
		MaxWait:          cfg.RateMaxWait,
	})
	if err != nil {
		return nil, fmt.Errorf("create limiter: %w", err)
	}

	memoCache, err := cache.NewRistrettoCache(&cache.RistrettoConfig{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	memo, err := cache.NewMemoizer(&cache.MemoizerConfig{Cache: memoCache, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("create memoizer: %w", err)
	}

	client, err := venue.New(&venue.Config{
		APIURL:      cfg.APIURL(),
		Testnet:     cfg.HLTestnet,
		PrivateKey:  cfg.HLPrivateKey,
		MainAddress: cfg.HLMainAddress,

		Timeout: cfg.HLRequestTimeout,

		MetaTTL:    cfg.MetaCacheTTL,
		MidsTTL:    cfg.MidsCacheTTL,
		AccountTTL: cfg.AccountCacheTTL,
		OrdersTTL:  cfg.OrdersCacheTTL,
		BookTTL:    cfg.BookCacheTTL,

		MaxRetries:     cfg.VenueMaxRetries,
		RetryBaseDelay: cfg.VenueRetryBaseDelay,
		RetryMaxDelay:  cfg.VenueRetryMaxDelay,
		SlippagePct:    cfg.EngineSlippagePct,

		RecordResponseFills: true,

		Limiter:  limiter,
		Memoizer: memo,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create venue client: %w", err)
	}

	if requireWallet && !client.HasWallet() {
		return nil, errors.New("HL_PRIVATE_KEY not set")
	}

	return client, nil
}

// cliSetup is the shared preamble for venue-facing verbs.
func cliSetup(requireWallet bool) (*config.Config, *zap.Logger, *venue.Client, error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	logger, err := newCLILogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	client, err := newVenueClient(cfg, logger, requireWallet)
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, logger, client, nil
}

func syncLogger(logger *zap.Logger) func() {
	return func() { _ = logger.Sync() }
}

// seedFromAccount copies the venue's positions into the local state cache
// so snapshot and reconcile verbs operate on the live book.
func seedFromAccount(application *app.App, account *types.PortfolioStatus) {
	positions := make([]*types.Position, 0, len(account.Positions))
	for i := range account.Positions {
		position := account.Positions[i]
		positions = append(positions, &position)
	}
	application.State().ReplacePositions(positions)
}
