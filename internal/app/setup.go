package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/internal/engine"
	"github.com/doctadg/perpstrader-sub009/internal/markets"
	"github.com/doctadg/perpstrader-sub009/internal/overfill"
	"github.com/doctadg/perpstrader-sub009/internal/reconcile"
	"github.com/doctadg/perpstrader-sub009/internal/recovery"
	"github.com/doctadg/perpstrader-sub009/internal/risk"
	"github.com/doctadg/perpstrader-sub009/internal/snapshot"
	"github.com/doctadg/perpstrader-sub009/internal/statecache"
	"github.com/doctadg/perpstrader-sub009/internal/storage"
	"github.com/doctadg/perpstrader-sub009/internal/venue"
	"github.com/doctadg/perpstrader-sub009/pkg/bus"
	"github.com/doctadg/perpstrader-sub009/pkg/cache"
	"github.com/doctadg/perpstrader-sub009/pkg/config"
	"github.com/doctadg/perpstrader-sub009/pkg/healthprobe"
	"github.com/doctadg/perpstrader-sub009/pkg/httpserver"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// New assembles the full component graph. Construction is wiring only;
// nothing talks to the venue until Run.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a, err := build(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	a.ctx = ctx
	a.cancel = cancel

	return a, nil
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	health := healthprobe.New()

	events, err := bus.NewInProcess(&bus.Config{BufferSize: 64, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("setup bus: %w", err)
	}

	sharedCache, err := cache.NewRistrettoCache(&cache.RistrettoConfig{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setup cache: %w", err)
	}

	memo, err := cache.NewMemoizer(&cache.MemoizerConfig{Cache: sharedCache, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("setup memoizer: %w", err)
	}

	guard, err := overfill.New(&overfill.Config{
		TolerancePercent: cfg.OverfillTolerancePct,
		Policy:           overfill.Policy(cfg.OverfillPolicy),
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setup overfill protection: %w", err)
	}

	venueClient, err := setupVenue(cfg, logger, memo, guard)
	if err != nil {
		return nil, fmt.Errorf("setup venue client: %w", err)
	}

	state, err := statecache.New(&statecache.Config{
		MaxOrders:       cfg.CacheMaxOrders,
		OrderTTL:        cfg.CacheTerminalOrderTTL,
		CleanupInterval: cfg.CacheCleanupInterval,
		Logger:          logger,
		OnOrderEvict:    guard.Remove,
	})
	if err != nil {
		return nil, fmt.Errorf("setup state cache: %w", err)
	}

	store, err := setupStorage(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("setup storage: %w", err)
	}

	riskMgr, err := setupRisk(cfg, logger, events)
	if err != nil {
		return nil, fmt.Errorf("setup risk manager: %w", err)
	}

	conditions, err := markets.NewConditionsProvider(&markets.ConditionsConfig{
		Source: venueClient,
		Cache:  sharedCache,
		TTL:    cfg.MarketConditionsTTL,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setup conditions provider: %w", err)
	}

	validator, err := markets.NewValidator(&markets.ValidatorConfig{
		MaxSpreadPct:  cfg.MarketMaxSpreadPct,
		MinDepthUSD:   cfg.MarketMinDepthUSD,
		MaxVolatility: cfg.MarketMaxVolatility,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setup validator: %w", err)
	}

	safety, err := setupSafety(cfg, logger, venueClient, riskMgr, conditions)
	if err != nil {
		return nil, fmt.Errorf("setup safety engine: %w", err)
	}

	exec, err := engine.New(&engine.Config{
		MinConfidence:       cfg.EngineMinConfidence,
		DedupWindow:         cfg.EngineDedupWindow,
		DedupPriceTolerance: cfg.EngineDedupPriceTolerance,
		DedupConfDelta:      cfg.EngineDedupConfDelta,
		MaxSignalsPerMinute: cfg.EngineMaxSignalsPerMinute,
		MinOrderInterval:    cfg.EngineMinOrderInterval,
		OrderCooldown:       cfg.EngineOrderCooldown,
		MinNotionalUSD:      cfg.EngineMinNotional,
		ExitCheckInterval:   cfg.EngineExitCheckInterval,
		StopTriggerRatio:    cfg.EngineStopTriggerRatio,
		TPTriggerRatio:      cfg.EngineTPTriggerRatio,
		Venue:               venueClient,
		Store:               store,
		Safety:              safety,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setup engine: %w", err)
	}

	var batch *engine.BatchProcessor
	if cfg.BatchEnabled {
		batch, err = engine.NewBatchProcessor(&engine.BatchConfig{
			Venue:    venueClient,
			Window:   cfg.BatchWindow,
			MaxBatch: cfg.BatchMaxOrders,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("setup batch processor: %w", err)
		}
	}

	reconciler, err := reconcile.New(&reconcile.Config{
		Venue:            venueClient,
		Store:            state,
		Bus:              events,
		Interval:         cfg.ReconcileInterval,
		TolerancePercent: cfg.ReconcileTolerancePct,
		MinDifference:    cfg.ReconcileMinDiff,
		AutoApply:        cfg.ReconcileAutoApply,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setup reconciler: %w", err)
	}

	snapshots, err := snapshot.New(&snapshot.Config{
		Venue:     venueClient,
		Store:     state,
		Plans:     exec,
		Interval:  cfg.SnapshotInterval,
		Retention: cfg.SnapshotRetention,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setup snapshot service: %w", err)
	}

	var recoverySvc *recovery.Service
	if cfg.RecoveryEnabled {
		recoverySvc, err = recovery.New(&recovery.Config{
			Venue:         venueClient,
			History:       store,
			Risk:          riskMgr,
			Executor:      exec,
			Bus:           events,
			Memoizer:      memo,
			Logger:        logger,
			SweepInterval: cfg.RecoverySweepInterval,
			MaxAttempts:   cfg.MaxRecoveryAttempts,
			MaxLossPct:    cfg.RecoveryMaxLossPct,
			StuckRangePct: cfg.RecoveryStuckRangePct,
			StuckMinAge:   cfg.RecoveryStuckMinAge,
			MaxLeverage:   cfg.RecoveryMaxLeverage,
			StaleAge:      cfg.RecoveryStaleAge,
			AlertWindow:   cfg.RecoveryAlertWindow,
			FetchTTL:      cfg.RecoveryFetchTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("setup recovery service: %w", err)
		}
	}

	a := &App{
		cfg:         cfg,
		logger:      logger,
		health:      health,
		events:      events,
		memo:        memo,
		venueClient: venueClient,
		guard:       guard,
		state:       state,
		store:       store,
		riskMgr:     riskMgr,
		safety:      safety,
		conditions:  conditions,
		validator:   validator,
		engine:      exec,
		batch:       batch,
		reconciler:  reconciler,
		snapshots:   snapshots,
		recoverySvc: recoverySvc,
	}

	a.fillStream, err = setupFillStream(cfg, logger, venueClient, events)
	if err != nil {
		return nil, fmt.Errorf("setup fill stream: %w", err)
	}

	a.httpServer = setupHTTPServer(cfg, logger, health, a)

	return a, nil
}

func setupVenue(cfg *config.Config, logger *zap.Logger, memo *cache.Memoizer, guard *overfill.Protection) (*venue.Client, error) {
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

	// Response fills stay on when there is no account to stream fills
	// for; the websocket stream replaces them otherwise.
	streaming := cfg.HLPrivateKey != "" || cfg.HLMainAddress != ""

	return venue.New(&venue.Config{
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

		RecordResponseFills: !streaming,

		Limiter:  limiter,
		Memoizer: memo,
		Guard:    guard,
		Logger:   logger,
	})
}

func setupStorage(cfg *config.Config, logger *zap.Logger) (storage.TradeStore, error) {
	if cfg.StorageMode == "postgres" {
		store, err := storage.NewPostgresStore(&storage.PostgresConfig{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPass,
			Database: cfg.PostgresDB,
			SSLMode:  cfg.PostgresSSL,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create postgres store: %w", err)
		}
		return store, nil
	}

	return storage.NewMemoryStore(logger), nil
}

func setupRisk(cfg *config.Config, logger *zap.Logger, events *bus.InProcess) (*risk.Manager, error) {
	mgr, err := risk.New(&risk.Config{
		RewardRiskMin:           cfg.RiskMinRewardRisk,
		MinRiskPct:              cfg.RiskPctMin,
		MaxRiskPct:              cfg.RiskPctMax,
		MinConfidence:           cfg.EngineMinConfidence,
		MaxPortfolioNotionalPct: cfg.RiskMaxExposure,
		MaxLeverage:             cfg.RiskMaxLeverage,
		LossStreakFactor:        cfg.RiskLossStreakFactor,
		PerTradeLossCapPct:      cfg.RiskPerTradeLossCap,
		HardDailyLossUSD:        cfg.RiskMaxDailyLoss,
		TrailingActivatePct:     cfg.RiskTrailActivation,
		TrailingGiveBackPct:     cfg.RiskTrailRetrace,
		BreakevenArmPct:         cfg.RiskBreakevenActivate,
		HardStopPct:             cfg.RiskHardLossPct,
		TimeStopAfter:           cfg.RiskTimeStopAfter,
		TimeStopLossPct:         cfg.RiskTimeStopLossPct,
		MaxHoldingTime:          cfg.RiskMaxHoldTime,
		Bus:                     events,
		Logger:                  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create risk manager: %w", err)
	}

	if cfg.RiskEmergencyStop {
		mgr.ActivateEmergencyStop("configured at startup")
	}

	return mgr, nil
}

// setupSafety builds the circuit-breaker engine on a snapshot function
// that combines venue equity with market conditions across the open
// positions.
func setupSafety(
	cfg *config.Config,
	logger *zap.Logger,
	venueClient *venue.Client,
	riskMgr *risk.Manager,
	conditions *markets.ConditionsProvider,
) (*risk.SafetyEngine, error) {
	snapshotFn := func(ctx context.Context) (*risk.SafetySnapshot, error) {
		account, err := venueClient.AccountState(ctx)
		if err != nil {
			return nil, fmt.Errorf("account state: %w", err)
		}

		snap := &risk.SafetySnapshot{
			Equity:   account.TotalBalance,
			DailyPnL: riskMgr.GetDailyStats().PnL,
		}

		var volSum, depthSum float64
		var sampled int
		for i := range account.Positions {
			conds, condErr := conditions.Get(ctx, account.Positions[i].Symbol)
			if condErr != nil {
				continue
			}
			volSum += conds.Volatility
			depthSum += (conds.BidDepth + conds.AskDepth) / 2
			sampled++
		}
		if sampled > 0 {
			snap.AvgVolatility = volSum / float64(sampled)
			snap.AvgDepthUSD = depthSum / float64(sampled)
		}

		return snap, nil
	}

	return risk.NewSafetyEngine(&risk.SafetyConfig{
		SnapshotFn:    snapshotFn,
		CheckInterval: cfg.RiskBreakerInterval,
		DailyLossUSD:  cfg.RiskMaxDailyLoss,
		MaxVolatility: cfg.MarketMaxVolatility,
		MinDepthUSD:   cfg.MarketMinDepthUSD,
		Logger:        logger,
	})
}

func setupFillStream(cfg *config.Config, logger *zap.Logger, venueClient *venue.Client, events *bus.InProcess) (*venue.FillStream, error) {
	if venueClient.Address() == "" {
		return nil, nil
	}

	handler := func(fill *types.Fill) {
		venueClient.RecordFill(fill)
		events.Publish(ChannelOrderFill, fill)
	}

	return venue.NewFillStream(&venue.FillStreamConfig{
		URL:     cfg.WSURL(),
		User:    venueClient.Address(),
		Handler: handler,
		Logger:  logger,
	})
}

func setupHTTPServer(cfg *config.Config, logger *zap.Logger, health *healthprobe.HealthChecker, a *App) *httpserver.Server {
	hcfg := &httpserver.Config{
		Port:          cfg.HTTPPort,
		Logger:        logger,
		HealthChecker: health,
		Risk:          a.riskMgr,
		Safety:        a.safety,
		Positions:     a.state,
		Plans:         a.engine,
	}
	if a.recoverySvc != nil {
		hcfg.Recovery = a.recoverySvc
	}

	return httpserver.New(hcfg)
}
