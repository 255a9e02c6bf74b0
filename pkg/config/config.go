package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Venue API endpoints. Overridable for tests and proxies.
const (
	mainnetAPIURL = "https://api.hyperliquid.xyz"
	testnetAPIURL = "https://api.hyperliquid-testnet.xyz"
	mainnetWSURL  = "wss://api.hyperliquid.xyz/ws"
	testnetWSURL  = "wss://api.hyperliquid-testnet.xyz/ws"
)

// Config holds all application configuration.
type Config struct {
	// Application
	LogLevel string
	HTTPPort string

	// Hyperliquid venue
	HLTestnet        bool
	HLPrivateKey     string
	HLMainAddress    string
	HLAPIURL         string // override; empty derives from HLTestnet
	HLWSURL          string // override; empty derives from HLTestnet
	HLRequestTimeout time.Duration

	// Venue read-path cache TTLs
	MidsCacheTTL    time.Duration
	AccountCacheTTL time.Duration
	OrdersCacheTTL  time.Duration
	BookCacheTTL    time.Duration
	MetaCacheTTL    time.Duration

	// Venue retry policy
	VenueMaxRetries     int
	VenueRetryBaseDelay time.Duration
	VenueRetryMaxDelay  time.Duration

	// Venue rate limits (token buckets)
	InfoRateCapacity     int
	InfoRateRefill       int // tokens per second
	ExchangeRateCapacity int
	ExchangeRateRefill   int
	RateMaxWait          time.Duration

	// Risk
	RiskMaxPositionSize    float64 // notional USD cap per position
	RiskMaxDailyLoss       float64 // USD
	RiskMaxLeverage        int
	RiskEmergencyStop      bool // start with the stop already engaged
	RiskMinRewardRisk      float64
	RiskPerTradeLossCap    float64 // fraction of equity a single stop may cost
	RiskPctMin             float64 // risk budget fraction at low confidence
	RiskPctMax             float64 // risk budget fraction at max confidence
	RiskLossStreakFactor   float64 // size multiplier per consecutive loss
	RiskMaxExposure        float64 // portfolio-wide notional / equity ceiling
	RiskTrailActivation    float64 // unrealized gain that arms the trailing stop
	RiskTrailRetrace       float64 // retrace from peak that fires it
	RiskBreakevenActivate  float64 // gain that arms the breakeven stop
	RiskHardLossPct        float64
	RiskTimeStopAfter      time.Duration // close losers older than this
	RiskTimeStopLossPct    float64
	RiskMaxHoldTime        time.Duration
	RiskBreakerInterval    time.Duration

	// Execution engine
	EngineMinConfidence       float64
	EngineDedupWindow         time.Duration
	EngineDedupPriceTolerance float64
	EngineDedupConfDelta      float64
	EngineMaxSignalsPerMinute int
	EngineMinOrderInterval    time.Duration
	EngineOrderCooldown       time.Duration
	EngineExitCheckInterval   time.Duration
	EngineStopTriggerRatio    float64
	EngineTPTriggerRatio      float64
	EngineMinNotional         float64
	EngineSlippagePct         float64 // base slippage for derived limit prices

	// Batch processor
	BatchEnabled   bool
	BatchWindow    time.Duration
	BatchMaxOrders int

	// Overfill protection
	OverfillTolerancePct float64
	OverfillPolicy       string // "allow", "auto_adjust" or "reject"

	// Position recovery
	RecoveryEnabled       bool
	RecoverySweepInterval time.Duration
	MaxRecoveryAttempts   int
	RecoveryMaxLossPct    float64
	RecoveryStuckRangePct float64
	RecoveryStuckMinAge   time.Duration
	RecoveryMaxLeverage   int
	RecoveryStaleAge      time.Duration
	RecoveryAlertWindow   time.Duration
	RecoveryFetchTTL      time.Duration

	// Reconciliation
	ReconcileInterval     time.Duration
	ReconcileTolerancePct float64
	ReconcileMinDiff      float64
	ReconcileAutoApply    bool

	// Snapshots
	SnapshotInterval  time.Duration
	SnapshotRetention int
	SnapshotDir       string // empty disables file export

	// Unified state cache
	CacheMaxOrders        int
	CacheCleanupInterval  time.Duration
	CacheTerminalOrderTTL time.Duration

	// Order validation (market conditions)
	MarketMaxSpreadPct  float64
	MarketMinDepthUSD   float64
	MarketMaxVolatility float64
	MarketConditionsTTL time.Duration

	// Storage
	StorageMode  string // "postgres" or "memory"
	PostgresHost string
	PostgresPort string
	PostgresUser string
	PostgresPass string
	PostgresDB   string
	PostgresSSL  string
}

// LoadFromEnv loads configuration from environment variables with defaults.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		// Application defaults
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),

		// Hyperliquid defaults
		HLTestnet:        getBoolOrDefault("HL_TESTNET", true),
		HLPrivateKey:     os.Getenv("HL_PRIVATE_KEY"),
		HLMainAddress:    os.Getenv("HL_MAIN_ADDRESS"),
		HLAPIURL:         os.Getenv("HL_API_URL"),
		HLWSURL:          os.Getenv("HL_WS_URL"),
		HLRequestTimeout: getDurationOrDefault("HL_REQUEST_TIMEOUT", 30*time.Second),

		// Venue cache defaults
		MidsCacheTTL:    getDurationOrDefault("HL_MIDS_CACHE_TTL", 500*time.Millisecond),
		AccountCacheTTL: getDurationOrDefault("HL_ACCOUNT_CACHE_TTL", 2*time.Second),
		OrdersCacheTTL:  getDurationOrDefault("HL_ORDERS_CACHE_TTL", time.Second),
		BookCacheTTL:    getDurationOrDefault("HL_BOOK_CACHE_TTL", 500*time.Millisecond),
		MetaCacheTTL:    getDurationOrDefault("HL_META_CACHE_TTL", time.Hour),

		// Venue retry defaults
		VenueMaxRetries:     getIntOrDefault("HL_MAX_RETRIES", 3),
		VenueRetryBaseDelay: getDurationOrDefault("HL_RETRY_BASE_DELAY", time.Second),
		VenueRetryMaxDelay:  getDurationOrDefault("HL_RETRY_MAX_DELAY", 5*time.Second),

		// Venue rate-limit defaults (1200 weight/min per endpoint class)
		InfoRateCapacity:     getIntOrDefault("HL_INFO_RATE_CAPACITY", 1200),
		InfoRateRefill:       getIntOrDefault("HL_INFO_RATE_REFILL", 20),
		ExchangeRateCapacity: getIntOrDefault("HL_EXCHANGE_RATE_CAPACITY", 1200),
		ExchangeRateRefill:   getIntOrDefault("HL_EXCHANGE_RATE_REFILL", 20),
		RateMaxWait:          getDurationOrDefault("HL_RATE_MAX_WAIT", 10*time.Second),

		// Risk defaults
		RiskMaxPositionSize:   getFloat64OrDefault("RISK_MAX_POSITION_SIZE", 10000.0),
		RiskMaxDailyLoss:      getFloat64OrDefault("RISK_MAX_DAILY_LOSS", 500.0),
		RiskMaxLeverage:       getIntOrDefault("RISK_MAX_LEVERAGE", 10),
		RiskEmergencyStop:     getBoolOrDefault("RISK_EMERGENCY_STOP", false),
		RiskMinRewardRisk:     getFloat64OrDefault("RISK_MIN_REWARD_RISK", 2.5),
		RiskPerTradeLossCap:   getFloat64OrDefault("RISK_PER_TRADE_LOSS_CAP", 0.015),
		RiskPctMin:            getFloat64OrDefault("RISK_PCT_MIN", 0.005),
		RiskPctMax:            getFloat64OrDefault("RISK_PCT_MAX", 0.02),
		RiskLossStreakFactor:  getFloat64OrDefault("RISK_LOSS_STREAK_FACTOR", 0.75),
		RiskMaxExposure:       getFloat64OrDefault("RISK_MAX_EXPOSURE", 0.8),
		RiskTrailActivation:   getFloat64OrDefault("RISK_TRAIL_ACTIVATION", 0.015),
		RiskTrailRetrace:      getFloat64OrDefault("RISK_TRAIL_RETRACE", 0.5),
		RiskBreakevenActivate: getFloat64OrDefault("RISK_BREAKEVEN_ACTIVATION", 0.01),
		RiskHardLossPct:       getFloat64OrDefault("RISK_HARD_LOSS_PCT", 0.05),
		RiskTimeStopAfter:     getDurationOrDefault("RISK_TIME_STOP_AFTER", 4*time.Hour),
		RiskTimeStopLossPct:   getFloat64OrDefault("RISK_TIME_STOP_LOSS_PCT", 0.01),
		RiskMaxHoldTime:       getDurationOrDefault("RISK_MAX_HOLD_TIME", 48*time.Hour),
		RiskBreakerInterval:   getDurationOrDefault("RISK_BREAKER_INTERVAL", 30*time.Second),

		// Engine defaults
		EngineMinConfidence:       getFloat64OrDefault("ENGINE_MIN_CONFIDENCE", 0.80),
		EngineDedupWindow:         getDurationOrDefault("ENGINE_DEDUP_WINDOW", 5*time.Minute),
		EngineDedupPriceTolerance: getFloat64OrDefault("ENGINE_DEDUP_PRICE_TOLERANCE", 0.005),
		EngineDedupConfDelta:      getFloat64OrDefault("ENGINE_DEDUP_CONF_DELTA", 0.1),
		EngineMaxSignalsPerMinute: getIntOrDefault("ENGINE_MAX_SIGNALS_PER_MINUTE", 10),
		EngineMinOrderInterval:    getDurationOrDefault("ENGINE_MIN_ORDER_INTERVAL", 30*time.Second),
		EngineOrderCooldown:       getDurationOrDefault("ENGINE_ORDER_COOLDOWN", 10*time.Minute),
		EngineExitCheckInterval:   getDurationOrDefault("ENGINE_EXIT_CHECK_INTERVAL", 5*time.Second),
		EngineStopTriggerRatio:    getFloat64OrDefault("ENGINE_STOP_TRIGGER_RATIO", 0.9),
		EngineTPTriggerRatio:      getFloat64OrDefault("ENGINE_TP_TRIGGER_RATIO", 1.15),
		EngineMinNotional:         getFloat64OrDefault("ENGINE_MIN_NOTIONAL", 10.0),
		EngineSlippagePct:         getFloat64OrDefault("ENGINE_SLIPPAGE_PCT", 0.01),

		// Batch defaults
		BatchEnabled:   getBoolOrDefault("BATCH_ENABLED", false),
		BatchWindow:    getDurationOrDefault("BATCH_WINDOW", 500*time.Millisecond),
		BatchMaxOrders: getIntOrDefault("BATCH_MAX_ORDERS", 5),

		// Overfill defaults
		OverfillTolerancePct: getFloat64OrDefault("OVERFILL_TOLERANCE_PCT", 0.02),
		OverfillPolicy:       getEnvOrDefault("OVERFILL_POLICY", "auto_adjust"),

		// Recovery defaults
		RecoveryEnabled:       getBoolOrDefault("RECOVERY_ENABLED", true),
		RecoverySweepInterval: getDurationOrDefault("RECOVERY_SWEEP_INTERVAL", 30*time.Second),
		MaxRecoveryAttempts:   getIntOrDefault("MAX_RECOVERY_ATTEMPTS", 3),
		RecoveryMaxLossPct:    getFloat64OrDefault("RECOVERY_MAX_LOSS_PCT", 0.08),
		RecoveryStuckRangePct: getFloat64OrDefault("RECOVERY_STUCK_RANGE_PCT", 0.005),
		RecoveryStuckMinAge:   getDurationOrDefault("RECOVERY_STUCK_MIN_AGE", 6*time.Hour),
		RecoveryMaxLeverage:   getIntOrDefault("RECOVERY_MAX_LEVERAGE", 20),
		RecoveryStaleAge:      getDurationOrDefault("RECOVERY_STALE_AGE", 24*time.Hour),
		RecoveryAlertWindow:   getDurationOrDefault("RECOVERY_ALERT_WINDOW", 30*time.Minute),
		RecoveryFetchTTL:      getDurationOrDefault("RECOVERY_FETCH_TTL", 5*time.Second),

		// Reconciliation defaults
		ReconcileInterval:     getDurationOrDefault("RECONCILE_INTERVAL", time.Minute),
		ReconcileTolerancePct: getFloat64OrDefault("RECONCILE_TOLERANCE_PCT", 0.01),
		ReconcileMinDiff:      getFloat64OrDefault("RECONCILE_MIN_DIFF", 0.1),
		ReconcileAutoApply:    getBoolOrDefault("RECONCILE_AUTO_APPLY", true),

		// Snapshot defaults
		SnapshotInterval:  getDurationOrDefault("SNAPSHOT_INTERVAL", 5*time.Minute),
		SnapshotRetention: getIntOrDefault("SNAPSHOT_RETENTION", 288),
		SnapshotDir:       os.Getenv("SNAPSHOT_DIR"),

		// State cache defaults
		CacheMaxOrders:        getIntOrDefault("CACHE_MAX_ORDERS", 10000),
		CacheCleanupInterval:  getDurationOrDefault("CACHE_CLEANUP_INTERVAL", time.Minute),
		CacheTerminalOrderTTL: getDurationOrDefault("CACHE_TERMINAL_ORDER_TTL", 10*time.Minute),

		// Market condition defaults
		MarketMaxSpreadPct:  getFloat64OrDefault("MARKET_MAX_SPREAD_PCT", 0.005),
		MarketMinDepthUSD:   getFloat64OrDefault("MARKET_MIN_DEPTH_USD", 50000.0),
		MarketMaxVolatility: getFloat64OrDefault("MARKET_MAX_VOLATILITY", 0.02),
		MarketConditionsTTL: getDurationOrDefault("MARKET_CONDITIONS_TTL", 5*time.Second),

		// Storage defaults
		StorageMode:  getEnvOrDefault("STORAGE_MODE", "memory"),
		PostgresHost: getEnvOrDefault("POSTGRES_HOST", "localhost"),
		PostgresPort: getEnvOrDefault("POSTGRES_PORT", "5432"),
		PostgresUser: getEnvOrDefault("POSTGRES_USER", "perpstrader"),
		PostgresPass: getEnvOrDefault("POSTGRES_PASSWORD", "perpstrader123"),
		PostgresDB:   getEnvOrDefault("POSTGRES_DB", "perpstrader"),
		PostgresSSL:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// APIURL returns the venue REST base URL for the configured network.
func (c *Config) APIURL() string {
	if c.HLAPIURL != "" {
		return c.HLAPIURL
	}
	if c.HLTestnet {
		return testnetAPIURL
	}

	return mainnetAPIURL
}

// WSURL returns the venue websocket URL for the configured network.
func (c *Config) WSURL() string {
	if c.HLWSURL != "" {
		return c.HLWSURL
	}
	if c.HLTestnet {
		return testnetWSURL
	}

	return mainnetWSURL
}

// PostgresDSN assembles the lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPass, c.PostgresDB, c.PostgresSSL)
}

// Validate checks that configuration values are valid.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT cannot be empty")
	}

	if c.EngineMinConfidence <= 0 || c.EngineMinConfidence > 1.0 {
		return fmt.Errorf("ENGINE_MIN_CONFIDENCE must be between 0 and 1.0, got %f", c.EngineMinConfidence)
	}

	if c.RiskMinRewardRisk < 1.0 {
		return fmt.Errorf("RISK_MIN_REWARD_RISK must be >= 1.0, got %f", c.RiskMinRewardRisk)
	}

	if c.RiskPerTradeLossCap <= 0 || c.RiskPerTradeLossCap >= 1.0 {
		return fmt.Errorf("RISK_PER_TRADE_LOSS_CAP must be between 0 and 1.0, got %f", c.RiskPerTradeLossCap)
	}

	if c.RiskMaxLeverage <= 0 {
		return fmt.Errorf("RISK_MAX_LEVERAGE must be positive, got %d", c.RiskMaxLeverage)
	}

	if c.MaxRecoveryAttempts <= 0 {
		return fmt.Errorf("MAX_RECOVERY_ATTEMPTS must be positive, got %d", c.MaxRecoveryAttempts)
	}

	if c.VenueMaxRetries < 0 {
		return fmt.Errorf("HL_MAX_RETRIES cannot be negative, got %d", c.VenueMaxRetries)
	}

	if c.EngineStopTriggerRatio <= 0 || c.EngineStopTriggerRatio > 1.0 {
		return fmt.Errorf("ENGINE_STOP_TRIGGER_RATIO must be between 0 and 1.0, got %f", c.EngineStopTriggerRatio)
	}

	if c.EngineTPTriggerRatio < 1.0 {
		return fmt.Errorf("ENGINE_TP_TRIGGER_RATIO must be >= 1.0, got %f", c.EngineTPTriggerRatio)
	}

	if c.StorageMode != "postgres" && c.StorageMode != "memory" {
		return fmt.Errorf("STORAGE_MODE must be 'postgres' or 'memory', got %q", c.StorageMode)
	}

	switch c.OverfillPolicy {
	case "allow", "auto_adjust", "reject":
	default:
		return fmt.Errorf("OVERFILL_POLICY must be 'allow', 'auto_adjust' or 'reject', got %q", c.OverfillPolicy)
	}

	return nil
}

func getEnvOrDefault(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatVal
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}

	return boolVal
}
