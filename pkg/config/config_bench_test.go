package config

import (
	"os"
	"testing"
)

// BenchmarkConfig_Validate benchmarks configuration validation
func BenchmarkConfig_Validate(b *testing.B) {
	cfg := validConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cfg.Validate()
	}
}

// BenchmarkConfig_LoadFromEnv benchmarks environment variable loading
func BenchmarkConfig_LoadFromEnv(b *testing.B) {
	os.Setenv("ENGINE_MIN_CONFIDENCE", "0.85")
	os.Setenv("RISK_MAX_DAILY_LOSS", "400")
	os.Setenv("HL_TESTNET", "true")
	defer func() {
		os.Unsetenv("ENGINE_MIN_CONFIDENCE")
		os.Unsetenv("RISK_MAX_DAILY_LOSS")
		os.Unsetenv("HL_TESTNET")
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = LoadFromEnv()
	}
}
