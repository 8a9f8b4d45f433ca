package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Mode:    "backtest",
		Account: AccountConfig{Brokerage: "sim", AccountID: "A1"},
		Backtest: BacktestConfig{
			Start:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:      time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			StepSize: time.Second,
		},
		Kernel:   KernelConfig{ChannelCapacity: 1000},
		Symbols:  []SymbolConfig{{Name: "ES", TickSize: "0.25"}},
		Strategy: StrategyConfig{Symbol: "ES", OrderSize: "1"},
		Risk:     RiskConfig{MaxExposurePerAccount: "50000", MaxGlobalExposure: "50000"},
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Mode = "sandbox"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unknown mode")
	}
}

func TestValidateRejectsBacktestEndBeforeStart(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Backtest.End = cfg.Backtest.Start.Add(-time.Hour)
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for end before start")
	}
}

func TestValidateRequiresBrokerURLInLiveMode(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Mode = "live"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for missing broker.rest_base_url")
	}
}
