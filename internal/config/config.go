// Package config defines all configuration for the strategy engine kernel.
// Config is loaded from a YAML file (default: configs/kernel.yaml) with
// sensitive fields overridable via KERNEL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      string          `mapstructure:"mode"` // "backtest" | "live_paper" | "live"
	Account   AccountConfig   `mapstructure:"account"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Vendor    VendorConfig    `mapstructure:"vendor"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Kernel    KernelConfig    `mapstructure:"kernel"`
	Export    ExportConfig    `mapstructure:"export"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Symbols   []SymbolConfig  `mapstructure:"symbols"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
}

// SymbolConfig describes one tradable instrument's static facts, the
// config-file analogue of a vendor's symbol-metadata lookup.
type SymbolConfig struct {
	Name            string `mapstructure:"name"`
	MarketType      string `mapstructure:"market_type"`
	TickSize        string `mapstructure:"tick_size"`
	DecimalAccuracy int32  `mapstructure:"decimal_accuracy"`
	PnLCurrency     string `mapstructure:"pnl_currency"`
	ValuePerTick    string `mapstructure:"value_per_tick"`
}

// StrategyConfig parameterizes the example Avellaneda-Stoikov maker run by
// cmd/kernel.
type StrategyConfig struct {
	Symbol          string  `mapstructure:"symbol"`
	Gamma           float64 `mapstructure:"gamma"`
	Sigma           float64 `mapstructure:"sigma"`
	K               float64 `mapstructure:"k"`
	T               float64 `mapstructure:"t"`
	MinSpreadBps    int64   `mapstructure:"min_spread_bps"`
	OrderSize       string  `mapstructure:"order_size"`
	MaxInventory    string  `mapstructure:"max_inventory"`
}

// RiskConfig sets the portfolio-level limits the risk Manager enforces.
// Decimal fields are strings in YAML; Load keeps them as strings and
// cmd/kernel parses them when it builds the risk Manager.
type RiskConfig struct {
	MaxExposurePerAccount string        `mapstructure:"max_exposure_per_account"`
	MaxGlobalExposure     string        `mapstructure:"max_global_exposure"`
	MaxDailyLoss          string        `mapstructure:"max_daily_loss"`
	KillSwitchDropPct     string        `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindow      time.Duration `mapstructure:"kill_switch_window"`
	CooldownAfterKill     time.Duration `mapstructure:"cooldown_after_kill"`
}

// AccountConfig identifies the brokerage account the strategy trades on.
type AccountConfig struct {
	Brokerage string `mapstructure:"brokerage"`
	AccountID string `mapstructure:"account_id"`
}

// BacktestConfig controls the simulated clock used when Mode == "backtest".
type BacktestConfig struct {
	Start      time.Time     `mapstructure:"start"`
	End        time.Time     `mapstructure:"end"`
	StepSize   time.Duration `mapstructure:"step_size"`
	StartingCash string      `mapstructure:"starting_cash"`
	Currency   string        `mapstructure:"currency"`
}

// VendorConfig configures the market-data adapter: a generic
// historical/replay data vendor reachable over REST and WebSocket.
type VendorConfig struct {
	HistoricalBaseURL string `mapstructure:"historical_base_url"`
	WSURL             string `mapstructure:"ws_url"`
	ApiKey            string `mapstructure:"api_key"`
}

// BrokerConfig configures the order-routing adapter used in live mode.
type BrokerConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	ApiKey      string `mapstructure:"api_key"`
	ApiSecret   string `mapstructure:"api_secret"`
}

// LedgerConfig tunes ledger behavior.
type LedgerConfig struct {
	Leverage             float64 `mapstructure:"leverage"`
	SynchronizeAccounts  bool    `mapstructure:"synchronize_accounts"`
}

// KernelConfig tunes the strategy kernel's event loop and channel sizing.
//
//   - ChannelCapacity: capacity of the bounded internal actor channels
//     (MPS/Ledger/ME inboxes), recommended 1000 per spec §5.
//   - AdapterTimeout: timeout applied to every broker/vendor adapter call,
//     recommended 10s per spec §5.
//   - ShutdownDrainDeadline: loaded and kept here, but not passed to the
//     kernel; kernel shutdown does not wait on a drain deadline.
//   - FlattenOnShutdown: whether to FlattenAllFor every account on shutdown.
type KernelConfig struct {
	ChannelCapacity       int           `mapstructure:"channel_capacity"`
	AdapterTimeout        time.Duration `mapstructure:"adapter_timeout"`
	ShutdownDrainDeadline time.Duration `mapstructure:"shutdown_drain_deadline"`
	FlattenOnShutdown     bool          `mapstructure:"flatten_on_shutdown"`
}

// ExportConfig controls the trade-history CSV exporter.
type ExportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only observability HTTP server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KERNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("kernel.channel_capacity", 1000)
	v.SetDefault("kernel.adapter_timeout", 10*time.Second)
	v.SetDefault("kernel.shutdown_drain_deadline", 5*time.Second)
	v.SetDefault("risk.kill_switch_window", time.Minute)
	v.SetDefault("risk.cooldown_after_kill", 15*time.Minute)
	v.SetDefault("dashboard.port", 8090)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("KERNEL_BROKER_API_KEY"); key != "" {
		cfg.Broker.ApiKey = key
	}
	if secret := os.Getenv("KERNEL_BROKER_API_SECRET"); secret != "" {
		cfg.Broker.ApiSecret = secret
	}
	if key := os.Getenv("KERNEL_VENDOR_API_KEY"); key != "" {
		cfg.Vendor.ApiKey = key
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case "backtest", "live_paper", "live":
	default:
		return fmt.Errorf("mode must be one of: backtest, live_paper, live")
	}
	if c.Account.Brokerage == "" {
		return fmt.Errorf("account.brokerage is required")
	}
	if c.Account.AccountID == "" {
		return fmt.Errorf("account.account_id is required")
	}
	if c.Mode == "backtest" {
		if c.Backtest.StepSize <= 0 {
			return fmt.Errorf("backtest.step_size must be > 0")
		}
		if !c.Backtest.End.After(c.Backtest.Start) {
			return fmt.Errorf("backtest.end must be after backtest.start")
		}
	}
	if c.Mode == "live" {
		if c.Broker.RESTBaseURL == "" {
			return fmt.Errorf("broker.rest_base_url is required in live mode")
		}
	}
	if c.Kernel.ChannelCapacity <= 0 {
		return fmt.Errorf("kernel.channel_capacity must be > 0")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one entry in symbols is required")
	}
	for _, s := range c.Symbols {
		if s.Name == "" {
			return fmt.Errorf("symbols: name is required")
		}
		if s.TickSize == "" {
			return fmt.Errorf("symbols[%s]: tick_size is required", s.Name)
		}
	}
	if c.Strategy.Symbol == "" {
		return fmt.Errorf("strategy.symbol is required")
	}
	if c.Strategy.OrderSize == "" {
		return fmt.Errorf("strategy.order_size is required")
	}
	if c.Risk.MaxExposurePerAccount == "" {
		return fmt.Errorf("risk.max_exposure_per_account is required")
	}
	if c.Risk.MaxGlobalExposure == "" {
		return fmt.Errorf("risk.max_global_exposure is required")
	}
	return nil
}
