// Strategy engine kernel — a mode-polymorphic runner that wires the
// Subscription Handler, Market Price Service, Ledger Service, Matching
// Engine, Indicator Handler, and risk Manager into a Strategy Kernel, then
// drives an example Avellaneda-Stoikov maker against its public API.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires collaborators, runs the kernel, waits for SIGINT/SIGTERM
//	internal/kernel          — the event loop: subscription -> MPS -> ledger -> matching -> indicators, in fixed order
//	internal/subscription    — derives vendor-native primaries from user subscriptions, consolidates bars
//	internal/mps             — market price service: best-price/fill-estimate queries against the live book
//	internal/ledger          — per-account position and cash bookkeeping
//	internal/matching        — simulated order matching for backtest/live-paper modes
//	internal/risk            — portfolio-level exposure/drawdown limits and the kill switch
//	internal/vendor          — market-data adapter contract plus replay (backtest) and HTTP/WS (live) adapters
//	internal/broker          — order-routing adapter contract plus paper and HTTP reference adapters
//	internal/export          — CSV trade-history exporter
//	internal/kernel/api      — read-only SSE observability dashboard
//	internal/strategy        — example Avellaneda-Stoikov market maker consuming the kernel's public API
//
// Three modes share identical event-ordering and ledger semantics:
//
//	backtest    — historical replay through the Matching Engine on a stepped clock
//	live_paper  — live market data through the Matching Engine on the wall clock
//	live        — live market data routed to a real broker adapter
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"kernel/internal/broker"
	"kernel/internal/config"
	"kernel/internal/consolidate"
	"kernel/internal/export"
	"kernel/internal/indicator"
	"kernel/internal/kernel"
	kernelapi "kernel/internal/kernel/api"
	"kernel/internal/ledger"
	"kernel/internal/matching"
	"kernel/internal/mps"
	"kernel/internal/risk"
	"kernel/internal/strategy"
	"kernel/internal/subscription"
	"kernel/internal/timedevent"
	"kernel/internal/vendor"
	"kernel/internal/vendor/httpvendor"
	"kernel/pkg/types"
)

func main() {
	cfgPath := "configs/kernel.yaml"
	if p := os.Getenv("KERNEL_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newLogHandler(cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfg, logger); err != nil && err != context.Canceled {
		logger.Error("kernel exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	mode := parseMode(cfg.Mode)
	account := types.Account{Brokerage: cfg.Account.Brokerage, AccountID: cfg.Account.AccountID}
	accounts := []types.Account{account}

	symbols, err := buildSymbols(cfg.Symbols)
	if err != nil {
		return fmt.Errorf("build symbols: %w", err)
	}
	symbolInfo := ledger.NewStaticSymbolInfo(symbols)

	tradedSymbol, ok := symbolInfo.SymbolInfo(types.SymbolCode(cfg.Strategy.Symbol))
	if !ok {
		return fmt.Errorf("strategy.symbol %q is not listed under symbols", cfg.Strategy.Symbol)
	}

	leverage := decimal.NewFromFloat(cfg.Ledger.Leverage)
	if leverage.IsZero() {
		leverage = decimal.NewFromInt(1)
	}

	var idGen ledger.IDGenerator = ledger.UUIDGenerator{}
	if mode == types.ModeBacktest {
		idGen = ledger.NewDeterministicIDGenerator()
	}

	mpsSvc := mps.New(cfg.Kernel.ChannelCapacity, logger)
	ledgerSvc := ledger.New(cfg.Kernel.ChannelCapacity, logger, mode, symbolInfo, ledger.NopRateOracle{}, idGen)
	indicatorH := indicator.New(logger)
	timedH := timedevent.New(logger)

	go mpsSvc.Run(ctx)
	go ledgerSvc.Run(ctx)

	startingCash, err := decimalOrDefault(cfg.Backtest.StartingCash, decimal.NewFromInt(10000))
	if err != nil {
		return fmt.Errorf("backtest.starting_cash: %w", err)
	}
	currency := types.Currency(cfg.Backtest.Currency)
	if currency == "" {
		currency = tradedSymbol.PnLCurrency
	}
	if err := ledgerSvc.OpenAccount(ctx, account, currency, startingCash, leverage, !cfg.Ledger.SynchronizeAccounts); err != nil {
		return fmt.Errorf("open account: %w", err)
	}

	var matchSvc *matching.Service
	var vendorAdapter vendor.Adapter
	var historical vendor.HistoricalProvider
	var brokerAdapter broker.Adapter
	var marginSource interface {
		IntradayMarginRequired(ctx context.Context, account types.Account, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side) (decimal.Decimal, error)
	}
	var resolver subscription.PrimaryResolver
	var sessionHours subscription.SessionHoursProvider

	switch mode {
	case types.ModeBacktest, types.ModeLivePaper:
		matchSvc = matching.New(cfg.Kernel.ChannelCapacity, logger, mpsSvc, ledgerSvc)
		go matchSvc.Run(ctx)

		paperBroker := broker.NewPaperBroker(matchSvc, ledgerSvc, symbolInfo, leverage, logger)
		marginSource = paperBroker

		if mode == types.ModeBacktest {
			replay := vendor.NewReplayVendorAdapter(logger)
			seedReplayFixture(replay, symbols, tradedSymbol)
			vendorAdapter = replay
			historical = replay
			resolver = replay
			sessionHours = replay
		} else {
			httpAdapter := httpvendor.New(httpvendor.Config{
				RESTBaseURL:       cfg.Vendor.HistoricalBaseURL,
				WSURL:             cfg.Vendor.WSURL,
				RequestsPerSecond: 5,
				Burst:             10,
			}, logger)
			for _, sym := range symbols {
				if err := httpAdapter.RefreshMetadata(ctx, sym); err != nil {
					logger.Warn("vendor metadata refresh failed", "symbol", sym.Name, "error", err)
				}
			}
			vendorAdapter = httpAdapter
			resolver = httpAdapter
			sessionHours = httpAdapter
		}

	case types.ModeLive:
		httpBroker := broker.NewHTTPBroker(broker.HTTPConfig{
			BaseURL:           cfg.Broker.RESTBaseURL,
			RequestsPerSecond: 5,
			Burst:             10,
		}, logger)
		brokerAdapter = httpBroker
		marginSource = httpBroker

		httpAdapter := httpvendor.New(httpvendor.Config{
			RESTBaseURL:       cfg.Vendor.HistoricalBaseURL,
			WSURL:             cfg.Vendor.WSURL,
			RequestsPerSecond: 5,
			Burst:             10,
		}, logger)
		for _, sym := range symbols {
			if err := httpAdapter.RefreshMetadata(ctx, sym); err != nil {
				logger.Warn("vendor metadata refresh failed", "symbol", sym.Name, "error", err)
			}
		}
		vendorAdapter = httpAdapter
		resolver = httpAdapter
		sessionHours = httpAdapter
	}

	if vendorAdapter != nil {
		if err := vendorAdapter.Connect(ctx); err != nil {
			return fmt.Errorf("connect vendor adapter: %w", err)
		}
	}
	if brokerAdapter != nil {
		if err := brokerAdapter.Connect(ctx); err != nil {
			return fmt.Errorf("connect broker adapter: %w", err)
		}
	}

	subHandler := subscription.New(resolver, sessionHours, 256, logger)

	riskMgr, err := buildRiskManager(cfg.Risk, logger)
	if err != nil {
		return fmt.Errorf("build risk manager: %w", err)
	}
	go riskMgr.Run(ctx)

	var exporter *export.Exporter
	if cfg.Export.Enabled {
		exporter, err = export.New(cfg.Export.Dir, mode, account.Brokerage, account.AccountID, time.Now(), logger)
		if err != nil {
			return fmt.Errorf("build exporter: %w", err)
		}
		defer exporter.Close()
	}

	k := kernel.New(kernel.Config{
		Mode:              mode,
		Step:              cfg.Backtest.StepSize,
		StartTime:         cfg.Backtest.Start,
		EndTime:           cfg.Backtest.End,
		TickInterval:      time.Second,
		AdapterTimeout:    cfg.Kernel.AdapterTimeout,
		RequestCapacity:   cfg.Kernel.ChannelCapacity,
		EventCapacity:     cfg.Kernel.ChannelCapacity,
		FlattenOnShutdown: cfg.Kernel.FlattenOnShutdown,
		Accounts:          accounts,
	}, kernel.Dependencies{
		Subscription:  subHandler,
		Indicator:     indicatorH,
		TimedEvent:    timedH,
		MPS:           mpsSvc,
		Ledger:        ledgerSvc,
		Matching:      matchSvc,
		VendorAdapter: vendorAdapter,
		Historical:    historical,
		BrokerAdapter: brokerAdapter,
		Exporter:      exporter,
		Symbols:       symbolInfo,
		Risk:          riskMgr,
		MarginSource:  marginSource,
	}, logger)

	var dashboard *kernelapi.Server
	if cfg.Dashboard.Enabled {
		dashboard = kernelapi.NewServer(kernelapi.Config{
			Enabled:        cfg.Dashboard.Enabled,
			Port:           cfg.Dashboard.Port,
			AllowedOrigins: cfg.Dashboard.AllowedOrigins,
		}, mode, accounts, ledgerSvc, riskMgr, func() time.Time { return k.Now() }, logger)

		go dashboard.ConsumeKillSignals(riskMgr.KillCh(), func() time.Time { return k.Now() })

		go func() {
			if err := dashboard.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "port", cfg.Dashboard.Port)
	}

	orderSize, err := decimal.NewFromString(cfg.Strategy.OrderSize)
	if err != nil {
		return fmt.Errorf("strategy.order_size: %w", err)
	}
	maxInventory, err := decimalOrDefault(cfg.Strategy.MaxInventory, orderSize.Mul(decimal.NewFromInt(10)))
	if err != nil {
		return fmt.Errorf("strategy.max_inventory: %w", err)
	}

	maker := strategy.NewMaker(strategy.Config{
		Gamma:        cfg.Strategy.Gamma,
		Sigma:        cfg.Strategy.Sigma,
		K:            cfg.Strategy.K,
		T:            cfg.Strategy.T,
		MinSpreadBps: cfg.Strategy.MinSpreadBps,
		OrderSize:    orderSize,
		MaxInventory: maxInventory,
	}, account, tradedSymbol, k, logger)

	events := k.Events()
	if dashboard != nil {
		toMaker := make(chan types.StrategyEvent, cfg.Kernel.ChannelCapacity)
		toDashboard := make(chan types.StrategyEvent, cfg.Kernel.ChannelCapacity)
		go teeStrategyEvents(events, toMaker, toDashboard)
		go dashboard.ConsumeStrategyEvents(toDashboard)
		events = toMaker
	}

	strategyDone := make(chan struct{})
	go func() {
		defer close(strategyDone)
		maker.Run(ctx, events)
	}()

	logger.Info("strategy kernel started",
		"mode", string(mode), "symbol", cfg.Strategy.Symbol,
		"order_size", cfg.Strategy.OrderSize, "dashboard", cfg.Dashboard.Enabled)

	runErr := k.Run(ctx)

	<-strategyDone
	if dashboard != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dashboard.Stop(stopCtx); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	return runErr
}

// teeStrategyEvents duplicates the kernel's single event stream so both the
// maker and the dashboard can consume it independently, closing both
// outputs once the source closes.
func teeStrategyEvents(src <-chan types.StrategyEvent, outs ...chan types.StrategyEvent) {
	defer func() {
		for _, out := range outs {
			close(out)
		}
	}()
	for evt := range src {
		for _, out := range outs {
			out <- evt
		}
	}
}

func parseMode(raw string) types.Mode {
	switch raw {
	case "backtest":
		return types.ModeBacktest
	case "live_paper":
		return types.ModeLivePaper
	case "live":
		return types.ModeLive
	default:
		return types.ModeBacktest
	}
}

func buildSymbols(cfgSymbols []config.SymbolConfig) ([]types.Symbol, error) {
	out := make([]types.Symbol, 0, len(cfgSymbols))
	for _, s := range cfgSymbols {
		tickSize, err := decimal.NewFromString(s.TickSize)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: tick_size: %w", s.Name, err)
		}
		valuePerTick, err := decimalOrDefault(s.ValuePerTick, decimal.NewFromInt(1))
		if err != nil {
			return nil, fmt.Errorf("symbol %s: value_per_tick: %w", s.Name, err)
		}
		out = append(out, types.Symbol{
			Name:            types.SymbolName(s.Name),
			MarketType:      types.MarketType(s.MarketType),
			TickSize:        tickSize,
			DecimalAccuracy: s.DecimalAccuracy,
			PnLCurrency:     types.Currency(s.PnLCurrency),
			ValuePerTick:    valuePerTick,
		})
	}
	return out, nil
}

func buildRiskManager(cfg config.RiskConfig, logger *slog.Logger) (*risk.Manager, error) {
	maxExposurePerAccount, err := decimal.NewFromString(cfg.MaxExposurePerAccount)
	if err != nil {
		return nil, fmt.Errorf("max_exposure_per_account: %w", err)
	}
	maxGlobalExposure, err := decimal.NewFromString(cfg.MaxGlobalExposure)
	if err != nil {
		return nil, fmt.Errorf("max_global_exposure: %w", err)
	}
	maxDailyLoss, err := decimalOrDefault(cfg.MaxDailyLoss, decimal.Zero)
	if err != nil {
		return nil, fmt.Errorf("max_daily_loss: %w", err)
	}
	killSwitchDropPct, err := decimalOrDefault(cfg.KillSwitchDropPct, decimal.Zero)
	if err != nil {
		return nil, fmt.Errorf("kill_switch_drop_pct: %w", err)
	}

	return risk.New(risk.Config{
		MaxExposurePerAccount: maxExposurePerAccount,
		MaxGlobalExposure:     maxGlobalExposure,
		MaxDailyLoss:          maxDailyLoss,
		KillSwitchDropPct:     killSwitchDropPct,
		KillSwitchWindow:      cfg.KillSwitchWindow,
		CooldownAfterKill:     cfg.CooldownAfterKill,
	}, logger), nil
}

func decimalOrDefault(raw string, def decimal.Decimal) (decimal.Decimal, error) {
	if raw == "" {
		return def, nil
	}
	return decimal.NewFromString(raw)
}

// seedReplayFixture registers a small deterministic synthetic quote series
// per symbol so `go run ./cmd/kernel` with mode: backtest produces a
// runnable demo without any external data vendor. It is not a substitute
// for a real historical data source.
func seedReplayFixture(replay *vendor.ReplayVendorAdapter, symbols []types.Symbol, traded types.Symbol) {
	hours := consolidate.TradingHours{
		Timezone: "UTC",
		Sessions: [7]*consolidate.SessionWindow{
			time.Monday:    {Open: 0, Close: 24 * time.Hour, SameDay: true},
			time.Tuesday:   {Open: 0, Close: 24 * time.Hour, SameDay: true},
			time.Wednesday: {Open: 0, Close: 24 * time.Hour, SameDay: true},
			time.Thursday:  {Open: 0, Close: 24 * time.Hour, SameDay: true},
			time.Friday:    {Open: 0, Close: 24 * time.Hour, SameDay: true},
		},
	}

	for _, sym := range symbols {
		replay.AddSymbol(sym, hours)
	}

	primary := types.PrimarySubscription{Symbol: traded, Resolution: types.Instant(), BaseDataKind: types.KindQuote}

	base := traded.TickSize.Mul(decimal.NewFromInt(400))
	if base.IsZero() {
		base = decimal.NewFromInt(100)
	}
	start := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	walk := []int64{0, 1, 2, 1, -1, -2, -1, 0, 1, 3, 2, 0, -2, -3, -1, 1}

	series := make([]types.BaseData, 0, len(walk))
	for i, step := range walk {
		mid := base.Add(traded.TickSize.Mul(decimal.NewFromInt(step)))
		spread := traded.TickSize.Mul(decimal.NewFromInt(2))
		t := start.Add(time.Duration(i) * time.Minute)
		series = append(series, types.NewQuoteData(traded, types.Quote{
			Bid: mid.Sub(spread), Ask: mid.Add(spread), Time: t,
		}))
	}
	replay.AddSeries(primary, series)
}
