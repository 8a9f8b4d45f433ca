// Package risk enforces portfolio-level risk limits across all accounts the
// kernel drives, and gates individual order placement against available
// margin before it ever reaches the Matching Engine or a broker adapter.
//
// It runs as a standalone goroutine that receives PositionReports from the
// Strategy Kernel after every tick, checks them against configured limits,
// and emits a KillSignal on breach: per-account exposure, global exposure,
// daily loss, and rapid price movement. Pre-trade margin gating (CheckOrder)
// is a separate path: the Matching Engine's own validateAtSubmit only checks
// price/trigger sanity, never margin, so the kernel needs a distinct gate
// before an order ever reaches it.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

// PositionReport is submitted once per account per kernel tick, carrying
// the exposure and P&L snapshot the risk limits are evaluated against.
type PositionReport struct {
	Account       types.Account
	ExposureUsed  decimal.Decimal // margin currently committed
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	MarketPrice   decimal.Decimal // last traded/mid price, for movement detection
	Time          time.Time
}

// KillSignal tells the kernel to cancel and flatten. An empty Account means
// every account, a global kill.
type KillSignal struct {
	Account types.Account
	Reason  string
}

type priceAnchor struct {
	price decimal.Decimal
	at    time.Time
}

// Config bounds the limits the Manager enforces.
type Config struct {
	MaxExposurePerAccount decimal.Decimal
	MaxGlobalExposure     decimal.Decimal
	MaxDailyLoss          decimal.Decimal
	KillSwitchDropPct     decimal.Decimal
	KillSwitchWindow      time.Duration
	CooldownAfterKill     time.Duration
}

// Manager aggregates per-account reports, checks limits, and emits kill
// signals. It also answers synchronous pre-trade margin checks.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu               sync.RWMutex
	reports          map[string]PositionReport
	totalExposure    decimal.Decimal
	totalRealizedPnL decimal.Decimal
	killSwitchActive bool
	killSwitchUntil  time.Time
	priceAnchors     map[string]priceAnchor

	reportCh chan PositionReport
	killCh   chan KillSignal
}

// New builds a risk Manager.
func New(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		reports:      make(map[string]PositionReport),
		priceAnchors: make(map[string]priceAnchor),
		reportCh:     make(chan PositionReport, 256),
		killCh:       make(chan KillSignal, 16),
	}
}

// Run drives the monitoring loop: processes reports as they arrive, and
// periodically clears an expired kill switch even if no report arrives.
func (rm *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitch()
		}
	}
}

// Report submits a position snapshot, non-blocking; a full channel drops
// the report and logs, since the next tick will submit a fresher one.
func (rm *Manager) Report(report PositionReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report", "account", report.Account.Tag())
	}
}

// KillCh returns the channel the kernel reads kill signals from.
func (rm *Manager) KillCh() <-chan KillSignal { return rm.killCh }

// RemoveAccount drops tracked state for an account no longer active.
func (rm *Manager) RemoveAccount(account types.Account) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.reports, account.Tag())
	delete(rm.priceAnchors, account.Tag())

	rm.totalExposure = decimal.Zero
	rm.totalRealizedPnL = decimal.Zero
	for _, r := range rm.reports {
		rm.totalExposure = rm.totalExposure.Add(r.ExposureUsed)
		rm.totalRealizedPnL = rm.totalRealizedPnL.Add(r.RealizedPnL)
	}
}

// IsKillSwitchActive reports whether the kill switch is currently engaged,
// clearing it in place if the cooldown has since expired.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.killSwitchActive {
		return false
	}
	if time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// CheckOrder is the pre-trade gate: it rejects an order intent outright
// while the kill switch is active, and otherwise rejects it if the
// required margin exceeds the account's available cash. Call this before
// routing an order to the Matching Engine or a broker adapter.
func (rm *Manager) CheckOrder(requiredMargin, availableCash decimal.Decimal) (reason string, ok bool) {
	if rm.IsKillSwitchActive() {
		return "kill switch active", false
	}
	if requiredMargin.GreaterThan(availableCash) {
		return fmt.Sprintf("insufficient margin: requires %s, available %s", requiredMargin, availableCash), false
	}
	return "", true
}

// RemainingBudget returns the additional margin headroom for account: the
// minimum of its own per-account headroom and the remaining global
// headroom. Zero if either limit is already exhausted.
func (rm *Manager) RemainingBudget(account types.Account) decimal.Decimal {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var used decimal.Decimal
	if report, ok := rm.reports[account.Tag()]; ok {
		used = report.ExposureUsed
	}

	perAccount := rm.cfg.MaxExposurePerAccount.Sub(used)
	global := rm.cfg.MaxGlobalExposure.Sub(rm.totalExposure)

	remaining := perAccount
	if global.LessThan(remaining) {
		remaining = global
	}
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// Snapshot reports current aggregate risk metrics, for the observability
// dashboard.
type Snapshot struct {
	GlobalExposure     decimal.Decimal
	MaxGlobalExposure  decimal.Decimal
	KillSwitchActive   bool
	KillSwitchUntil    time.Time
	TotalRealizedPnL   decimal.Decimal
	TotalUnrealizedPnL decimal.Decimal
	AccountsTracked    int
}

// Snapshot returns the current aggregate risk metrics.
func (rm *Manager) Snapshot() Snapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var unrealized decimal.Decimal
	for _, r := range rm.reports {
		unrealized = unrealized.Add(r.UnrealizedPnL)
	}

	return Snapshot{
		GlobalExposure: rm.totalExposure, MaxGlobalExposure: rm.cfg.MaxGlobalExposure,
		KillSwitchActive: rm.killSwitchActive, KillSwitchUntil: rm.killSwitchUntil,
		TotalRealizedPnL: rm.totalRealizedPnL, TotalUnrealizedPnL: unrealized,
		AccountsTracked: len(rm.reports),
	}
}

func (rm *Manager) processReport(report PositionReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.reports[report.Account.Tag()] = report

	rm.totalExposure = decimal.Zero
	rm.totalRealizedPnL = decimal.Zero
	var totalUnrealized decimal.Decimal
	for _, r := range rm.reports {
		rm.totalExposure = rm.totalExposure.Add(r.ExposureUsed)
		rm.totalRealizedPnL = rm.totalRealizedPnL.Add(r.RealizedPnL)
		totalUnrealized = totalUnrealized.Add(r.UnrealizedPnL)
	}

	if report.ExposureUsed.GreaterThan(rm.cfg.MaxExposurePerAccount) {
		rm.emitKill(report.Account, "per-account exposure limit breached")
	}
	if rm.totalExposure.GreaterThan(rm.cfg.MaxGlobalExposure) {
		rm.emitKill(types.Account{}, "global exposure limit breached")
	}
	if total := rm.totalRealizedPnL.Add(totalUnrealized); total.LessThan(rm.cfg.MaxDailyLoss.Neg()) {
		rm.emitKill(types.Account{}, "max daily loss breached")
	}

	rm.checkPriceMovement(report)
}

// checkPriceMovement compares the account's current market price to a
// rolling anchor; a move past KillSwitchDropPct within KillSwitchWindow
// fires the kill switch.
func (rm *Manager) checkPriceMovement(report PositionReport) {
	if report.MarketPrice.IsZero() {
		return
	}

	anchor, ok := rm.priceAnchors[report.Account.Tag()]
	if !ok || report.Time.Sub(anchor.at) > rm.cfg.KillSwitchWindow {
		rm.priceAnchors[report.Account.Tag()] = priceAnchor{price: report.MarketPrice, at: report.Time}
		return
	}
	if anchor.price.IsZero() {
		return
	}

	pctChange := report.MarketPrice.Sub(anchor.price).Div(anchor.price).Abs()
	if pctChange.GreaterThan(rm.cfg.KillSwitchDropPct) {
		rm.emitKill(report.Account, fmt.Sprintf("rapid price movement: %s%% within %s", pctChange.Mul(decimal.NewFromInt(100)), rm.cfg.KillSwitchWindow))
	}
}

func (rm *Manager) clearExpiredKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.killSwitchActive && time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
	}
}

// emitKill must be called with rm.mu held.
func (rm *Manager) emitKill(account types.Account, reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = time.Now().Add(rm.cfg.CooldownAfterKill)

	rm.logger.Error("KILL SWITCH", "account", account.Tag(), "reason", reason, "cooldown_until", rm.killSwitchUntil)

	sig := KillSignal{Account: account, Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}
