package api

import (
	"time"

	"kernel/internal/ledger"
	"kernel/internal/risk"
	"kernel/pkg/types"
)

// AccountSnapshot is one account's cash and position state at the moment
// the dashboard snapshot was built.
type AccountSnapshot struct {
	Account   types.Account    `json:"account"`
	Cash      ledger.CashInfo  `json:"cash"`
	Positions []types.Position `json:"positions"`
}

// RiskSnapshot mirrors risk.Snapshot for JSON transport, keeping the wire
// shape stable even if the internal Snapshot struct gains fields.
type RiskSnapshot struct {
	GlobalExposure     string    `json:"global_exposure"`
	MaxGlobalExposure  string    `json:"max_global_exposure"`
	KillSwitchActive   bool      `json:"kill_switch_active"`
	KillSwitchUntil    time.Time `json:"kill_switch_until,omitempty"`
	TotalRealizedPnL   string    `json:"total_realized_pnl"`
	TotalUnrealizedPnL string    `json:"total_unrealized_pnl"`
	AccountsTracked    int       `json:"accounts_tracked"`
}

func newRiskSnapshot(s risk.Snapshot) RiskSnapshot {
	return RiskSnapshot{
		GlobalExposure: s.GlobalExposure.String(), MaxGlobalExposure: s.MaxGlobalExposure.String(),
		KillSwitchActive: s.KillSwitchActive, KillSwitchUntil: s.KillSwitchUntil,
		TotalRealizedPnL: s.TotalRealizedPnL.String(), TotalUnrealizedPnL: s.TotalUnrealizedPnL.String(),
		AccountsTracked: s.AccountsTracked,
	}
}

// DashboardSnapshot is the complete read-only view of one kernel run.
type DashboardSnapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Mode      types.Mode        `json:"mode"`
	KernelNow time.Time         `json:"kernel_now"`
	Accounts  []AccountSnapshot `json:"accounts"`
	Risk      *RiskSnapshot     `json:"risk,omitempty"`
}
