package api

import (
	"context"
	"time"

	"kernel/internal/ledger"
	"kernel/internal/risk"
	"kernel/pkg/types"
)

// AccountInfoProvider reports cash and position state per account, the
// state BuildSnapshot needs from the Ledger Service. The Ledger Service
// itself satisfies this directly; the account list comes from whoever
// wires the dashboard up (the kernel's configured account list).
type AccountInfoProvider interface {
	AccountInfo(ctx context.Context, account types.Account) (ledger.CashInfo, error)
	Positions(ctx context.Context, account types.Account) ([]types.Position, error)
}

// RiskProvider reports the current aggregate risk snapshot. A nil
// RiskProvider omits the Risk field from the dashboard snapshot.
type RiskProvider interface {
	Snapshot() risk.Snapshot
}

// BuildSnapshot assembles one DashboardSnapshot from the kernel's current
// state. riskProvider may be nil when no risk Manager is configured.
func BuildSnapshot(ctx context.Context, mode types.Mode, now time.Time, accountList []types.Account, ledgerSvc AccountInfoProvider, riskProvider RiskProvider) DashboardSnapshot {
	snap := DashboardSnapshot{Timestamp: now, Mode: mode, KernelNow: now}

	for _, account := range accountList {
		cash, err := ledgerSvc.AccountInfo(ctx, account)
		if err != nil {
			continue
		}
		positions, err := ledgerSvc.Positions(ctx, account)
		if err != nil {
			continue
		}
		snap.Accounts = append(snap.Accounts, AccountSnapshot{Account: account, Cash: cash, Positions: positions})
	}

	if riskProvider != nil {
		rs := newRiskSnapshot(riskProvider.Snapshot())
		snap.Risk = &rs
	}

	return snap
}
