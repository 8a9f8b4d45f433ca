package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

// RateOracle converts between currencies as of a point in time. Ledgers ask
// it only on a cache miss; a successful lookup is cached for the life of the
// ledger and reused on future misses if the oracle becomes unavailable.
type RateOracle interface {
	Rate(ctx context.Context, from, to types.Currency, at time.Time, side types.Side) (decimal.Decimal, error)
}

// NopRateOracle always fails, forcing every ledger to fall back to its
// cached rate (or 1.0 if none was ever cached). It's the default when no
// external rate source is configured — acceptable for single-currency
// accounts where PnLCurrency always equals the account currency.
type NopRateOracle struct{}

func (NopRateOracle) Rate(ctx context.Context, from, to types.Currency, at time.Time, side types.Side) (decimal.Decimal, error) {
	return decimal.Decimal{}, fmt.Errorf("ledger: no rate oracle configured for %s->%s", from, to)
}

// IDGenerator produces position identifiers. Backtests use a deterministic
// generator so replaying the same run yields identical position IDs;
// live/paper trading uses random UUIDs.
type IDGenerator interface {
	NextPositionID(account types.Account, side types.PositionSide) string
}

// SymbolInfoProvider resolves the static facts (tick size, pnl currency,
// value per tick) a symbol code needs for rounding and P&L conversion.
type SymbolInfoProvider interface {
	SymbolInfo(code types.SymbolCode) (types.Symbol, bool)
}

// StaticSymbolInfo is a SymbolInfoProvider backed by a fixed map, suitable
// for backtests and any run where the symbol universe is known up front.
type StaticSymbolInfo struct {
	symbols map[types.SymbolCode]types.Symbol
}

// NewStaticSymbolInfo builds a provider from a slice of symbols, each keyed
// by its Name used as the SymbolCode.
func NewStaticSymbolInfo(symbols []types.Symbol) *StaticSymbolInfo {
	m := make(map[types.SymbolCode]types.Symbol, len(symbols))
	for _, s := range symbols {
		m[types.SymbolCode(s.Name)] = s
	}
	return &StaticSymbolInfo{symbols: m}
}

func (p *StaticSymbolInfo) SymbolInfo(code types.SymbolCode) (types.Symbol, bool) {
	s, ok := p.symbols[code]
	return s, ok
}

// Register adds or replaces a symbol's static info.
func (p *StaticSymbolInfo) Register(s types.Symbol) {
	if p.symbols == nil {
		p.symbols = make(map[types.SymbolCode]types.Symbol)
	}
	p.symbols[types.SymbolCode(s.Name)] = s
}
