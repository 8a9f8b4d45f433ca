// Package types defines the shared data model of the strategy engine kernel —
// symbols, resolutions, base data, subscriptions, orders, positions, ledgers,
// and the events that flow between the kernel's internal services. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Market type & symbol
// ————————————————————————————————————————————————————————————————————————

// MarketType distinguishes the kind of instrument a Symbol trades on. It
// affects margining and session-hours lookups.
type MarketType string

const (
	MarketForex   MarketType = "FOREX"
	MarketFutures MarketType = "FUTURES"
	MarketEquity  MarketType = "EQUITY"
	MarketCrypto  MarketType = "CRYPTO"
	MarketIndex   MarketType = "INDEX"
)

// SymbolName is the user-facing, vendor-agnostic identifier for an
// instrument, e.g. "EUR-USD" or "MNQ".
type SymbolName string

// SymbolCode is the tradable contract code a broker actually accepts, e.g. a
// specific futures expiry "MNQZ24". For cash instruments this is usually
// equal to the SymbolName.
type SymbolCode string

// Symbol identifies an instrument: name + vendor + market type, plus the
// static facts the kernel needs to round prices and compute P&L.
type Symbol struct {
	Name            SymbolName
	Vendor          string
	MarketType      MarketType
	TickSize        decimal.Decimal // minimum price increment
	DecimalAccuracy int32           // decimal places prices are rounded to
	PnLCurrency     Currency        // currency P&L on this symbol is denominated in
	ValuePerTick    decimal.Decimal // cash value of one tick move, one unit of quantity
}

// RoundToTick rounds price to the symbol's tick size using round-half-up.
func (s Symbol) RoundToTick(price decimal.Decimal) decimal.Decimal {
	if s.TickSize.IsZero() {
		return price.Round(s.DecimalAccuracy)
	}
	ticks := price.Div(s.TickSize).Round(0)
	return ticks.Mul(s.TickSize).Round(s.DecimalAccuracy)
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s@%s", s.Name, s.Vendor)
}

// Currency is an ISO-4217-style currency code, e.g. "USD".
type Currency string

// ————————————————————————————————————————————————————————————————————————
// Resolution
// ————————————————————————————————————————————————————————————————————————

// ResolutionKind is the unit a Resolution counts in. Resolutions are
// totally ordered by duration: Instant is the smallest, Week the largest.
type ResolutionKind int

const (
	ResolutionInstant ResolutionKind = iota
	ResolutionTicks
	ResolutionSeconds
	ResolutionMinutes
	ResolutionHours
	ResolutionDay
	ResolutionWeek
)

// rank gives each kind a coarse ordering bucket; Resolution.Less then breaks
// ties within Ticks/Seconds/Minutes/Hours by their N.
func (k ResolutionKind) rank() int {
	switch k {
	case ResolutionInstant:
		return 0
	case ResolutionTicks:
		return 1
	case ResolutionSeconds:
		return 2
	case ResolutionMinutes:
		return 3
	case ResolutionHours:
		return 4
	case ResolutionDay:
		return 5
	case ResolutionWeek:
		return 6
	default:
		return 99
	}
}

func (k ResolutionKind) String() string {
	switch k {
	case ResolutionInstant:
		return "Instant"
	case ResolutionTicks:
		return "Ticks"
	case ResolutionSeconds:
		return "Seconds"
	case ResolutionMinutes:
		return "Minutes"
	case ResolutionHours:
		return "Hours"
	case ResolutionDay:
		return "Day"
	case ResolutionWeek:
		return "Week"
	default:
		return "Unknown"
	}
}

// Resolution is one of Instant, Ticks(N), Seconds(N), Minutes(N), Hours(N),
// Day, Week. N is meaningless for Instant/Day/Week.
type Resolution struct {
	Kind ResolutionKind
	N    int64
}

func Instant() Resolution        { return Resolution{Kind: ResolutionInstant} }
func Ticks(n int64) Resolution   { return Resolution{Kind: ResolutionTicks, N: n} }
func Seconds(n int64) Resolution { return Resolution{Kind: ResolutionSeconds, N: n} }
func Minutes(n int64) Resolution { return Resolution{Kind: ResolutionMinutes, N: n} }
func Hours(n int64) Resolution   { return Resolution{Kind: ResolutionHours, N: n} }
func Day() Resolution             { return Resolution{Kind: ResolutionDay} }
func Week() Resolution            { return Resolution{Kind: ResolutionWeek} }

// Less reports whether r is strictly smaller (finer) than other.
func (r Resolution) Less(other Resolution) bool {
	if r.Kind.rank() != other.Kind.rank() {
		return r.Kind.rank() < other.Kind.rank()
	}
	return r.N < other.N
}

func (r Resolution) String() string {
	switch r.Kind {
	case ResolutionTicks, ResolutionSeconds, ResolutionMinutes, ResolutionHours:
		return fmt.Sprintf("%s(%d)", r.Kind, r.N)
	default:
		return r.Kind.String()
	}
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

// Account identifies a brokerage account. Tag is the routing key used by
// orders and ledgers to find each other.
type Account struct {
	Brokerage string
	AccountID string
}

// Tag returns the routing key "brokerage:account_id" used to key ledgers,
// caches, and deterministic IDs.
func (a Account) Tag() string {
	return fmt.Sprintf("%s:%s", a.Brokerage, a.AccountID)
}

func (a Account) String() string { return a.Tag() }
