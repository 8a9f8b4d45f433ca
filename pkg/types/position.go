package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the bookkeeping record for one open or closed symbol holding.
//
// Invariants: QuantityOpen >= 0; Side is set at open and never flips (a
// position closes first, then a new opposite-side position opens);
// BookedPnL is the running sum over reductions of
// (exit - entry) * reduced * multiplier * exchange-rate.
type Position struct {
	ID              string
	Account         Account
	SymbolName      SymbolName
	SymbolCode      SymbolCode
	Side            PositionSide
	QuantityOpen    decimal.Decimal
	QuantityClosed  decimal.Decimal
	AveragePrice    decimal.Decimal
	AverageExitPrice *decimal.Decimal
	OpenPnL         decimal.Decimal
	BookedPnL       decimal.Decimal
	IsClosed        bool
	Tag             string
	OpenTime        time.Time
	CloseTime       *time.Time
}

// PositionUpdateEventKind tags a PositionUpdateEvent variant.
type PositionUpdateEventKind int

const (
	PositionEventOpened PositionUpdateEventKind = iota
	PositionEventReduced
	PositionEventClosed
)

// PositionUpdateEvent is emitted by the Ledger Service whenever a fill
// changes a position.
type PositionUpdateEvent struct {
	Kind       PositionUpdateEventKind
	PositionID string
	Account    Account
	SymbolCode SymbolCode
	Side       PositionSide
	Quantity   decimal.Decimal // quantity opened/reduced by this event
	BookedPnL  decimal.Decimal // realized P&L from this event, zero for Opened
	Time       time.Time
}
