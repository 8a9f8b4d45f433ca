// Package strategy provides an example Avellaneda-Stoikov market-making
// strategy built against the Strategy Kernel's public API. It is a sample
// consumer, not part of the kernel itself: the kernel has no notion of
// "strategy" beyond the event stream and order API it exposes.
//
// It trades a single generic symbol through the kernel's decimal order API,
// using only the kernel's own PlaceOrder/CancelOrder/CancelAll methods and
// StrategyEvent stream rather than any direct market or broker access.
package strategy

import (
	"sync"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

// Inventory mirrors one account's position in one symbol purely from the
// kernel's own PositionUpdateEvent/OrderUpdateEvent stream. A strategy has
// no direct access to the Ledger Service's bookkeeping, so it keeps its own
// view from the same events the kernel already emits.
type Inventory struct {
	mu sync.RWMutex

	account    types.Account
	symbolCode types.SymbolCode
	maxSize    decimal.Decimal // quantity that normalizes NetDelta to +/-1

	side          types.PositionSide
	quantity      decimal.Decimal
	avgEntryPrice decimal.Decimal
	realizedPnL   decimal.Decimal
	lastMarkPrice decimal.Decimal
}

// NewInventory builds an empty position mirror. maxSize is the quantity at
// which NetDelta saturates to +/-1, used to scale quote skew.
func NewInventory(account types.Account, symbolCode types.SymbolCode, maxSize decimal.Decimal) *Inventory {
	return &Inventory{account: account, symbolCode: symbolCode, maxSize: maxSize}
}

// OnPositionEvent folds a PositionUpdateEvent into the mirrored state.
// Events for other accounts or symbols are ignored.
func (inv *Inventory) OnPositionEvent(evt types.PositionUpdateEvent) {
	if evt.Account != inv.account || evt.SymbolCode != inv.symbolCode {
		return
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	switch evt.Kind {
	case types.PositionEventOpened:
		if inv.quantity.IsZero() {
			inv.side = evt.Side
			inv.quantity = evt.Quantity
		} else if inv.side == evt.Side {
			inv.quantity = inv.quantity.Add(evt.Quantity)
		} else {
			inv.reduce(evt)
		}
	case types.PositionEventReduced:
		inv.reduce(evt)
	case types.PositionEventClosed:
		inv.quantity = decimal.Zero
		inv.realizedPnL = inv.realizedPnL.Add(evt.BookedPnL)
	}
}

// reduce applies a reduce/close-style event against the current side.
// Caller holds inv.mu.
func (inv *Inventory) reduce(evt types.PositionUpdateEvent) {
	inv.quantity = inv.quantity.Sub(evt.Quantity)
	inv.realizedPnL = inv.realizedPnL.Add(evt.BookedPnL)
	if inv.quantity.Sign() <= 0 {
		inv.quantity = decimal.Zero
	}
}

// OnOrderEvent updates the running volume-weighted average entry price on
// every fill. It does not change quantity; PositionEvents do that.
func (inv *Inventory) OnOrderEvent(evt types.OrderUpdateEvent) {
	if evt.Account != inv.account || evt.SymbolCode != inv.symbolCode {
		return
	}
	if evt.Kind != types.OrderEventFilled && evt.Kind != types.OrderEventPartiallyFilled {
		return
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.avgEntryPrice.IsZero() {
		inv.avgEntryPrice = evt.FillPrice
		return
	}
	priorSize := inv.quantity
	newSize := priorSize.Add(evt.FillVolume)
	if newSize.IsZero() {
		return
	}
	weighted := inv.avgEntryPrice.Mul(priorSize).Add(evt.FillPrice.Mul(evt.FillVolume))
	inv.avgEntryPrice = weighted.Div(newSize)
}

// UpdateMarkToMarket records the latest observed mid/mark price, used for
// unrealized P&L reporting only; it does not affect NetDelta.
func (inv *Inventory) UpdateMarkToMarket(price decimal.Decimal) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.lastMarkPrice = price
}

// NetDelta returns signed exposure normalized to roughly [-1, 1]: positive
// when long, negative when short, scaled by maxSize. This is the "q"
// parameter in the Avellaneda-Stoikov reservation-price adjustment.
func (inv *Inventory) NetDelta() decimal.Decimal {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if inv.maxSize.IsZero() || inv.quantity.IsZero() {
		return decimal.Zero
	}
	q := inv.quantity.Div(inv.maxSize)
	if inv.side == types.Short {
		q = q.Neg()
	}
	one := decimal.NewFromInt(1)
	if q.GreaterThan(one) {
		return one
	}
	if q.LessThan(one.Neg()) {
		return one.Neg()
	}
	return q
}

// Snapshot is a read-only view of the mirrored position.
type Snapshot struct {
	Side          types.PositionSide
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Snapshot returns the current mirrored state, including unrealized P&L
// marked against the last observed price.
func (inv *Inventory) Snapshot() Snapshot {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	unrealized := decimal.Zero
	if !inv.quantity.IsZero() && !inv.lastMarkPrice.IsZero() {
		diff := inv.lastMarkPrice.Sub(inv.avgEntryPrice)
		if inv.side == types.Short {
			diff = diff.Neg()
		}
		unrealized = diff.Mul(inv.quantity)
	}

	return Snapshot{
		Side:          inv.side,
		Quantity:      inv.quantity,
		AvgEntryPrice: inv.avgEntryPrice,
		RealizedPnL:   inv.realizedPnL,
		UnrealizedPnL: unrealized,
	}
}
