// Package broker defines the Broker Adapter contract: the live/paper order
// gateway the Strategy Kernel drives to place, cancel, and track orders, plus
// the reference adapters (PaperBroker, HTTPBroker) that satisfy it without
// a real brokerage connection.
//
// An order-placement REST call pairs with a streamed fill/cancel event
// feed, generalized to a vendor-neutral broker.Adapter method set.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

// SymbolInfo is the static instrument facts a broker reports for a symbol.
type SymbolInfo struct {
	Symbol          types.Symbol
	MinQuantity     decimal.Decimal
	QuantityStep    decimal.Decimal
	MarginPerUnit   decimal.Decimal
}

// AccountInfo is a snapshot of one account's cash and identity as the
// broker reports it.
type AccountInfo struct {
	Account       types.Account
	Currency      types.Currency
	CashValue     decimal.Decimal
	CashAvailable decimal.Decimal
	CashUsed      decimal.Decimal
}

// CommissionInfo is the fee schedule a broker charges for a symbol.
type CommissionInfo struct {
	PerUnit    decimal.Decimal
	Minimum    decimal.Decimal
	Currency   types.Currency
}

// OrderIntent is a single placement/update/cancel request. Exactly one
// constructor-set shape is meaningful, matching the six order intents a
// broker must accept: market, limit, stop-market, stop-limit,
// market-if-touched, and the enter/exit directional shorthands are carried
// through types.OrderType.
type OrderIntent struct {
	Account      types.Account
	SymbolName   types.SymbolName
	SymbolCode   types.SymbolCode
	Side         types.Side
	Type         types.OrderType
	Quantity     decimal.Decimal
	LimitPrice   *decimal.Decimal
	TriggerPrice *decimal.Decimal
	TimeInForce  types.TimeInForce
	Tag          string
}

// LiveAccountUpdate is a push notification of an account's cash state,
// the live-mode analogue of the Ledger Service's own bookkeeping.
type LiveAccountUpdate struct {
	Account       types.Account
	CashValue     decimal.Decimal
	CashAvailable decimal.Decimal
	CashUsed      decimal.Decimal
	Time          time.Time
}

// LivePositionUpdate is a push notification of an account's position in a
// symbol, used to reconcile the Ledger Service against the broker's
// authoritative book in live mode.
type LivePositionUpdate struct {
	Account    types.Account
	Position   types.Position
	Time       time.Time
}

// Event is the tagged union of everything a broker adapter pushes
// asynchronously: order lifecycle changes and account/position
// reconciliation updates.
type Event struct {
	OrderUpdate     *types.OrderUpdateEvent
	AccountUpdate   *LiveAccountUpdate
	PositionUpdate  *LivePositionUpdate
}

// Adapter is the contract the kernel drives for everything order- and
// account-related. Method names mirror the broker's own vocabulary:
// symbol_info, account_info, accounts, intraday/overnight margin,
// commission_info, place_order, cancel_order, cancel_all, flatten_all,
// update_order.
type Adapter interface {
	SymbolInfo(ctx context.Context, name types.SymbolName) (SymbolInfo, error)
	AccountInfo(ctx context.Context, account types.Account) (AccountInfo, error)
	Accounts(ctx context.Context) ([]types.Account, error)
	IntradayMarginRequired(ctx context.Context, account types.Account, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side) (decimal.Decimal, error)
	OvernightMarginRequired(ctx context.Context, account types.Account, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side) (decimal.Decimal, error)
	CommissionInfo(ctx context.Context, symbolName types.SymbolName) (CommissionInfo, error)

	PlaceOrder(ctx context.Context, intent OrderIntent) (types.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) error
	CancelAll(ctx context.Context, account types.Account) error
	FlattenAll(ctx context.Context, account types.Account) error
	UpdateOrder(ctx context.Context, orderID string, limitPrice, triggerPrice, quantity *decimal.Decimal) error

	// Events streams order lifecycle and account/position reconciliation
	// pushes. Closed when Close is called.
	Events() <-chan Event

	Connect(ctx context.Context) error
	Close() error
}
