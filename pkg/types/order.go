package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide is the direction of a held position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// SideToPositionSide maps an order side to the position side it opens.
func SideToPositionSide(s Side) PositionSide {
	if s == Buy {
		return Long
	}
	return Short
}

// OrderType enumerates the order intents the kernel understands.
type OrderType string

const (
	Market          OrderType = "MARKET"
	Limit           OrderType = "LIMIT"
	StopMarket      OrderType = "STOP_MARKET"
	StopLimit       OrderType = "STOP_LIMIT"
	MarketIfTouched OrderType = "MARKET_IF_TOUCHED"
	EnterLong       OrderType = "ENTER_LONG"
	EnterShort      OrderType = "ENTER_SHORT"
	ExitLong        OrderType = "EXIT_LONG"
	ExitShort       OrderType = "EXIT_SHORT"
)

// IsCancellable reports whether orders of this type may be cancelled while
// resting (Limit/Stop/StopLimit/MarketIfTouched families only).
func (t OrderType) IsCancellable() bool {
	switch t {
	case Limit, StopMarket, StopLimit, MarketIfTouched:
		return true
	default:
		return false
	}
}

// OrderState is a position in the order state machine:
//
//	Created -> Accepted -> (PartiallyFilled)* -> Filled | Cancelled | Rejected(reason)
//
// Only Created/Accepted/PartiallyFilled are cancellable, and only for
// cancellable order types.
type OrderState string

const (
	OrderCreated         OrderState = "CREATED"
	OrderAccepted        OrderState = "ACCEPTED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
)

// IsOpen reports whether the order is still live (cancellable states).
func (s OrderState) IsOpen() bool {
	switch s {
	case OrderCreated, OrderAccepted, OrderPartiallyFilled:
		return true
	default:
		return false
	}
}

// TimeInForceKind selects how an order expires.
type TimeInForceKind int

const (
	TIFDay TimeInForceKind = iota
	TIFIOC
	TIFFOK
	TIFGTC
	TIFTime
)

// TimeInForce bundles a TimeInForceKind with the data it needs: Day needs a
// timezone to know when the session ends, Time needs an explicit deadline.
type TimeInForce struct {
	Kind     TimeInForceKind
	At       time.Time // only meaningful for TIFTime
	Timezone string    // IANA zone name, used by TIFDay only
}

// Order is a single order's full lifecycle state.
type Order struct {
	ID             string
	Account        Account
	SymbolName     SymbolName
	SymbolCode     SymbolCode
	Side           Side
	Type           OrderType
	QuantityOpen   decimal.Decimal
	QuantityFilled decimal.Decimal
	LimitPrice     *decimal.Decimal
	TriggerPrice   *decimal.Decimal
	TimeInForce    TimeInForce
	Tag            string
	State          OrderState
	RejectReason   string
	CancelReason   string
	CreateTime     time.Time
	UpdateTime     time.Time
}

// OriginalQuantity returns QuantityOpen + QuantityFilled, the quantity the
// order was submitted with.
func (o Order) OriginalQuantity() decimal.Decimal {
	return o.QuantityOpen.Add(o.QuantityFilled)
}

// OrderUpdateEventKind tags an OrderUpdateEvent variant.
type OrderUpdateEventKind int

const (
	OrderEventAccepted OrderUpdateEventKind = iota
	OrderEventPartiallyFilled
	OrderEventFilled
	OrderEventCancelled
	OrderEventRejected
	OrderEventUpdated
)

// OrderUpdateEvent is emitted whenever an order's state changes.
type OrderUpdateEvent struct {
	Kind       OrderUpdateEventKind
	OrderID    string
	Account    Account
	SymbolName SymbolName
	SymbolCode SymbolCode
	Side       Side
	FillPrice  decimal.Decimal
	FillVolume decimal.Decimal
	Reason     string
	Time       time.Time
}
