package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyEventKind tags a StrategyEvent variant.
type StrategyEventKind int

const (
	EventTimeSlice StrategyEventKind = iota
	EventOrderEvents
	EventPositionEvents
	EventIndicatorEvent
	EventDataSubscriptionEvent
	EventStrategyControls
	EventTimedEvent
	EventWarmUpComplete
	EventShutdownEvent
)

// StrategyEvent is the single ordered stream of events the kernel emits to
// user strategy code. Within one tick the kernel emits them in the fixed
// order: TimeSlice -> IndicatorEvents -> OrderEvents -> PositionEvents ->
// TimedEvents -> (ShutdownEvent if applicable). Within a category, events
// are ordered by event time, ties broken by insertion order.
// DataSubscriptionEvent and WarmUpComplete fall outside that per-tick
// ordering: they are emitted as soon as a subscribe/unsubscribe call
// resolves, a vendor feed disconnects, or the kernel processes its first
// tick of real data, respectively.
type StrategyEvent struct {
	Kind StrategyEventKind
	Time time.Time

	TimeSlice        TimeSlice
	OrderEvent       OrderUpdateEvent
	PositionEvent    PositionUpdateEvent
	IndicatorEvent   IndicatorEvent
	SubscriptionEvent DataSubscriptionEvent
	Control          StrategyControl
	TimedEventName   string
	ShutdownReason   string
}

// IndicatorEvent carries newly-produced values for one named indicator.
type IndicatorEvent struct {
	Name   string
	Values []decimal.Decimal
	Time   time.Time
}

// DataSubscriptionEventKind tags a DataSubscriptionEvent variant.
type DataSubscriptionEventKind int

const (
	SubscriptionSucceeded DataSubscriptionEventKind = iota
	SubscriptionFailed
	SubscriptionUnsubscribed
	SubscriptionPrimaryChanged
	SubscriptionDisconnected
)

// DataSubscriptionEvent reports a subscribe/unsubscribe outcome or a
// transient vendor disconnect, surfaced via the event stream rather than an
// out-of-band error.
type DataSubscriptionEvent struct {
	Kind         DataSubscriptionEventKind
	Subscription Subscription
	Reason       string
}

// StrategyControl is a control signal a strategy may receive (e.g. to pause).
type StrategyControl string

const (
	ControlContinue StrategyControl = "CONTINUE"
	ControlPause    StrategyControl = "PAUSE"
)
