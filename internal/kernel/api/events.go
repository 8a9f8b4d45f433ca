package api

import (
	"time"

	"kernel/internal/risk"
	"kernel/pkg/types"
)

// DashboardEvent is the wrapper for everything pushed to connected
// dashboard clients over the event stream.
type DashboardEvent struct {
	Type      string      `json:"type"` // "snapshot", "order", "position", "timed", "kill", "shutdown"
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewSnapshotEvent wraps a full dashboard snapshot, sent once to every
// newly connected client.
func NewSnapshotEvent(snap DashboardSnapshot) DashboardEvent {
	return DashboardEvent{Type: "snapshot", Timestamp: snap.Timestamp, Data: snap}
}

// NewOrderEvent wraps an order update from the kernel's event stream.
func NewOrderEvent(evt types.OrderUpdateEvent) DashboardEvent {
	return DashboardEvent{Type: "order", Timestamp: evt.Time, Data: evt}
}

// NewPositionEvent wraps a position update from the kernel's event stream.
func NewPositionEvent(evt types.PositionUpdateEvent) DashboardEvent {
	return DashboardEvent{Type: "position", Timestamp: evt.Time, Data: evt}
}

// NewTimedEvent wraps a fired timed-event name.
func NewTimedEvent(name string, at time.Time) DashboardEvent {
	return DashboardEvent{Type: "timed", Timestamp: at, Data: map[string]string{"name": name}}
}

// NewKillEvent wraps a risk Manager kill signal.
func NewKillEvent(sig risk.KillSignal, at time.Time) DashboardEvent {
	return DashboardEvent{
		Type: "kill", Timestamp: at,
		Data: map[string]string{"account": sig.Account.Tag(), "reason": sig.Reason},
	}
}

// NewShutdownEvent wraps the kernel's terminal shutdown reason.
func NewShutdownEvent(reason string, at time.Time) DashboardEvent {
	return DashboardEvent{Type: "shutdown", Timestamp: at, Data: map[string]string{"reason": reason}}
}
