// Package timedevent implements the Timed Event Handler: named events that
// fire once at an absolute time or repeatedly on a fixed interval, checked
// by the Strategy Kernel once per tick and surfaced as
// StrategyEvent::TimedEvent in the kernel's fixed per-tick ordering.
//
// The handler holds no clock of its own: it tracks an arbitrary named
// schedule that the kernel polls once per tick, matching the kernel's
// cooperative, single-threaded tick model.
package timedevent

import (
	"log/slog"
	"time"
)

type once struct {
	name string
	at   time.Time
	done bool
}

type recurring struct {
	name     string
	interval time.Duration
	next     time.Time
}

// Handler tracks scheduled and recurring named events for one strategy
// instance.
type Handler struct {
	logger    *slog.Logger
	onceEvents []*once
	recurEvents []*recurring
}

// New builds an empty Timed Event Handler.
func New(logger *slog.Logger) *Handler {
	return &Handler{logger: logger.With("component", "timedevent")}
}

// ScheduleOnce fires name the first time Check is called with now >= at.
// Scheduling the same name twice adds a second independent firing.
func (h *Handler) ScheduleOnce(name string, at time.Time) {
	h.onceEvents = append(h.onceEvents, &once{name: name, at: at})
}

// ScheduleRecurring fires name every interval starting at first, and again
// at every Check call where now has crossed the next scheduled boundary.
// A Check call that is more than one interval late fires once and
// re-synchronizes to now, rather than emitting a backlog of catch-up events.
func (h *Handler) ScheduleRecurring(name string, first time.Time, interval time.Duration) {
	h.recurEvents = append(h.recurEvents, &recurring{name: name, interval: interval, next: first})
}

// Cancel removes every scheduled and recurring event registered under name.
func (h *Handler) Cancel(name string) {
	kept := h.onceEvents[:0]
	for _, e := range h.onceEvents {
		if e.name != name {
			kept = append(kept, e)
		}
	}
	h.onceEvents = kept

	keptR := h.recurEvents[:0]
	for _, e := range h.recurEvents {
		if e.name != name {
			keptR = append(keptR, e)
		}
	}
	h.recurEvents = keptR
}

// Check reports every event whose scheduled time has arrived as of now,
// in insertion order among once-events followed by recurring events.
// Fired once-events are retired; recurring events advance to their next
// boundary.
func (h *Handler) Check(now time.Time) []string {
	var fired []string

	for _, e := range h.onceEvents {
		if e.done || now.Before(e.at) {
			continue
		}
		e.done = true
		fired = append(fired, e.name)
	}
	if len(fired) > 0 {
		h.retireOnce()
	}

	for _, e := range h.recurEvents {
		if now.Before(e.next) {
			continue
		}
		fired = append(fired, e.name)
		e.next = e.next.Add(e.interval)
		if !e.next.After(now) {
			// fell behind by more than one interval (e.g. a paused kernel
			// or a fast-forwarded backtest clock): resynchronize to now
			// instead of firing a catch-up backlog.
			e.next = now.Add(e.interval)
		}
	}

	return fired
}

func (h *Handler) retireOnce() {
	kept := h.onceEvents[:0]
	for _, e := range h.onceEvents {
		if !e.done {
			kept = append(kept, e)
		}
	}
	h.onceEvents = kept
}
