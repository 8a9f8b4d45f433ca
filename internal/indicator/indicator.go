// Package indicator implements the Indicator Handler: a registry of named
// indicators, each polymorphic over update/warm-up/history/subscription/
// plots, fed from the Subscription Handler's closed bars and surfaced to
// user strategy code as IndicatorEvents.
//
// Every indicator implements the same update/warm-up/history/subscription/
// plots contract; OrderFlowImbalance below is one built-in example.
package indicator

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

// Indicator is one named, pluggable calculation driven by a single
// subscription's closed bars. Update folds one data point in and reports
// the indicator's current output values, or false if it has nothing to
// report yet (e.g. still filling its window).
type Indicator interface {
	Update(data types.BaseData) (values []decimal.Decimal, ok bool)
	WarmUp(history []types.BaseData)
	History() [][]decimal.Decimal
	Subscription() types.Subscription
	Plots() []string
}

// ring is a bounded history of emitted value sets, oldest overwritten.
type ring struct {
	buf  [][]decimal.Decimal
	cap  int
	next int
	full bool
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([][]decimal.Decimal, capacity), cap: capacity}
}

func (r *ring) push(v []decimal.Decimal) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) items() [][]decimal.Decimal {
	if !r.full {
		out := make([][]decimal.Decimal, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([][]decimal.Decimal, r.cap)
	copy(out, r.buf[r.next:])
	copy(out[r.cap-r.next:], r.buf[:r.next])
	return out
}

// entry pairs a registered indicator with the name it was registered under.
// The handler indexes entries by subscription key (byKey), so it can
// dispatch a closed bar in O(matching indicators).
type entry struct {
	name string
	ind  Indicator
}

// Handler is the Indicator Handler. It owns every named indicator for a
// strategy instance and is driven exclusively by the Strategy Kernel.
type Handler struct {
	logger    *slog.Logger
	warmedUp  bool
	byKey     map[string][]*entry
	names     map[string]*entry
}

// New builds an empty Indicator Handler.
func New(logger *slog.Logger) *Handler {
	return &Handler{
		logger: logger.With("component", "indicator"),
		byKey:  make(map[string][]*entry),
		names:  make(map[string]*entry),
	}
}

// Register adds ind under name. Registering an existing name replaces it.
// If history is non-empty, the indicator is backfilled immediately via
// WarmUp rather than Update, so it produces no premature IndicatorEvents;
// this happens whether or not the handler has completed warm-up.
func (h *Handler) Register(name string, ind Indicator, history []types.BaseData) {
	if old, exists := h.names[name]; exists {
		h.unlink(old)
	}
	e := &entry{name: name, ind: ind}
	h.names[name] = e
	key := subKey(ind.Subscription())
	h.byKey[key] = append(h.byKey[key], e)

	if len(history) > 0 {
		ind.WarmUp(history)
	}
}

// Remove deregisters name. A no-op if name was never registered.
func (h *Handler) Remove(name string) {
	e, ok := h.names[name]
	if !ok {
		return
	}
	h.unlink(e)
	delete(h.names, name)
}

func (h *Handler) unlink(e *entry) {
	key := subKey(e.ind.Subscription())
	list := h.byKey[key]
	for i, x := range list {
		if x == e {
			h.byKey[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.byKey[key]) == 0 {
		delete(h.byKey, key)
	}
}

// SetWarmedUp records that the strategy's warm-up phase has completed.
// Purely informational for callers deciding whether to route a bar through
// OnWarmUpData or OnClosedBar; the handler itself does not gate on it.
func (h *Handler) SetWarmedUp(v bool) { h.warmedUp = v }

// WarmedUp reports whether warm-up has completed.
func (h *Handler) WarmedUp() bool { return h.warmedUp }

// OnWarmUpData feeds one historical data point into every indicator whose
// subscription it matches, without producing IndicatorEvents.
func (h *Handler) OnWarmUpData(data types.BaseData, sub types.Subscription) {
	for _, e := range h.byKey[subKey(sub)] {
		e.ind.WarmUp([]types.BaseData{data})
	}
}

// OnClosedBar feeds one live closed bar into every indicator subscribed to
// sub, returning an IndicatorEvent for each indicator that produced output.
func (h *Handler) OnClosedBar(data types.BaseData, sub types.Subscription) []types.IndicatorEvent {
	var out []types.IndicatorEvent
	for _, e := range h.byKey[subKey(sub)] {
		values, ok := e.ind.Update(data)
		if !ok {
			continue
		}
		out = append(out, types.IndicatorEvent{Name: e.name, Values: values, Time: data.TimeOpen()})
	}
	return out
}

// Value returns the most recently emitted values for name, if any.
func (h *Handler) Value(name string) ([]decimal.Decimal, bool) {
	e, ok := h.names[name]
	if !ok {
		return nil, false
	}
	hist := e.ind.History()
	if len(hist) == 0 {
		return nil, false
	}
	return hist[len(hist)-1], true
}

func subKey(sub types.Subscription) string { return sub.Key() }

func closePrice(data types.BaseData) (decimal.Decimal, bool) {
	switch data.Kind {
	case types.KindCandle:
		return data.Candle.Close, true
	case types.KindQuoteBar:
		return data.QuoteBar.BidClose.Add(data.QuoteBar.AskClose).Div(decimal.NewFromInt(2)), true
	case types.KindTick:
		return data.Tick.Price, true
	default:
		return decimal.Decimal{}, false
	}
}
