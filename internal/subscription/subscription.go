// Package subscription implements the Subscription Handler: given a symbol's
// user subscriptions, it derives the primary (vendor-native) feed the
// kernel must ingest, routes incoming primary data into a per-subscription
// consolidator, and surfaces closed/open derived bars plus any pass-through
// primary data a subscription asked for directly.
//
// A handler keyed by symbol owns a map of consolidators, recomputing the
// primary whenever the consumer set changes. It is owned exclusively by the
// Strategy Kernel goroutine — no internal locking, the same single-goroutine
// ownership pattern every actor in this module follows: a per-symbol state
// struct updated in place by incoming events.
package subscription

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"kernel/internal/consolidate"
	"kernel/pkg/types"
)

// PrimaryResolver reports which vendor-native (resolution, base-data-kind)
// feeds are available for a symbol. Implemented by a vendor adapter (§6).
type PrimaryResolver interface {
	AvailablePrimaries(symbol types.Symbol) []types.PrimarySubscription
}

// SessionHoursProvider resolves the TradingHours descriptor a Day/Week
// subscription's session consolidator needs. Implemented by a vendor
// adapter's session_market_hours call.
type SessionHoursProvider interface {
	SessionHours(symbol types.Symbol) (consolidate.TradingHours, bool)
}

// entry is one user subscription's routing state for a symbol.
type entry struct {
	sub          types.Subscription
	consolidator consolidate.Consolidator // nil for Fundamental and for a pass-through of the primary itself
	passthrough  bool
}

type symbolState struct {
	symbol  types.Symbol
	primary types.PrimarySubscription
	havePrimary bool
	entries map[string]*entry
}

// Handler is the Subscription Handler. One instance serves every symbol the
// strategy subscribes to.
type Handler struct {
	logger          *slog.Logger
	historyCapacity int
	resolver        PrimaryResolver
	hours           SessionHoursProvider

	bySymbol map[types.SymbolName]*symbolState
}

// New builds a Subscription Handler. historyCapacity bounds every
// consolidator's closed-bar ring buffer.
func New(resolver PrimaryResolver, hours SessionHoursProvider, historyCapacity int, logger *slog.Logger) *Handler {
	if historyCapacity < 1 {
		historyCapacity = 1
	}
	return &Handler{
		logger:          logger.With("component", "subscription"),
		historyCapacity: historyCapacity,
		resolver:        resolver,
		hours:           hours,
		bySymbol:        make(map[types.SymbolName]*symbolState),
	}
}

func (h *Handler) stateFor(sym types.Symbol) *symbolState {
	st, ok := h.bySymbol[sym.Name]
	if !ok {
		st = &symbolState{symbol: sym, entries: make(map[string]*entry)}
		h.bySymbol[sym.Name] = st
	}
	return st
}

// Subscribe registers sub, backfilling its consolidator from history (fed
// through Update without collecting output, purely to warm internal state).
// Idempotent: subscribing the same (symbol, resolution, kind, candle type)
// twice is a no-op returning SubscriptionSucceeded again. Fails with a
// ResolutionUnavailable-flavored error if no vendor-native primary can serve
// it.
func (h *Handler) Subscribe(sub types.Subscription, history []types.BaseData, now time.Time) ([]types.DataSubscriptionEvent, error) {
	st := h.stateFor(sub.Symbol)
	key := sub.Key()
	if _, exists := st.entries[key]; exists {
		return []types.DataSubscriptionEvent{{Kind: types.SubscriptionSucceeded, Subscription: sub}}, nil
	}

	if sub.BaseDataKind == types.KindFundamental {
		st.entries[key] = &entry{sub: sub}
		return []types.DataSubscriptionEvent{{Kind: types.SubscriptionSucceeded, Subscription: sub}}, nil
	}

	e := &entry{sub: sub}
	prevPrimary, havePrev := st.primary, st.havePrimary

	// Tentatively add, then recompute the primary across all non-fundamental
	// consumers; if no primary can serve the new set, roll back.
	st.entries[key] = e
	primary, ok := h.selectPrimary(st)
	if !ok {
		delete(st.entries, key)
		return nil, fmt.Errorf("subscription: no vendor-native primary resolution available to serve %s", sub)
	}

	if primary.Resolution.String() == sub.Resolution.String() &&
		primary.BaseDataKind == sub.BaseDataKind &&
		sub.CandleType == types.CandleStandard {
		e.passthrough = true
	} else {
		c, err := h.buildConsolidator(sub)
		if err != nil {
			delete(st.entries, key)
			return nil, err
		}
		for _, pt := range history {
			c.Update(pt)
		}
		e.consolidator = c
	}

	st.primary = primary
	st.havePrimary = true

	events := []types.DataSubscriptionEvent{{Kind: types.SubscriptionSucceeded, Subscription: sub}}
	if !havePrev || prevPrimary.Key() != primary.Key() {
		events = append(events, types.DataSubscriptionEvent{Kind: types.SubscriptionPrimaryChanged, Subscription: sub})
		h.logger.Info("primary subscription changed", "symbol", sub.Symbol.Name, "primary", primary.Key())
	}
	return events, nil
}

// Unsubscribe removes sub's consolidator. If it was the primary driver, the
// primary is re-derived from the remaining consumers.
func (h *Handler) Unsubscribe(sub types.Subscription) []types.DataSubscriptionEvent {
	st, ok := h.bySymbol[sub.Symbol.Name]
	if !ok {
		return nil
	}
	key := sub.Key()
	if _, exists := st.entries[key]; !exists {
		return nil
	}
	delete(st.entries, key)

	events := []types.DataSubscriptionEvent{{Kind: types.SubscriptionUnsubscribed, Subscription: sub}}

	if len(st.entries) == 0 {
		delete(h.bySymbol, sub.Symbol.Name)
		return events
	}

	prevPrimary := st.primary
	if primary, ok := h.selectPrimary(st); ok && primary.Key() != prevPrimary.Key() {
		st.primary = primary
		events = append(events, types.DataSubscriptionEvent{Kind: types.SubscriptionPrimaryChanged, Subscription: sub})
	}
	return events
}

// PrimarySubscriptions returns the current primary subscription set the
// kernel must request from the vendor adapter.
func (h *Handler) PrimarySubscriptions() []types.PrimarySubscription {
	out := make([]types.PrimarySubscription, 0, len(h.bySymbol))
	for _, st := range h.bySymbol {
		if st.havePrimary {
			out = append(out, st.primary)
		}
	}
	return out
}

// Update routes a time-slice of primary data into every matching
// subscription's consolidator, returning pass-through items plus newly
// closed and currently-open derived bars.
func (h *Handler) Update(slice types.TimeSlice) types.TimeSlice {
	out := types.TimeSlice{}
	var openOrder []*entry
	openBars := make(map[*entry]types.BaseData)
	for _, item := range slice.Items {
		st, ok := h.bySymbol[item.Symbol.Name]
		if !ok {
			continue
		}
		for _, e := range st.entries {
			if item.Kind == types.KindFundamental {
				if e.sub.BaseDataKind == types.KindFundamental {
					out.Items = append(out.Items, item)
				}
				continue
			}
			if e.sub.BaseDataKind == types.KindFundamental {
				continue
			}
			if e.passthrough {
				out.Items = append(out.Items, item)
				continue
			}
			if e.consolidator == nil {
				continue
			}
			open, closed := e.consolidator.Update(item)
			if closed != nil {
				out.Items = append(out.Items, *closed)
			}
			if !open.TimeOpen().IsZero() {
				if _, seen := openBars[e]; !seen {
					openOrder = append(openOrder, e)
				}
				openBars[e] = open
			}
		}
	}
	for _, e := range openOrder {
		out.Items = append(out.Items, openBars[e])
	}
	return out
}

// UpdateTime drives purely time-based bar closure across every
// subscription's consolidator (e.g. a minute bar rolling over with no
// trades).
func (h *Handler) UpdateTime(now time.Time) types.TimeSlice {
	out := types.TimeSlice{}
	for _, st := range h.bySymbol {
		for _, e := range st.entries {
			if e.consolidator == nil {
				continue
			}
			if closed := e.consolidator.UpdateTime(now); closed != nil {
				out.Items = append(out.Items, *closed)
			}
		}
	}
	return out
}

// selectPrimary implements §4.1's algorithm: quote-bar consumers imply a
// Quotes primary; tick consumers imply Ticks(1); otherwise the finest
// available vendor-native candle feed that is at least as fine as every
// candle-based consumer's resolution.
func (h *Handler) selectPrimary(st *symbolState) (types.PrimarySubscription, bool) {
	available := h.resolver.AvailablePrimaries(st.symbol)

	needsQuote := false
	needsTick := false
	var finestCandleNeed types.Resolution
	haveCandleNeed := false

	for _, e := range st.entries {
		switch {
		case e.sub.BaseDataKind == types.KindFundamental:
			continue
		case e.sub.BaseDataKind == types.KindQuoteBar:
			needsQuote = true
		case e.sub.Resolution.Kind == types.ResolutionTicks:
			needsTick = true
		default:
			if !haveCandleNeed || e.sub.Resolution.Less(finestCandleNeed) {
				finestCandleNeed = e.sub.Resolution
				haveCandleNeed = true
			}
		}
	}

	if needsQuote {
		for _, p := range available {
			if p.BaseDataKind == types.KindQuote && p.Resolution.Kind == types.ResolutionInstant {
				return p, true
			}
		}
		return types.PrimarySubscription{}, false
	}
	if needsTick {
		for _, p := range available {
			if p.BaseDataKind == types.KindTick && p.Resolution.Kind == types.ResolutionTicks && p.Resolution.N == 1 {
				return p, true
			}
		}
		return types.PrimarySubscription{}, false
	}
	if !haveCandleNeed {
		return types.PrimarySubscription{}, false
	}

	// Among primaries fine enough to consolidate up into finestCandleNeed,
	// pick the coarsest one that still qualifies — the cheapest feed able
	// to serve every candle-based consumer for this symbol.
	var best types.PrimarySubscription
	haveBest := false
	for _, p := range available {
		if p.BaseDataKind != types.KindTick && p.BaseDataKind != types.KindCandle {
			continue
		}
		if finestCandleNeed.Less(p.Resolution) {
			continue // p is coarser than the finest consumer needs, cannot serve it
		}
		if !haveBest || best.Resolution.Less(p.Resolution) {
			best, haveBest = p, true
		}
	}
	return best, haveBest
}

// buildConsolidator constructs the consolidator sub needs given its
// resolution and candle type, wiring Heikin-Ashi as a wrapper around the
// underlying time- or session-bucketed consolidator per §4.2.
func (h *Handler) buildConsolidator(sub types.Subscription) (consolidate.Consolidator, error) {
	sym := sub.Symbol

	if sub.CandleType == types.CandleRenko {
		n := sub.Resolution.N
		if n < 1 {
			n = 1
		}
		brick := sym.TickSize.Mul(decimal.NewFromInt(n))
		return consolidate.NewRenkoConsolidator(sym, brick, h.historyCapacity, h.logger), nil
	}

	var inner consolidate.Consolidator
	switch sub.Resolution.Kind {
	case types.ResolutionTicks:
		inner = consolidate.NewTickCountConsolidator(sym, sub.Resolution.N, h.historyCapacity, h.logger)
	case types.ResolutionSeconds, types.ResolutionMinutes, types.ResolutionHours:
		inner = consolidate.NewTimeBucketConsolidator(sym, sub.Resolution, sub.CandleType, h.historyCapacity, h.logger)
	case types.ResolutionDay, types.ResolutionWeek:
		if h.hours == nil {
			return nil, fmt.Errorf("subscription: no session hours provider configured for %s", sym.Name)
		}
		hours, ok := h.hours.SessionHours(sym)
		if !ok {
			return nil, fmt.Errorf("subscription: no session hours available for %s", sym.Name)
		}
		inner = consolidate.NewSessionConsolidator(sym, sub.CandleType, hours, sub.Resolution.Kind == types.ResolutionWeek, h.historyCapacity, h.logger)
	default:
		return nil, fmt.Errorf("subscription: resolution %s is not consolidatable", sub.Resolution)
	}

	if sub.CandleType == types.CandleHeikinAshi {
		return consolidate.NewHeikinAshiConsolidator(inner, h.historyCapacity), nil
	}
	return inner, nil
}
