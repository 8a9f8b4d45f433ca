package subscription

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kernel/internal/consolidate"
	"kernel/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSymbol(name types.SymbolName) types.Symbol {
	return types.Symbol{
		Name:            name,
		Vendor:          "testvendor",
		TickSize:        decimal.NewFromFloat(0.01),
		DecimalAccuracy: 2,
	}
}

// fixedResolver always advertises a Tick(1) and a Seconds(1) primary,
// matching a typical vendor that streams trades and 1-second bars natively.
type fixedResolver struct {
	primaries []types.PrimarySubscription
}

func (f fixedResolver) AvailablePrimaries(symbol types.Symbol) []types.PrimarySubscription {
	out := make([]types.PrimarySubscription, len(f.primaries))
	for i, p := range f.primaries {
		p.Symbol = symbol
		out[i] = p
	}
	return out
}

func defaultResolver() fixedResolver {
	return fixedResolver{primaries: []types.PrimarySubscription{
		{Resolution: types.Ticks(1), BaseDataKind: types.KindTick},
		{Resolution: types.Seconds(1), BaseDataKind: types.KindCandle},
	}}
}

func TestSubscribePicksFinestSufficientPrimary(t *testing.T) {
	t.Parallel()

	sym := testSymbol("ES")
	h := New(defaultResolver(), nil, 16, testLogger())

	sub := types.Subscription{Symbol: sym, Resolution: types.Minutes(1), BaseDataKind: types.KindCandle}
	events, err := h.Subscribe(sub, nil, time.Now())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(events) != 2 || events[1].Kind != types.SubscriptionPrimaryChanged {
		t.Fatalf("expected SubscriptionSucceeded + PrimaryChanged, got %+v", events)
	}

	primaries := h.PrimarySubscriptions()
	if len(primaries) != 1 || primaries[0].Resolution.Kind != types.ResolutionSeconds {
		t.Fatalf("expected Seconds(1) primary, got %+v", primaries)
	}
}

func TestSubscribeTickConsumerForcesTickPrimary(t *testing.T) {
	t.Parallel()

	sym := testSymbol("ES")
	h := New(defaultResolver(), nil, 16, testLogger())

	sub := types.Subscription{Symbol: sym, Resolution: types.Ticks(5), BaseDataKind: types.KindCandle}
	if _, err := h.Subscribe(sub, nil, time.Now()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	primaries := h.PrimarySubscriptions()
	if len(primaries) != 1 || primaries[0].Resolution.Kind != types.ResolutionTicks || primaries[0].Resolution.N != 1 {
		t.Fatalf("expected Ticks(1) primary, got %+v", primaries)
	}
}

func TestSubscribeNoSufficientPrimaryFails(t *testing.T) {
	t.Parallel()

	sym := testSymbol("ES")
	resolver := fixedResolver{primaries: []types.PrimarySubscription{
		{Resolution: types.Minutes(5), BaseDataKind: types.KindCandle},
	}}
	h := New(resolver, nil, 16, testLogger())

	sub := types.Subscription{Symbol: sym, Resolution: types.Minutes(1), BaseDataKind: types.KindCandle}
	if _, err := h.Subscribe(sub, nil, time.Now()); err == nil {
		t.Fatalf("expected error when no primary is fine enough")
	}
	if got := h.PrimarySubscriptions(); len(got) != 0 {
		t.Fatalf("subscription state should roll back on failure, got %+v", got)
	}
}

func TestUpdateConsolidatesTicksIntoMinuteBars(t *testing.T) {
	t.Parallel()

	sym := testSymbol("ES")
	h := New(defaultResolver(), nil, 16, testLogger())

	sub := types.Subscription{Symbol: sym, Resolution: types.Minutes(1), BaseDataKind: types.KindCandle}
	if _, err := h.Subscribe(sub, nil, time.Now()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tick1 := types.NewTickData(sym, types.Tick{Price: decimal.NewFromFloat(100), Volume: decimal.NewFromInt(1), Time: base})
	tick2 := types.NewTickData(sym, types.Tick{Price: decimal.NewFromFloat(101), Volume: decimal.NewFromInt(1), Time: base.Add(30 * time.Second)})
	tick3 := types.NewTickData(sym, types.Tick{Price: decimal.NewFromFloat(99), Volume: decimal.NewFromInt(1), Time: base.Add(70 * time.Second)})

	out := h.Update(types.TimeSlice{Items: []types.BaseData{tick1, tick2}})
	if len(out.Items) != 1 || out.Items[0].Kind != types.KindCandle || out.Items[0].Candle.IsClosed {
		t.Fatalf("expected one open candle, got %+v", out.Items)
	}

	out = h.Update(types.TimeSlice{Items: []types.BaseData{tick3}})
	var sawClosed, sawOpen bool
	for _, item := range out.Items {
		if item.Kind == types.KindCandle && item.Candle.IsClosed {
			sawClosed = true
			if !item.Candle.Close.Equal(decimal.NewFromFloat(101)) {
				t.Errorf("closed bar close = %s, want 101", item.Candle.Close)
			}
		}
		if item.Kind == types.KindCandle && !item.Candle.IsClosed {
			sawOpen = true
		}
	}
	if !sawClosed || !sawOpen {
		t.Fatalf("expected both a closed prior bar and a new open bar, got %+v", out.Items)
	}
}

func TestUnsubscribeReselectsPrimary(t *testing.T) {
	t.Parallel()

	sym := testSymbol("ES")
	h := New(defaultResolver(), nil, 16, testLogger())

	tickSub := types.Subscription{Symbol: sym, Resolution: types.Ticks(1), BaseDataKind: types.KindTick}
	barSub := types.Subscription{Symbol: sym, Resolution: types.Minutes(1), BaseDataKind: types.KindCandle}

	if _, err := h.Subscribe(tickSub, nil, time.Now()); err != nil {
		t.Fatalf("Subscribe tickSub: %v", err)
	}
	if _, err := h.Subscribe(barSub, nil, time.Now()); err != nil {
		t.Fatalf("Subscribe barSub: %v", err)
	}
	if primaries := h.PrimarySubscriptions(); primaries[0].Resolution.Kind != types.ResolutionTicks {
		t.Fatalf("expected tick primary while tickSub is live, got %+v", primaries)
	}

	events := h.Unsubscribe(tickSub)
	var sawChange bool
	for _, e := range events {
		if e.Kind == types.SubscriptionPrimaryChanged {
			sawChange = true
		}
	}
	if !sawChange {
		t.Fatalf("expected primary to change after removing the tick consumer, got %+v", events)
	}
	primaries := h.PrimarySubscriptions()
	if len(primaries) != 1 || primaries[0].Resolution.Kind != types.ResolutionSeconds {
		t.Fatalf("expected Seconds(1) primary after unsubscribe, got %+v", primaries)
	}
}

func TestSubscribeRenkoDerivesBrickSizeFromTickSize(t *testing.T) {
	t.Parallel()

	sym := testSymbol("ES")
	h := New(defaultResolver(), nil, 16, testLogger())

	sub := types.Subscription{Symbol: sym, Resolution: types.Ticks(10), BaseDataKind: types.KindCandle, CandleType: types.CandleRenko}
	if _, err := h.Subscribe(sub, nil, time.Now()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	primaries := h.PrimarySubscriptions()
	if len(primaries) != 1 || primaries[0].Resolution.Kind != types.ResolutionTicks {
		t.Fatalf("renko consumer should force a tick primary, got %+v", primaries)
	}
}

var _ consolidate.Consolidator = (*consolidate.TimeBucketConsolidator)(nil)
