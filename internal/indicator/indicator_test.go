package indicator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func candle(close float64, t time.Time) types.BaseData {
	c := decimal.NewFromFloat(close)
	return types.NewCandleData(types.Symbol{Name: "ES"}, types.Candle{
		Open: c, High: c, Low: c, Close: c, IsClosed: true, TimeOpen: t,
	})
}

func TestSMAWarmUpThenUpdate(t *testing.T) {
	t.Parallel()

	sub := types.Subscription{Symbol: types.Symbol{Name: "ES"}, Resolution: types.Minutes(1), BaseDataKind: types.KindCandle}
	sma := NewSMA(sub, 3, 8)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sma.WarmUp([]types.BaseData{
		candle(10, base),
		candle(20, base.Add(time.Minute)),
	})

	if _, ok := sma.Update(candle(30, base.Add(2*time.Minute))); !ok {
		t.Fatalf("expected SMA to report after 3 points")
	}
	values, _ := sma.Update(candle(30, base.Add(3*time.Minute)))
	want := decimal.NewFromInt(20 + 30 + 30).Div(decimal.NewFromInt(3))
	if !values[0].Equal(want) {
		t.Errorf("SMA = %s, want %s", values[0], want)
	}
}

func TestEMASeedsFromSimpleAverage(t *testing.T) {
	t.Parallel()

	sub := types.Subscription{Symbol: types.Symbol{Name: "ES"}, Resolution: types.Minutes(1), BaseDataKind: types.KindCandle}
	ema := NewEMA(sub, 2, 8)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, ok := ema.Update(candle(10, base)); ok {
		t.Fatalf("expected no output before period points seen")
	}
	values, ok := ema.Update(candle(20, base.Add(time.Minute)))
	if !ok {
		t.Fatalf("expected EMA seed after 2 points")
	}
	if !values[0].Equal(decimal.NewFromFloat(15)) {
		t.Errorf("seed EMA = %s, want 15", values[0])
	}
}

func TestATRUsesTrueRangeWithPrevClose(t *testing.T) {
	t.Parallel()

	sub := types.Subscription{Symbol: types.Symbol{Name: "ES"}, Resolution: types.Minutes(1), BaseDataKind: types.KindCandle}
	atr := NewATR(sub, 2, 8)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bar1 := types.NewCandleData(types.Symbol{Name: "ES"}, types.Candle{
		Open: decimal.NewFromInt(10), High: decimal.NewFromInt(12), Low: decimal.NewFromInt(9), Close: decimal.NewFromInt(11),
		IsClosed: true, TimeOpen: base,
	})
	bar2 := types.NewCandleData(types.Symbol{Name: "ES"}, types.Candle{
		Open: decimal.NewFromInt(11), High: decimal.NewFromInt(20), Low: decimal.NewFromInt(10), Close: decimal.NewFromInt(15),
		IsClosed: true, TimeOpen: base.Add(time.Minute),
	})

	if _, ok := atr.Update(bar1); ok {
		t.Fatalf("expected no ATR output on first bar (period 2)")
	}
	values, ok := atr.Update(bar2)
	if !ok {
		t.Fatalf("expected ATR output on second bar")
	}
	// bar1 TR = 12-9 = 3; bar2 TR = max(20-10, |20-11|, |10-11|) = 10
	want := decimal.NewFromFloat((3.0 + 10.0) / 2.0)
	if !values[0].Equal(want) {
		t.Errorf("ATR = %s, want %s", values[0], want)
	}
}

func TestOrderFlowImbalanceSkewedBuysAreToxic(t *testing.T) {
	t.Parallel()

	sub := types.Subscription{Symbol: types.Symbol{Name: "ES"}, Resolution: types.Ticks(1), BaseDataKind: types.KindTick}
	ofi := NewOrderFlowImbalance(sub, time.Minute, 8)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := func(offset time.Duration, ag types.Aggressor) types.BaseData {
		return types.NewTickData(types.Symbol{Name: "ES"}, types.Tick{
			Price: decimal.NewFromInt(100), Volume: decimal.NewFromInt(1), Aggressor: ag, Time: base.Add(offset),
		})
	}

	var values []decimal.Decimal
	var ok bool
	for i := 0; i < 5; i++ {
		values, ok = ofi.Update(tick(time.Duration(i)*time.Second, types.AggressorBuy))
	}
	if !ok {
		t.Fatalf("expected OFI output")
	}
	if !values[0].Equal(decimal.NewFromInt(1)) {
		t.Errorf("directional imbalance = %s, want 1 (all buys)", values[0])
	}
}

func TestHandlerRegisterAndDispatch(t *testing.T) {
	t.Parallel()

	h := New(testLogger())
	sub := types.Subscription{Symbol: types.Symbol{Name: "ES"}, Resolution: types.Minutes(1), BaseDataKind: types.KindCandle}
	sma := NewSMA(sub, 2, 8)
	h.Register("sma2", sma, nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if events := h.OnClosedBar(candle(10, base), sub); len(events) != 0 {
		t.Fatalf("expected no events before warm-up, got %+v", events)
	}
	events := h.OnClosedBar(candle(20, base.Add(time.Minute)), sub)
	if len(events) != 1 || events[0].Name != "sma2" {
		t.Fatalf("expected one sma2 event, got %+v", events)
	}

	h.Remove("sma2")
	if events := h.OnClosedBar(candle(30, base.Add(2*time.Minute)), sub); len(events) != 0 {
		t.Fatalf("expected no events after removal, got %+v", events)
	}
}
