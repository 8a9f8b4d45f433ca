package consolidate

import (
	"time"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

// HeikinAshiConsolidator wraps a time-bucketed consolidator and rewrites
// every bar it closes through the standard Heikin-Ashi recurrences:
//
//	haClose = (open + high + low + close) / 4
//	haOpen  = (prevHaOpen + prevHaClose) / 2        (first bar: (open+close)/2)
//	haHigh  = max(high, haOpen, haClose)
//	haLow   = min(low, haOpen, haClose)
//
// The wrapped consolidator still does all the bucketing and accumulation;
// this type only transforms its output.
type HeikinAshiConsolidator struct {
	inner Consolidator

	havePrev    bool
	prevHaOpen  decimal.Decimal
	prevHaClose decimal.Decimal

	hist *history
}

// NewHeikinAshiConsolidator wraps inner, which must produce Candle bars
// (Tick/Candle-driven time buckets, tick-count bars, or Renko bricks).
func NewHeikinAshiConsolidator(inner Consolidator, historyCapacity int) *HeikinAshiConsolidator {
	return &HeikinAshiConsolidator{inner: inner, hist: newHistory(historyCapacity)}
}

func (c *HeikinAshiConsolidator) Update(data types.BaseData) (types.BaseData, *types.BaseData) {
	open, closed := c.inner.Update(data)
	return c.transform(open), c.transformClosed(closed)
}

func (c *HeikinAshiConsolidator) UpdateTime(now time.Time) *types.BaseData {
	return c.transformClosed(c.inner.UpdateTime(now))
}

func (c *HeikinAshiConsolidator) History() []types.BaseData {
	return c.hist.items()
}

// transform rewrites an in-progress bar's OHLC without advancing prevHa*,
// since the bar hasn't closed yet.
func (c *HeikinAshiConsolidator) transform(bar types.BaseData) types.BaseData {
	if bar.Kind != types.KindCandle {
		return bar
	}
	haOpen, haClose, haHigh, haLow := c.recurrence(bar.Candle)
	out := bar
	out.Candle.Open, out.Candle.High, out.Candle.Low, out.Candle.Close = haOpen, haHigh, haLow, haClose
	out.Candle.CandleType = types.CandleHeikinAshi
	return out
}

func (c *HeikinAshiConsolidator) transformClosed(closed *types.BaseData) *types.BaseData {
	if closed == nil || closed.Kind != types.KindCandle {
		return closed
	}
	haOpen, haClose, haHigh, haLow := c.recurrence(closed.Candle)
	out := *closed
	out.Candle.Open, out.Candle.High, out.Candle.Low, out.Candle.Close = haOpen, haHigh, haLow, haClose
	out.Candle.CandleType = types.CandleHeikinAshi
	c.havePrev = true
	c.prevHaOpen = haOpen
	c.prevHaClose = haClose
	c.hist.push(out)
	return &out
}

func (c *HeikinAshiConsolidator) recurrence(src types.Candle) (haOpen, haClose, haHigh, haLow decimal.Decimal) {
	four := decimal.NewFromInt(4)
	two := decimal.NewFromInt(2)
	haClose = src.Open.Add(src.High).Add(src.Low).Add(src.Close).Div(four)
	if c.havePrev {
		haOpen = c.prevHaOpen.Add(c.prevHaClose).Div(two)
	} else {
		haOpen = src.Open.Add(src.Close).Div(two)
	}
	haHigh = decimalMax(src.High, decimalMax(haOpen, haClose))
	haLow = decimalMin(src.Low, decimalMin(haOpen, haClose))
	return haOpen, haClose, haHigh, haLow
}
