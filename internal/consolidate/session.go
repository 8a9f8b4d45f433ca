package consolidate

import (
	"log/slog"
	"time"

	"kernel/pkg/types"
)

// SessionConsolidator builds one bar per trading session (Day resolution) or
// per calendar week of sessions (Week resolution), using a TradingHours
// descriptor rather than naive calendar-day boundaries — a Sunday evening
// session that runs into Monday closes as a single bar, not two.
type SessionConsolidator struct {
	symbol     types.Symbol
	candleType types.CandleType
	hours      TradingHours
	weekly     bool
	logger     *slog.Logger

	current   *types.BaseData
	groupKey  time.Time // session open (Day) or week-start (Week) of the open bar
	closeAt   time.Time // earliest time at which the open bar may roll over

	lastAccepted time.Time
	haveAccepted bool

	hist *history
}

// NewSessionConsolidator builds a Day or Week consolidator. weekly selects
// Week resolution; false selects Day resolution, one bar per session.
func NewSessionConsolidator(sym types.Symbol, candleType types.CandleType, hours TradingHours, weekly bool, historyCapacity int, logger *slog.Logger) *SessionConsolidator {
	res := types.Day()
	if weekly {
		res = types.Week()
	}
	return &SessionConsolidator{
		symbol:     sym,
		candleType: candleType,
		hours:      hours,
		weekly:     weekly,
		logger:     logger.With("component", "consolidate", "symbol", sym.Name, "resolution", res.String()),
		hist:       newHistory(historyCapacity),
	}
}

func (c *SessionConsolidator) groupFor(at time.Time) (key, closeAt time.Time, ok bool) {
	open, close, inSession := c.hours.sessionBounds(at)
	if !inSession {
		return time.Time{}, time.Time{}, false
	}
	if !c.weekly {
		return open, close, true
	}
	loc := c.hours.location()
	wk := weekKey(at, loc)
	// the weekly bar stays open through every session in the week; it rolls
	// over once the current session's close crosses into the next week.
	return wk, close, true
}

func (c *SessionConsolidator) Update(data types.BaseData) (types.BaseData, *types.BaseData) {
	if data.Kind != types.KindTick && data.Kind != types.KindCandle {
		if c.current != nil {
			return *c.current, nil
		}
		return types.BaseData{}, nil
	}
	at := data.TimeOpen()
	if c.haveAccepted && at.Before(c.lastAccepted) {
		c.logger.Warn("dropped out-of-order data point", "time", at, "last_accepted", c.lastAccepted)
		if c.current != nil {
			return *c.current, nil
		}
		return types.BaseData{}, nil
	}
	c.lastAccepted = at
	c.haveAccepted = true

	key, closeAt, ok := c.groupFor(at)
	if !ok {
		c.logger.Warn("data point outside trading hours, dropped", "time", at)
		if c.current != nil {
			return *c.current, nil
		}
		return types.BaseData{}, nil
	}

	if c.current == nil {
		c.openBar(data, key, closeAt)
		return *c.current, nil
	}
	if !c.weekly && key.Equal(c.groupKey) {
		c.foldInto(c.current, data)
		return *c.current, nil
	}
	if c.weekly && key.Equal(c.groupKey) {
		c.foldInto(c.current, data)
		c.closeAt = closeAt // extend rollover point to the latest session's close
		return *c.current, nil
	}
	closed := c.closeBar()
	c.openBar(data, key, closeAt)
	return *c.current, closed
}

// UpdateTime rolls the current bar over once now reaches its close boundary
// — for Day resolution that's the session close; for Week resolution it's
// the close of the last session folded in, with no later session to extend it.
func (c *SessionConsolidator) UpdateTime(now time.Time) *types.BaseData {
	if c.current == nil {
		return nil
	}
	if now.Before(c.closeAt) {
		return nil
	}
	return c.closeBar()
}

func (c *SessionConsolidator) History() []types.BaseData {
	return c.hist.items()
}

func (c *SessionConsolidator) openBar(data types.BaseData, key, closeAt time.Time) {
	c.groupKey = key
	c.closeAt = closeAt
	price := c.symbol.RoundToTick(tradePrice(data))
	res := types.Day()
	if c.weekly {
		res = types.Week()
	}
	bar := types.NewCandleData(c.symbol, types.Candle{
		Open: price, High: price, Low: price, Close: price,
		TimeOpen: key, Resolution: res, CandleType: c.candleType,
	})
	c.current = &bar
	c.foldInto(c.current, data)
}

func (c *SessionConsolidator) closeBar() *types.BaseData {
	closed := *c.current
	closed.Candle.IsClosed = true
	c.hist.push(closed)
	c.current = nil
	return &closed
}

func (c *SessionConsolidator) foldInto(bar *types.BaseData, data types.BaseData) {
	price := c.symbol.RoundToTick(tradePrice(data))
	bar.Candle.High = decimalMax(bar.Candle.High, price)
	bar.Candle.Low = decimalMin(bar.Candle.Low, price)
	bar.Candle.Close = price
	vol := tradeVolume(data)
	bar.Candle.Volume = bar.Candle.Volume.Add(vol)
	if data.Kind == types.KindTick {
		switch data.Tick.Aggressor {
		case types.AggressorBuy:
			bar.Candle.AskVolume = bar.Candle.AskVolume.Add(vol)
		case types.AggressorSell:
			bar.Candle.BidVolume = bar.Candle.BidVolume.Add(vol)
		}
	}
}
