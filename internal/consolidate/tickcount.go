package consolidate

import (
	"log/slog"
	"time"

	"kernel/pkg/types"
)

// TickCountConsolidator closes a bar after N incoming ticks, regardless of
// elapsed time. UpdateTime is a pure no-op: this consolidator never rolls
// over on the clock alone.
type TickCountConsolidator struct {
	symbol types.Symbol
	n      int64
	logger *slog.Logger

	current  *types.BaseData
	count    int64
	lastTime time.Time
	haveLast bool

	hist *history
}

// NewTickCountConsolidator builds a consolidator that closes every n ticks.
func NewTickCountConsolidator(sym types.Symbol, n int64, historyCapacity int, logger *slog.Logger) *TickCountConsolidator {
	return &TickCountConsolidator{
		symbol: sym,
		n:      n,
		logger: logger.With("component", "consolidate", "symbol", sym.Name, "resolution", types.Ticks(n).String()),
		hist:   newHistory(historyCapacity),
	}
}

func (c *TickCountConsolidator) Update(data types.BaseData) (types.BaseData, *types.BaseData) {
	if data.Kind != types.KindTick {
		if c.current != nil {
			return *c.current, nil
		}
		return types.BaseData{}, nil
	}
	at := data.Tick.Time
	if c.haveLast && at.Before(c.lastTime) {
		c.logger.Warn("dropped out-of-order tick", "time", at, "last_accepted", c.lastTime)
		if c.current != nil {
			return *c.current, nil
		}
		return types.BaseData{}, nil
	}
	c.lastTime = at
	c.haveLast = true

	price := c.symbol.RoundToTick(data.Tick.Price)

	if c.current == nil {
		bar := types.NewCandleData(c.symbol, types.Candle{
			Open: price, High: price, Low: price, Close: price,
			Volume:   data.Tick.Volume,
			TimeOpen: at, Resolution: types.Ticks(c.n),
		})
		c.current = &bar
		c.count = 1
	} else {
		c.current.Candle.High = decimalMax(c.current.Candle.High, price)
		c.current.Candle.Low = decimalMin(c.current.Candle.Low, price)
		c.current.Candle.Close = price
		c.current.Candle.Volume = c.current.Candle.Volume.Add(data.Tick.Volume)
		c.count++
	}
	switch data.Tick.Aggressor {
	case types.AggressorBuy:
		c.current.Candle.AskVolume = c.current.Candle.AskVolume.Add(data.Tick.Volume)
	case types.AggressorSell:
		c.current.Candle.BidVolume = c.current.Candle.BidVolume.Add(data.Tick.Volume)
	}

	if c.count >= c.n {
		closed := c.closeBar()
		return types.BaseData{}, closed
	}
	return *c.current, nil
}

func (c *TickCountConsolidator) UpdateTime(now time.Time) *types.BaseData {
	return nil
}

func (c *TickCountConsolidator) History() []types.BaseData {
	return c.hist.items()
}

func (c *TickCountConsolidator) closeBar() *types.BaseData {
	closed := *c.current
	closed.Candle.IsClosed = true
	c.hist.push(closed)
	c.current = nil
	c.count = 0
	return &closed
}
