package consolidate

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

// RenkoConsolidator builds fixed-size price bricks from a trade stream.
// A new brick in the same direction as the last one opens as soon as price
// moves brickSize beyond the last brick's close; reversing direction
// requires a 2x brickSize move, per the classic Renko construction.
type RenkoConsolidator struct {
	symbol    types.Symbol
	brickSize decimal.Decimal
	logger    *slog.Logger

	current   *types.BaseData
	direction int // 0 = none yet, 1 = up, -1 = down
	lastClose decimal.Decimal
	haveBrick bool

	lastTime time.Time
	haveLast bool

	hist *history
}

// NewRenkoConsolidator builds a Renko consolidator with the given brick size.
func NewRenkoConsolidator(sym types.Symbol, brickSize decimal.Decimal, historyCapacity int, logger *slog.Logger) *RenkoConsolidator {
	return &RenkoConsolidator{
		symbol:    sym,
		brickSize: brickSize,
		logger:    logger.With("component", "consolidate", "symbol", sym.Name, "brick_size", brickSize.String()),
		hist:      newHistory(historyCapacity),
	}
}

// Update folds one tick into the brick sequence. It never reports an "open"
// bar the way time-bucketed consolidators do — Renko bricks are reported
// only once fully closed — so the open return value is always zero-valued;
// at most one brick closes per tick is assumed not to hold: if price gaps
// through several brick widths in one tick, every brick that closes as a
// result is pushed into history and the LAST one closed is returned.
func (c *RenkoConsolidator) Update(data types.BaseData) (types.BaseData, *types.BaseData) {
	if data.Kind != types.KindTick {
		return types.BaseData{}, nil
	}
	at := data.Tick.Time
	if c.haveLast && at.Before(c.lastTime) {
		c.logger.Warn("dropped out-of-order tick", "time", at, "last_accepted", c.lastTime)
		return types.BaseData{}, nil
	}
	c.lastTime = at
	c.haveLast = true

	price := c.symbol.RoundToTick(data.Tick.Price)

	if !c.haveBrick {
		c.lastClose = price
		c.haveBrick = true
		return types.BaseData{}, nil
	}

	var lastClosed *types.BaseData
	for {
		brick := c.tryClose(price, at)
		if brick == nil {
			break
		}
		lastClosed = brick
	}
	return types.BaseData{}, lastClosed
}

// tryClose emits at most one brick if price has moved far enough from
// lastClose, honoring the 2x reversal rule, and advances lastClose/direction
// so a caller can loop to drain a multi-brick gap.
func (c *RenkoConsolidator) tryClose(price decimal.Decimal, at time.Time) *types.BaseData {
	up := price.Sub(c.lastClose)
	down := c.lastClose.Sub(price)

	switch c.direction {
	case 0, 1:
		if up.GreaterThanOrEqual(c.brickSize) {
			return c.emitBrick(1, c.lastClose.Add(c.brickSize), at)
		}
		reversal := c.brickSize.Mul(decimal.NewFromInt(2))
		if c.direction == 1 && down.GreaterThanOrEqual(reversal) {
			return c.emitBrick(-1, c.lastClose.Sub(c.brickSize), at)
		}
	case -1:
		if down.GreaterThanOrEqual(c.brickSize) {
			return c.emitBrick(-1, c.lastClose.Sub(c.brickSize), at)
		}
		reversal := c.brickSize.Mul(decimal.NewFromInt(2))
		if up.GreaterThanOrEqual(reversal) {
			return c.emitBrick(1, c.lastClose.Add(c.brickSize), at)
		}
	}
	return nil
}

func (c *RenkoConsolidator) emitBrick(direction int, close decimal.Decimal, at time.Time) *types.BaseData {
	open := c.lastClose
	high, low := open, close
	if direction > 0 {
		high, low = close, open
	}
	bar := types.NewCandleData(c.symbol, types.Candle{
		Open: open, High: high, Low: low, Close: close,
		IsClosed:   true,
		TimeOpen:   at,
		Resolution: types.Ticks(1),
		CandleType: types.CandleRenko,
	})
	c.direction = direction
	c.lastClose = close
	c.hist.push(bar)
	return &bar
}

// UpdateTime is a no-op: Renko bricks close purely on price movement.
func (c *RenkoConsolidator) UpdateTime(now time.Time) *types.BaseData {
	return nil
}

func (c *RenkoConsolidator) History() []types.BaseData {
	return c.hist.items()
}
