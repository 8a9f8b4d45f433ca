// Package consolidate implements the Consolidator Set: per-subscription
// state machines that turn a stream of ticks/quotes into closed and
// in-progress bars by incrementally updating in-place state from a stream
// of incoming events.
package consolidate

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

// Consolidator is the contract every bar-building state machine satisfies.
// Update folds one data point into the current bar, returning its new open
// state and, if the point rolled the bar over, the bar that just closed.
// UpdateTime is purely time-driven closure — a bar can roll over with no
// new data at all.
type Consolidator interface {
	Update(data types.BaseData) (open types.BaseData, closed *types.BaseData)
	UpdateTime(now time.Time) (closed *types.BaseData)
	History() []types.BaseData
}

// TimeBucketConsolidator builds Seconds/Minutes/Hours bars whose boundaries
// are epoch-aligned multiples of the resolution in UTC.
type TimeBucketConsolidator struct {
	symbol        types.Symbol
	resolution    types.Resolution
	candleType    types.CandleType
	bucketSeconds int64
	logger        *slog.Logger

	current      *types.BaseData // the open bar, nil if none yet
	bucketStart  time.Time
	lastAccepted time.Time
	haveAccepted bool

	hist *history
}

// NewTimeBucketConsolidator builds a consolidator for sym at the given
// Seconds/Minutes/Hours resolution. historyCapacity bounds the closed-bar
// ring.
func NewTimeBucketConsolidator(sym types.Symbol, resolution types.Resolution, candleType types.CandleType, historyCapacity int, logger *slog.Logger) *TimeBucketConsolidator {
	return &TimeBucketConsolidator{
		symbol:        sym,
		resolution:    resolution,
		candleType:    candleType,
		bucketSeconds: resolutionSeconds(resolution),
		logger:        logger.With("component", "consolidate", "symbol", sym.Name, "resolution", resolution.String()),
		hist:          newHistory(historyCapacity),
	}
}

func resolutionSeconds(r types.Resolution) int64 {
	switch r.Kind {
	case types.ResolutionSeconds:
		return r.N
	case types.ResolutionMinutes:
		return r.N * 60
	case types.ResolutionHours:
		return r.N * 3600
	default:
		return 1
	}
}

func (c *TimeBucketConsolidator) bucketFor(t time.Time) time.Time {
	epoch := t.UTC().Unix()
	aligned := (epoch / c.bucketSeconds) * c.bucketSeconds
	return time.Unix(aligned, 0).UTC()
}

// Update folds one tick or quote into the bar for its bucket, opening a new
// bar and closing the prior one if the point falls in a later bucket. A
// point whose timestamp is not strictly non-decreasing relative to the last
// accepted point is dropped and logged, never rewinding state.
func (c *TimeBucketConsolidator) Update(data types.BaseData) (types.BaseData, *types.BaseData) {
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

	bucket := c.bucketFor(at)

	if c.current == nil {
		c.openBar(data, bucket)
		return *c.current, nil
	}

	if bucket.After(c.bucketStart) {
		closed := c.closeBar()
		c.openBar(data, bucket)
		return *c.current, closed
	}

	c.foldInto(c.current, data)
	return *c.current, nil
}

// UpdateTime closes the current bar if now has crossed into a later bucket,
// even with no new data. It is a no-op if there is no open bar, or if now
// precedes the current bar's open time.
func (c *TimeBucketConsolidator) UpdateTime(now time.Time) *types.BaseData {
	if c.current == nil {
		return nil
	}
	if now.Before(c.current.TimeOpen()) {
		return nil
	}
	if !c.bucketFor(now).After(c.bucketStart) {
		return nil
	}
	return c.closeBar()
}

func (c *TimeBucketConsolidator) History() []types.BaseData {
	return c.hist.items()
}

func (c *TimeBucketConsolidator) openBar(data types.BaseData, bucket time.Time) {
	c.bucketStart = bucket
	switch data.Kind {
	case types.KindQuote:
		bid := c.symbol.RoundToTick(data.Quote.Bid)
		ask := c.symbol.RoundToTick(data.Quote.Ask)
		bar := types.NewQuoteBarData(c.symbol, types.QuoteBar{
			BidOpen: bid, BidHigh: bid, BidLow: bid, BidClose: bid,
			AskOpen: ask, AskHigh: ask, AskLow: ask, AskClose: ask,
			BidVolume: data.Quote.BidVol, AskVolume: data.Quote.AskVol,
			TimeOpen: bucket, Resolution: c.resolution,
		})
		c.current = &bar
	default: // KindTick, KindCandle: trade-driven
		price := c.symbol.RoundToTick(tradePrice(data))
		bar := types.NewCandleData(c.symbol, types.Candle{
			Open: price, High: price, Low: price, Close: price,
			TimeOpen: bucket, Resolution: c.resolution, CandleType: c.candleType,
		})
		c.current = &bar
		c.foldInto(c.current, data)
	}
}

func (c *TimeBucketConsolidator) closeBar() *types.BaseData {
	closed := *c.current
	switch closed.Kind {
	case types.KindCandle:
		closed.Candle.IsClosed = true
	case types.KindQuoteBar:
		closed.QuoteBar.IsClosed = true
	}
	c.hist.push(closed)
	c.current = nil
	return &closed
}

// foldInto applies the update rules for one more data point into bar, which
// must already be open for the bucket data belongs to.
func (c *TimeBucketConsolidator) foldInto(bar *types.BaseData, data types.BaseData) {
	switch bar.Kind {
	case types.KindCandle:
		if data.Kind != types.KindTick && data.Kind != types.KindCandle {
			return
		}
		price := tradePrice(data)
		price = c.symbol.RoundToTick(price)
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
	case types.KindQuoteBar:
		if data.Kind != types.KindQuote {
			return
		}
		bid := c.symbol.RoundToTick(data.Quote.Bid)
		ask := c.symbol.RoundToTick(data.Quote.Ask)
		bar.QuoteBar.BidHigh = decimalMax(bar.QuoteBar.BidHigh, bid)
		bar.QuoteBar.BidLow = decimalMin(bar.QuoteBar.BidLow, bid)
		bar.QuoteBar.BidClose = bid
		bar.QuoteBar.AskHigh = decimalMax(bar.QuoteBar.AskHigh, ask)
		bar.QuoteBar.AskLow = decimalMin(bar.QuoteBar.AskLow, ask)
		bar.QuoteBar.AskClose = ask
		bar.QuoteBar.BidVolume = bar.QuoteBar.BidVolume.Add(data.Quote.BidVol)
		bar.QuoteBar.AskVolume = bar.QuoteBar.AskVolume.Add(data.Quote.AskVol)
	}
}

func tradePrice(data types.BaseData) decimal.Decimal {
	if data.Kind == types.KindCandle {
		return data.Candle.Close
	}
	return data.Tick.Price
}

func tradeVolume(data types.BaseData) decimal.Decimal {
	if data.Kind == types.KindCandle {
		return data.Candle.Volume
	}
	return data.Tick.Volume
}
