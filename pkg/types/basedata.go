package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Aggressor identifies which side of a trade crossed the spread.
type Aggressor int

const (
	AggressorNone Aggressor = iota
	AggressorBuy            // the buyer lifted the ask
	AggressorSell           // the seller hit the bid
)

// CandleType distinguishes Standard OHLC bars from derived candle variants
// that reuse a Standard bar's time- or price-bucketing.
type CandleType int

const (
	CandleStandard CandleType = iota
	CandleHeikinAshi
	CandleRenko
)

// BaseDataKind tags which variant a BaseData value holds.
type BaseDataKind int

const (
	KindTick BaseDataKind = iota
	KindQuote
	KindCandle
	KindQuoteBar
	KindFundamental
)

// Tick is a single trade print.
type Tick struct {
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Aggressor Aggressor
	Time      time.Time
}

// Quote is a top-of-book bid/ask snapshot.
type Quote struct {
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	BidVol decimal.Decimal
	AskVol decimal.Decimal
	Time   time.Time
}

// Candle is an OHLCV bar built from trades.
type Candle struct {
	Open, High, Low, Close decimal.Decimal
	Volume                 decimal.Decimal
	AskVolume, BidVolume   decimal.Decimal
	IsClosed               bool
	TimeOpen               time.Time
	Resolution             Resolution
	CandleType             CandleType
}

// QuoteBar is an OHLC bar built from quotes: one bar for the bid side, one
// for the ask side, sharing a single time window.
type QuoteBar struct {
	BidOpen, BidHigh, BidLow, BidClose decimal.Decimal
	AskOpen, AskHigh, AskLow, AskClose decimal.Decimal
	BidVolume, AskVolume               decimal.Decimal
	IsClosed                           bool
	TimeOpen                           time.Time
	Resolution                         Resolution
}

// Spread returns AskClose - BidClose.
func (q QuoteBar) Spread() decimal.Decimal { return q.AskClose.Sub(q.BidClose) }

// Range returns AskHigh - BidLow.
func (q QuoteBar) Range() decimal.Decimal { return q.AskHigh.Sub(q.BidLow) }

// Fundamental is a non-price data point (e.g. an economic release) that
// bypasses consolidation entirely.
type Fundamental struct {
	Time    time.Time
	Payload map[string]string
}

// BaseData is a tagged union over Tick/Quote/Candle/QuoteBar/Fundamental.
// Exactly one of the typed fields is meaningful, selected by Kind. Every
// variant knows its symbol and its time-open.
type BaseData struct {
	Kind   BaseDataKind
	Symbol Symbol

	Tick        Tick
	Quote       Quote
	Candle      Candle
	QuoteBar    QuoteBar
	Fundamental Fundamental
}

// NewTickData wraps a Tick as a BaseData value.
func NewTickData(sym Symbol, t Tick) BaseData {
	return BaseData{Kind: KindTick, Symbol: sym, Tick: t}
}

// NewQuoteData wraps a Quote as a BaseData value.
func NewQuoteData(sym Symbol, q Quote) BaseData {
	return BaseData{Kind: KindQuote, Symbol: sym, Quote: q}
}

// NewCandleData wraps a Candle as a BaseData value.
func NewCandleData(sym Symbol, c Candle) BaseData {
	return BaseData{Kind: KindCandle, Symbol: sym, Candle: c}
}

// NewQuoteBarData wraps a QuoteBar as a BaseData value.
func NewQuoteBarData(sym Symbol, qb QuoteBar) BaseData {
	return BaseData{Kind: KindQuoteBar, Symbol: sym, QuoteBar: qb}
}

// TimeOpen returns the variant's time-open (trade time for ticks/quotes).
func (b BaseData) TimeOpen() time.Time {
	switch b.Kind {
	case KindTick:
		return b.Tick.Time
	case KindQuote:
		return b.Quote.Time
	case KindCandle:
		return b.Candle.TimeOpen
	case KindQuoteBar:
		return b.QuoteBar.TimeOpen
	case KindFundamental:
		return b.Fundamental.Time
	default:
		return time.Time{}
	}
}

// IsClosed reports whether a bar variant is closed. Ticks/quotes/fundamentals
// are always considered "closed" (they are instantaneous).
func (b BaseData) IsClosed() bool {
	switch b.Kind {
	case KindCandle:
		return b.Candle.IsClosed
	case KindQuoteBar:
		return b.QuoteBar.IsClosed
	default:
		return true
	}
}

// Resolution returns the variant's resolution; Instant for ticks/quotes.
func (b BaseData) Resolution() Resolution {
	switch b.Kind {
	case KindCandle:
		return b.Candle.Resolution
	case KindQuoteBar:
		return b.QuoteBar.Resolution
	default:
		return Instant()
	}
}

// TimeSlice is an ordered batch of BaseData delivered together — the unit of
// data flow between vendor adapters, the Subscription Handler, MPS, Ledger,
// and the Matching Engine.
type TimeSlice struct {
	Items []BaseData
}

// Len returns the number of items in the slice.
func (s TimeSlice) Len() int { return len(s.Items) }
