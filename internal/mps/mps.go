// Package mps implements the Market Price Service: a single-threaded actor
// that owns per-symbol top-of-book state and last-trade price and answers
// fill-price queries for the Matching Engine and Ledger Service.
//
// The service holds no locks visible to callers — its order-book and
// last-price maps are touched only by the goroutine started in Run. Callers
// interact exclusively through a request type carrying its own reply
// channel, the channel-based analogue of an mpsc + oneshot pair.
package mps

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

// request is the sealed set of messages the actor understands.
type request struct {
	slice        *types.TimeSlice // set for an OnSlice request
	marketPrice  *marketPriceReq
	fillEstimate *fillEstimateReq
	limitFill    *limitFillReq
}

type marketPriceReq struct {
	side       types.Side
	symbolName types.SymbolName
	symbolCode types.SymbolCode
	reply      chan priceReply
}

type fillEstimateReq struct {
	side       types.Side
	symbolName types.SymbolName
	symbolCode types.SymbolCode
	volume     decimal.Decimal
	reply      chan priceReply
}

type limitFillReq struct {
	side       types.Side
	symbolName types.SymbolName
	symbolCode types.SymbolCode
	volume     decimal.Decimal
	limit      decimal.Decimal
	reply      chan limitFillReply
}

type priceReply struct {
	price decimal.Decimal
	ok    bool
}

// LimitFillResult is the response to LimitFillEstimate: how much volume
// could be filled within the limit, and at what VWAP.
type LimitFillResult struct {
	Price         decimal.Decimal
	FilledVolume  decimal.Decimal
	HasFill       bool
}

type limitFillReply struct {
	result LimitFillResult
}

// symbolState is the per-symbol book + last-price state, touched only by
// the actor goroutine.
type symbolState struct {
	bid       types.OrderBook
	ask       types.OrderBook
	lastPrice decimal.Decimal
	haveLast  bool
	haveQuote bool
}

// Service is the Market Price Service actor.
type Service struct {
	inbox  chan request
	logger *slog.Logger

	states map[types.SymbolCode]*symbolState

	wg sync.WaitGroup
}

// New creates a Market Price Service with the given inbox capacity
// (recommended 1000 per the kernel's channel-sizing convention).
func New(capacity int, logger *slog.Logger) *Service {
	return &Service{
		inbox:  make(chan request, capacity),
		logger: logger.With("component", "mps"),
		states: make(map[types.SymbolCode]*symbolState),
	}
}

// Run processes requests in arrival order until ctx is cancelled. Run must
// be started in its own goroutine before any caller method is used.
func (s *Service) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.inbox:
			s.handle(req)
		}
	}
}

func (s *Service) handle(req request) {
	switch {
	case req.slice != nil:
		s.onSlice(*req.slice)
	case req.marketPrice != nil:
		s.onMarketPrice(req.marketPrice)
	case req.fillEstimate != nil:
		s.onFillEstimate(req.fillEstimate)
	case req.limitFill != nil:
		s.onLimitFill(req.limitFill)
	}
}

func (s *Service) stateFor(code types.SymbolCode) *symbolState {
	st, ok := s.states[code]
	if !ok {
		st = &symbolState{bid: types.NewOrderBook(), ask: types.NewOrderBook()}
		s.states[code] = st
	}
	return st
}

// OnSlice ingests a time slice and updates last-price (from ticks/candles)
// and top-of-book (from quotes, and from quote-bars as a synthetic level-0
// with zero volume; from ticks with aggressor if no quote has been seen for
// the symbol yet). The call blocks until the slice has been queued; it does
// not wait for processing to complete, matching the fire-and-forget shape of
// a market-data update (callers needing ordering guarantees rely on the
// inbox's FIFO property, per spec §4.3).
func (s *Service) OnSlice(ctx context.Context, slice types.TimeSlice) error {
	return s.send(ctx, request{slice: &slice})
}

func (s *Service) send(ctx context.Context, req request) error {
	select {
	case s.inbox <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) onSlice(slice types.TimeSlice) {
	for _, item := range slice.Items {
		code := types.SymbolCode(item.Symbol.Name)
		st := s.stateFor(code)
		switch item.Kind {
		case types.KindTick:
			st.lastPrice = item.Tick.Price
			st.haveLast = true
			if !st.haveQuote {
				s.applyTickAsBook(st, item.Tick)
			}
		case types.KindCandle:
			st.lastPrice = item.Candle.Close
			st.haveLast = true
		case types.KindQuote:
			st.haveQuote = true
			st.bid.Set(types.BookLevel{Index: 0, Price: item.Quote.Bid, Volume: item.Quote.BidVol})
			st.ask.Set(types.BookLevel{Index: 0, Price: item.Quote.Ask, Volume: item.Quote.AskVol})
		case types.KindQuoteBar:
			st.haveQuote = true
			st.bid.Set(types.BookLevel{Index: 0, Price: item.QuoteBar.BidClose, Volume: decimal.Zero})
			st.ask.Set(types.BookLevel{Index: 0, Price: item.QuoteBar.AskClose, Volume: decimal.Zero})
		}
	}
}

// applyTickAsBook synthesizes a single-level book from a trade when no
// quote has ever been seen for the symbol, using the trade's aggressor to
// decide which side it represents. A trade with no aggressor leaves the
// book unchanged.
func (s *Service) applyTickAsBook(st *symbolState, tick types.Tick) {
	lvl := types.BookLevel{Index: 0, Price: tick.Price, Volume: tick.Volume}
	switch tick.Aggressor {
	case types.AggressorBuy:
		st.ask.Set(lvl)
	case types.AggressorSell:
		st.bid.Set(lvl)
	}
}

// MarketPrice returns the opposing-side top price for a fill of the given
// side: a Buy looks at the ask book, a Sell looks at the bid book. Falls
// back to last-price if the book is empty.
func (s *Service) MarketPrice(ctx context.Context, side types.Side, symbolName types.SymbolName, symbolCode types.SymbolCode) (decimal.Decimal, bool, error) {
	reply := make(chan priceReply, 1)
	req := request{marketPrice: &marketPriceReq{side: side, symbolName: symbolName, symbolCode: symbolCode, reply: reply}}
	if err := s.send(ctx, req); err != nil {
		return decimal.Zero, false, err
	}
	select {
	case r := <-reply:
		return r.price, r.ok, nil
	case <-ctx.Done():
		return decimal.Zero, false, ctx.Err()
	}
}

func (s *Service) onMarketPrice(r *marketPriceReq) {
	st := s.stateFor(r.symbolCode)
	book := s.opposingBook(st, r.side)
	if lvl, ok := book.Top(); ok {
		r.reply <- priceReply{price: lvl.Price, ok: true}
		return
	}
	if st.haveLast {
		r.reply <- priceReply{price: st.lastPrice, ok: true}
		return
	}
	r.reply <- priceReply{ok: false}
}

// opposingBook returns the book a fill of side must walk: buys fill against
// resting asks, sells fill against resting bids.
func (s *Service) opposingBook(st *symbolState, side types.Side) types.OrderBook {
	if side == types.Buy {
		return st.ask
	}
	return st.bid
}

// FillEstimate walks the opposing book from level 0 outward, volume-weighted
// averaging until volume is exhausted or the book ends. Returns a partial
// VWAP if the book exhausts before volume is filled, or last-price if there
// is no book at all.
func (s *Service) FillEstimate(ctx context.Context, side types.Side, symbolName types.SymbolName, symbolCode types.SymbolCode, volume decimal.Decimal) (decimal.Decimal, bool, error) {
	reply := make(chan priceReply, 1)
	req := request{fillEstimate: &fillEstimateReq{side: side, symbolName: symbolName, symbolCode: symbolCode, volume: volume, reply: reply}}
	if err := s.send(ctx, req); err != nil {
		return decimal.Zero, false, err
	}
	select {
	case r := <-reply:
		return r.price, r.ok, nil
	case <-ctx.Done():
		return decimal.Zero, false, ctx.Err()
	}
}

func (s *Service) onFillEstimate(r *fillEstimateReq) {
	st := s.stateFor(r.symbolCode)
	book := s.opposingBook(st, r.side)
	price, _, ok := walkBook(book, r.volume, nil)
	if ok {
		r.reply <- priceReply{price: price, ok: true}
		return
	}
	if st.haveLast {
		r.reply <- priceReply{price: st.lastPrice, ok: true}
		return
	}
	r.reply <- priceReply{ok: false}
}

// LimitFillEstimate is FillEstimate but stops walking once a level would
// violate the limit price (a Buy stops once level.Price > limit, a Sell
// once level.Price < limit).
func (s *Service) LimitFillEstimate(ctx context.Context, side types.Side, symbolName types.SymbolName, symbolCode types.SymbolCode, volume, limit decimal.Decimal) (LimitFillResult, error) {
	reply := make(chan limitFillReply, 1)
	req := request{limitFill: &limitFillReq{side: side, symbolName: symbolName, symbolCode: symbolCode, volume: volume, limit: limit, reply: reply}}
	if err := s.send(ctx, req); err != nil {
		return LimitFillResult{}, err
	}
	select {
	case r := <-reply:
		return r.result, nil
	case <-ctx.Done():
		return LimitFillResult{}, ctx.Err()
	}
}

func (s *Service) onLimitFill(r *limitFillReq) {
	st := s.stateFor(r.symbolCode)
	book := s.opposingBook(st, r.side)
	limit := r.limit
	price, filled, ok := walkBook(book, r.volume, func(lvl types.BookLevel) bool {
		if r.side == types.Buy {
			return lvl.Price.GreaterThan(limit)
		}
		return lvl.Price.LessThan(limit)
	})
	r.reply <- limitFillReply{result: LimitFillResult{Price: price, FilledVolume: filled, HasFill: ok}}
}

// walkBook volume-weighted-averages through book levels in increasing index
// order (the book is a sparse map, so gaps are skipped), until remaining
// volume is exhausted or the book ends or stop(level) reports true for the
// level about to be consumed (that level is excluded). Returns the VWAP
// price and the volume actually filled; ok is false only when no book
// levels existed at all.
func walkBook(book types.OrderBook, volume decimal.Decimal, stop func(types.BookLevel) bool) (decimal.Decimal, decimal.Decimal, bool) {
	if book.Empty() {
		return decimal.Zero, decimal.Zero, false
	}

	indices := make([]int, 0, len(book.Levels))
	for idx := range book.Levels {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	remaining := volume
	var notional decimal.Decimal
	var filled decimal.Decimal

	for _, idx := range indices {
		lvl := book.Levels[idx]
		if stop != nil && stop(lvl) {
			break
		}
		take := lvl.Volume
		if take.GreaterThan(remaining) {
			take = remaining
		}
		notional = notional.Add(lvl.Price.Mul(take))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
	}

	if filled.IsZero() {
		return decimal.Zero, decimal.Zero, true
	}
	return notional.Div(filled), filled, true
}
