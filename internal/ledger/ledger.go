// Package ledger implements the Ledger Service: a single-threaded actor that
// owns every account's positions, booked/open P&L, and cash balances.
//
// Like the Market Price Service, it follows the request/reply-over-channel
// actor shape: a sealed request union with per-request reply channels. All
// position and cash state is touched only by the goroutine started in Run.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

// FlattenInstruction is one leg of a FlattenAllFor response: an opposing
// market exit the caller must route through the Matching Engine (paper and
// backtest) or the broker adapter (live).
type FlattenInstruction struct {
	SymbolName     types.SymbolName
	SymbolCode     types.SymbolCode
	Side           types.Side // opposite of the position being closed
	Quantity       decimal.Decimal
	EstimatedPrice decimal.Decimal
}

// FillEstimator is the subset of the Market Price Service's contract the
// Ledger Service needs to price a flatten-all exit. mps.Service satisfies
// this structurally; ledger never imports mps, avoiding a dependency from
// the bookkeeping layer back onto market-data state.
type FillEstimator interface {
	FillEstimate(ctx context.Context, side types.Side, symbolName types.SymbolName, symbolCode types.SymbolCode, volume decimal.Decimal) (decimal.Decimal, bool, error)
}

type queryKind int

const (
	queryIsLong queryKind = iota
	queryIsShort
	queryIsFlat
	queryPnL
	queryBookedPnL
	queryPositionSize
	queryInProfit
	queryInDrawdown
)

type request struct {
	openAccount    *openAccountReq
	updateOrCreate *updateOrCreateReq
	timeslice      *timesliceReq
	synchronize    *synchronizeReq
	query          *queryReq
	flatten        *flattenReq
	updateRates    *updateRatesReq
	updateCash     *updateCashReq
	cashInfo       *cashInfoReq
	positions      *positionsReq
}

type openAccountReq struct {
	account      types.Account
	currency     types.Currency
	startingCash decimal.Decimal
	leverage     decimal.Decimal
	simulatePnL  bool
}

type updateOrCreateReq struct {
	ctx        context.Context
	account    types.Account
	symbolName types.SymbolName
	symbolCode types.SymbolCode
	quantity   decimal.Decimal
	side       types.Side
	time       time.Time
	price      decimal.Decimal
	tag        string
	reply      chan updateOrCreateReply
}

type updateOrCreateReply struct {
	events []types.PositionUpdateEvent
	err    error
}

type timesliceReq struct {
	slice types.TimeSlice
	reply chan error
}

type synchronizeReq struct {
	ctx      context.Context
	account  types.Account
	position types.Position
	time     time.Time
	reply    chan synchronizeReply
}

type synchronizeReply struct {
	closedEvent *types.PositionUpdateEvent
	err         error
}

type queryReq struct {
	account    types.Account
	symbolCode types.SymbolCode
	kind       queryKind
	reply      chan queryReply
}

type queryReply struct {
	decimalResult decimal.Decimal
	boolResult    bool
}

type flattenReq struct {
	ctx     context.Context
	account types.Account
	filler  FillEstimator
	reply   chan flattenReply
}

type flattenReply struct {
	instructions []FlattenInstruction
	err          error
}

type updateRatesReq struct {
	account types.Account
	rates   map[types.Currency]decimal.Decimal
}

type updateCashReq struct {
	account       types.Account
	cashValue     decimal.Decimal
	cashAvailable decimal.Decimal
	cashUsed      decimal.Decimal
}

type cashInfoReq struct {
	account types.Account
	reply   chan CashInfo
}

type positionsReq struct {
	account types.Account
	reply   chan []types.Position
}

// CashInfo is an account's cash snapshot, the ledger-side half of a broker
// AccountInfo response.
type CashInfo struct {
	CashValue     decimal.Decimal
	CashAvailable decimal.Decimal
	CashUsed      decimal.Decimal
	Currency      types.Currency
}

// ledgerState is one account's bookkeeping, touched only by the actor
// goroutine.
type ledgerState struct {
	account         types.Account
	currency        types.Currency
	cashValue       decimal.Decimal
	cashAvailable   decimal.Decimal
	cashUsed        decimal.Decimal
	leverage        decimal.Decimal
	simulatePnL     bool
	positions       map[types.SymbolCode]*types.Position
	positionsClosed map[types.SymbolCode][]types.Position
	symbolClosedPnL map[types.SymbolCode]decimal.Decimal
	totalBookedPnL  decimal.Decimal
	symbolCodeMap   map[types.SymbolName][]types.SymbolCode
	rates           map[types.Currency]decimal.Decimal
}

func newLedgerState(account types.Account, currency types.Currency, startingCash, leverage decimal.Decimal, simulatePnL bool) *ledgerState {
	return &ledgerState{
		account:         account,
		currency:        currency,
		cashValue:       startingCash,
		cashAvailable:   startingCash,
		cashUsed:        decimal.Zero,
		leverage:        leverage,
		simulatePnL:     simulatePnL,
		positions:       make(map[types.SymbolCode]*types.Position),
		positionsClosed: make(map[types.SymbolCode][]types.Position),
		symbolClosedPnL: make(map[types.SymbolCode]decimal.Decimal),
		symbolCodeMap:   make(map[types.SymbolName][]types.SymbolCode),
		rates:           make(map[types.Currency]decimal.Decimal),
	}
}

// exchangeMultiplier returns the cached rate for converting an amount in
// pnlCurrency into the ledger's account currency, trying the direct rate
// then defaulting to 1.0. It never blocks — callers needing a fresh rate
// use the RateOracle explicitly (see resolveRate).
func (st *ledgerState) exchangeMultiplier(pnlCurrency types.Currency) decimal.Decimal {
	if st.currency == pnlCurrency {
		return decimal.NewFromInt(1)
	}
	if rate, ok := st.rates[pnlCurrency]; ok {
		return rate
	}
	return decimal.NewFromInt(1)
}

// Service is the Ledger Service actor.
type Service struct {
	inbox   chan request
	logger  *slog.Logger
	mode    types.Mode
	symbols SymbolInfoProvider
	oracle  RateOracle
	ids     IDGenerator

	ledgers map[string]*ledgerState

	wg sync.WaitGroup
}

// New creates a Ledger Service. capacity sizes the request inbox
// (recommended 1000 per the kernel's channel-sizing convention).
func New(capacity int, logger *slog.Logger, mode types.Mode, symbols SymbolInfoProvider, oracle RateOracle, ids IDGenerator) *Service {
	if oracle == nil {
		oracle = NopRateOracle{}
	}
	return &Service{
		inbox:   make(chan request, capacity),
		logger:  logger.With("component", "ledger"),
		mode:    mode,
		symbols: symbols,
		oracle:  oracle,
		ids:     ids,
		ledgers: make(map[string]*ledgerState),
	}
}

// Run processes requests in arrival order until ctx is cancelled.
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

func (s *Service) send(ctx context.Context, req request) error {
	select {
	case s.inbox <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) handle(req request) {
	switch {
	case req.openAccount != nil:
		s.onOpenAccount(req.openAccount)
	case req.updateOrCreate != nil:
		s.onUpdateOrCreate(req.updateOrCreate)
	case req.timeslice != nil:
		s.onTimeslice(req.timeslice)
	case req.synchronize != nil:
		s.onSynchronize(req.synchronize)
	case req.query != nil:
		s.onQuery(req.query)
	case req.flatten != nil:
		s.onFlatten(req.flatten)
	case req.updateRates != nil:
		s.onUpdateRates(req.updateRates)
	case req.updateCash != nil:
		s.onUpdateCash(req.updateCash)
	case req.cashInfo != nil:
		s.onCashInfo(req.cashInfo)
	case req.positions != nil:
		s.onPositions(req.positions)
	}
}

func (s *Service) stateFor(account types.Account) *ledgerState {
	key := account.Tag()
	st, ok := s.ledgers[key]
	if !ok {
		s.logger.Warn("ledger auto-opened with zero starting cash", "account", key)
		st = newLedgerState(account, "", decimal.Zero, decimal.NewFromInt(1), s.mode != types.ModeLive)
		s.ledgers[key] = st
	}
	return st
}

// OpenAccount registers a new account ledger with its starting cash and
// currency. simulatePnL true means the ledger computes its own P&L rather
// than trusting a live broker feed.
func (s *Service) OpenAccount(ctx context.Context, account types.Account, currency types.Currency, startingCash, leverage decimal.Decimal, simulatePnL bool) error {
	return s.send(ctx, request{openAccount: &openAccountReq{
		account: account, currency: currency, startingCash: startingCash,
		leverage: leverage, simulatePnL: simulatePnL,
	}})
}

func (s *Service) onOpenAccount(r *openAccountReq) {
	key := r.account.Tag()
	s.ledgers[key] = newLedgerState(r.account, r.currency, r.startingCash, r.leverage, r.simulatePnL)
	s.logger.Info("ledger opened", "account", key, "currency", r.currency, "starting_cash", r.startingCash)
}

// UpdateRates bulk-loads externally-sourced exchange rates into an
// account's cache.
func (s *Service) UpdateRates(ctx context.Context, account types.Account, rates map[types.Currency]decimal.Decimal) error {
	return s.send(ctx, request{updateRates: &updateRatesReq{account: account, rates: rates}})
}

func (s *Service) onUpdateRates(r *updateRatesReq) {
	st := s.stateFor(r.account)
	for c, rate := range r.rates {
		st.rates[c] = rate
	}
}

// UpdateCash overwrites an account's cash balances directly — used when a
// broker adapter reports authoritative balances in live mode, or when the
// Matching Engine reserves/releases margin for a new order in paper mode.
func (s *Service) UpdateCash(ctx context.Context, account types.Account, cashValue, cashAvailable, cashUsed decimal.Decimal) error {
	return s.send(ctx, request{updateCash: &updateCashReq{
		account: account, cashValue: cashValue, cashAvailable: cashAvailable, cashUsed: cashUsed,
	}})
}

func (s *Service) onUpdateCash(r *updateCashReq) {
	st := s.stateFor(r.account)
	st.cashValue = r.cashValue
	st.cashAvailable = r.cashAvailable
	st.cashUsed = r.cashUsed
}

// AccountInfo returns an account's current cash snapshot, the figures a
// broker adapter's account_info call reports in live mode.
func (s *Service) AccountInfo(ctx context.Context, account types.Account) (CashInfo, error) {
	reply := make(chan CashInfo, 1)
	if err := s.send(ctx, request{cashInfo: &cashInfoReq{account: account, reply: reply}}); err != nil {
		return CashInfo{}, err
	}
	select {
	case info := <-reply:
		return info, nil
	case <-ctx.Done():
		return CashInfo{}, ctx.Err()
	}
}

func (s *Service) onCashInfo(r *cashInfoReq) {
	st := s.stateFor(r.account)
	r.reply <- CashInfo{
		CashValue:     st.cashValue,
		CashAvailable: st.cashAvailable,
		CashUsed:      st.cashUsed,
		Currency:      st.currency,
	}
}

// Positions returns a snapshot of every open position in an account, sorted
// by symbol code for stable output.
func (s *Service) Positions(ctx context.Context, account types.Account) ([]types.Position, error) {
	reply := make(chan []types.Position, 1)
	if err := s.send(ctx, request{positions: &positionsReq{account: account, reply: reply}}); err != nil {
		return nil, err
	}
	select {
	case positions := <-reply:
		return positions, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) onPositions(r *positionsReq) {
	st := s.stateFor(r.account)
	out := make([]types.Position, 0, len(st.positions))
	for _, p := range st.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SymbolCode < out[j].SymbolCode })
	r.reply <- out
}

// resolveRate fetches an exchange rate for a fill: cache hit first, else
// the oracle (cached on success), else the last cached rate, else 1.0
// logged as a warning. This is the only place the ledger actor blocks on
// an external call — matching the original service, which awaits its rate
// lookup inline before continuing to the next message.
func (s *Service) resolveRate(ctx context.Context, st *ledgerState, pnlCurrency types.Currency, at time.Time, side types.Side) decimal.Decimal {
	if st.currency == pnlCurrency {
		return decimal.NewFromInt(1)
	}
	if cached, ok := st.rates[pnlCurrency]; ok {
		return cached
	}
	rate, err := s.oracle.Rate(ctx, st.currency, pnlCurrency, at, side)
	if err == nil {
		st.rates[pnlCurrency] = rate
		return rate
	}
	if cached, ok := st.rates[pnlCurrency]; ok {
		return cached
	}
	s.logger.Warn("no exchange rate available, defaulting to 1.0",
		"from", st.currency, "to", pnlCurrency, "error", err)
	return decimal.NewFromInt(1)
}

// UpdateOrCreatePosition books a fill: reduces an opposing position first,
// opens a new one with any remainder, and returns the resulting
// PositionUpdateEvents in the order they occurred (at most one Reduced-or-
// Closed followed by at most one Opened, per spec step 6's reversal case).
func (s *Service) UpdateOrCreatePosition(ctx context.Context, account types.Account, symbolName types.SymbolName, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side, at time.Time, price decimal.Decimal, tag string) ([]types.PositionUpdateEvent, error) {
	reply := make(chan updateOrCreateReply, 1)
	req := request{updateOrCreate: &updateOrCreateReq{
		ctx: ctx, account: account, symbolName: symbolName, symbolCode: symbolCode,
		quantity: quantity, side: side, time: at, price: price, tag: tag, reply: reply,
	}}
	if err := s.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.events, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) onUpdateOrCreate(r *updateOrCreateReq) {
	st := s.stateFor(r.account)
	events, err := s.updateOrCreatePosition(r.ctx, st, r.symbolName, r.symbolCode, r.quantity, r.side, r.time, r.price, r.tag)
	r.reply <- updateOrCreateReply{events: events, err: err}
}

func (s *Service) updateOrCreatePosition(ctx context.Context, st *ledgerState, symbolName types.SymbolName, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side, at time.Time, price decimal.Decimal, tag string) ([]types.PositionUpdateEvent, error) {
	var events []types.PositionUpdateEvent
	remaining := quantity

	existing, hasExisting := st.positions[symbolCode]
	if hasExisting {
		isReducing := (existing.Side == types.Long && side == types.Sell) ||
			(existing.Side == types.Short && side == types.Buy)

		if isReducing {
			info, ok := s.symbols.SymbolInfo(symbolCode)
			if !ok {
				return nil, fmt.Errorf("ledger: no symbol info for %s", symbolCode)
			}
			rate := s.resolveRate(ctx, st, info.PnLCurrency, at, side)
			event := s.reducePosition(st, existing, info, price, quantity, rate, at, tag)
			events = append(events, event)

			// event.Quantity is the reduce_qty reducePosition actually consumed
			// (min(fill_qty, pre-reduction open qty)); any leftover reopens below.
			remaining = quantity.Sub(event.Quantity)

			if existing.IsClosed {
				delete(st.positions, symbolCode)
				st.positionsClosed[symbolCode] = append(st.positionsClosed[symbolCode], *existing)
			}
		} else {
			event := s.addToPosition(st, existing, price, quantity, at, tag)
			events = append(events, event)
			remaining = decimal.Zero
		}
	}

	if remaining.GreaterThan(decimal.Zero) {
		positionSide := types.SideToPositionSide(side)
		info, ok := s.symbols.SymbolInfo(symbolCode)
		if !ok {
			return nil, fmt.Errorf("ledger: no symbol info for %s", symbolCode)
		}
		s.resolveRate(ctx, st, info.PnLCurrency, at, side) // warms the rate cache for a future reduction

		id := s.ids.NextPositionID(st.account, positionSide)
		position := &types.Position{
			ID:           id,
			Account:      st.account,
			SymbolName:   symbolName,
			SymbolCode:   symbolCode,
			Side:         positionSide,
			QuantityOpen: remaining,
			AveragePrice: price,
			Tag:          tag,
			OpenTime:     at,
		}
		st.positions[symbolCode] = position
		if symbolName != types.SymbolName(symbolCode) && !containsCode(st.symbolCodeMap[symbolName], symbolCode) {
			st.symbolCodeMap[symbolName] = append(st.symbolCodeMap[symbolName], symbolCode)
		}

		events = append(events, types.PositionUpdateEvent{
			Kind:       types.PositionEventOpened,
			PositionID: id,
			Account:    st.account,
			SymbolCode: symbolCode,
			Side:       positionSide,
			Quantity:   remaining,
			BookedPnL:  decimal.Zero,
			Time:       at,
		})
	}

	return events, nil
}

func containsCode(codes []types.SymbolCode, code types.SymbolCode) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// reducePosition implements spec step 1-5 of the reduction algorithm: clamp
// the reduce quantity to what's open, book P&L, update running averages,
// and close the position if it reaches zero.
func (s *Service) reducePosition(st *ledgerState, position *types.Position, info types.Symbol, exitPrice, fillQuantity, exchangeRate decimal.Decimal, at time.Time, tag string) types.PositionUpdateEvent {
	reduceQty := decimal.Min(fillQuantity, position.QuantityOpen)

	sign := decimal.NewFromInt(1)
	if position.Side == types.Short {
		sign = decimal.NewFromInt(-1)
	}
	contractMultiplier := decimal.NewFromInt(1)
	if !info.TickSize.IsZero() {
		contractMultiplier = info.ValuePerTick.Div(info.TickSize)
	}

	perUnitPnL := exitPrice.Sub(position.AveragePrice).Mul(sign).Mul(contractMultiplier).Mul(exchangeRate)
	booked := perUnitPnL.Mul(reduceQty)

	position.BookedPnL = position.BookedPnL.Add(booked)
	st.totalBookedPnL = st.totalBookedPnL.Add(booked)
	st.symbolClosedPnL[position.SymbolCode] = st.symbolClosedPnL[position.SymbolCode].Add(booked)

	priorClosed := position.QuantityClosed
	position.QuantityOpen = position.QuantityOpen.Sub(reduceQty)
	position.QuantityClosed = position.QuantityClosed.Add(reduceQty)
	if position.AverageExitPrice == nil {
		avg := exitPrice
		position.AverageExitPrice = &avg
	} else {
		totalClosed := priorClosed.Add(reduceQty)
		newAvg := position.AverageExitPrice.Mul(priorClosed).Add(exitPrice.Mul(reduceQty)).Div(totalClosed)
		position.AverageExitPrice = &newAvg
	}

	kind := types.PositionEventReduced
	if position.QuantityOpen.IsZero() {
		kind = types.PositionEventClosed
		position.IsClosed = true
		closeTime := at
		position.CloseTime = &closeTime
	}

	return types.PositionUpdateEvent{
		Kind:       kind,
		PositionID: position.ID,
		Account:    st.account,
		SymbolCode: position.SymbolCode,
		Side:       position.Side,
		Quantity:   reduceQty,
		BookedPnL:  booked,
		Time:       at,
	}
}

// addToPosition grows an existing position (a fill on the same side),
// updating its VWAP entry price.
func (s *Service) addToPosition(st *ledgerState, position *types.Position, price, quantity decimal.Decimal, at time.Time, tag string) types.PositionUpdateEvent {
	totalQty := position.QuantityOpen.Add(quantity)
	position.AveragePrice = position.AveragePrice.Mul(position.QuantityOpen).Add(price.Mul(quantity)).Div(totalQty)
	position.QuantityOpen = totalQty

	return types.PositionUpdateEvent{
		Kind:       types.PositionEventOpened,
		PositionID: position.ID,
		Account:    st.account,
		SymbolCode: position.SymbolCode,
		Side:       position.Side,
		Quantity:   quantity,
		BookedPnL:  decimal.Zero,
		Time:       at,
	}
}

// TimesliceUpdate mark-to-markets every open position against the slice's
// representative price for its symbol, then (outside live mode) restores
// the cash_value = cash_available + cash_used invariant.
func (s *Service) TimesliceUpdate(ctx context.Context, slice types.TimeSlice) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, request{timeslice: &timesliceReq{slice: slice, reply: reply}}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) onTimeslice(r *timesliceReq) {
	for _, item := range r.slice.Items {
		price, ok := representativePrice(item)
		if !ok {
			continue
		}
		name := item.Symbol.Name
		for _, st := range s.ledgers {
			if s.mode == types.ModeLive && !st.simulatePnL {
				continue
			}
			codes := st.symbolCodeMap[name]
			codes = append(codes, types.SymbolCode(name))
			for _, code := range codes {
				position, exists := st.positions[code]
				if !exists || position.IsClosed {
					continue
				}
				info, ok := s.symbols.SymbolInfo(code)
				if !ok {
					continue
				}
				position.OpenPnL = markToMarket(position, info, price, st.exchangeMultiplier(info.PnLCurrency))
			}
		}
	}

	for _, st := range s.ledgers {
		if s.mode != types.ModeLive {
			st.cashValue = st.cashAvailable.Add(st.cashUsed)
		}
	}
	r.reply <- nil
}

func markToMarket(position *types.Position, info types.Symbol, price, exchangeRate decimal.Decimal) decimal.Decimal {
	sign := decimal.NewFromInt(1)
	if position.Side == types.Short {
		sign = decimal.NewFromInt(-1)
	}
	contractMultiplier := decimal.NewFromInt(1)
	if !info.TickSize.IsZero() {
		contractMultiplier = info.ValuePerTick.Div(info.TickSize)
	}
	return price.Sub(position.AveragePrice).Mul(sign).Mul(contractMultiplier).Mul(position.QuantityOpen).Mul(exchangeRate)
}

// representativePrice picks the price a BaseData variant marks a position
// to market with: trade price for ticks, close for candles, mid for quotes
// and quote-bars.
func representativePrice(item types.BaseData) (decimal.Decimal, bool) {
	switch item.Kind {
	case types.KindTick:
		return item.Tick.Price, true
	case types.KindCandle:
		return item.Candle.Close, true
	case types.KindQuote:
		return item.Quote.Bid.Add(item.Quote.Ask).Div(decimal.NewFromInt(2)), true
	case types.KindQuoteBar:
		return item.QuoteBar.BidClose.Add(item.QuoteBar.AskClose).Div(decimal.NewFromInt(2)), true
	default:
		return decimal.Zero, false
	}
}

// SynchronizePosition replaces the ledger's view of a position with the
// broker's truth (live mode only). If the side flipped, the prior side is
// closed out first via the reduction algorithm so booked P&L stays
// accurate, and the returned event reports that synthesized close.
func (s *Service) SynchronizePosition(ctx context.Context, account types.Account, position types.Position, at time.Time) (*types.PositionUpdateEvent, error) {
	reply := make(chan synchronizeReply, 1)
	req := request{synchronize: &synchronizeReq{ctx: ctx, account: account, position: position, time: at, reply: reply}}
	if err := s.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.closedEvent, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) onSynchronize(r *synchronizeReq) {
	st := s.stateFor(r.account)
	var closedEvent *types.PositionUpdateEvent

	existing, hasExisting := st.positions[r.position.SymbolCode]
	if hasExisting && existing.Side != r.position.Side {
		info, ok := s.symbols.SymbolInfo(existing.SymbolCode)
		if ok {
			exitSide := types.Sell
			if existing.Side == types.Short {
				exitSide = types.Buy
			}
			rate := s.resolveRate(r.ctx, st, info.PnLCurrency, r.time, exitSide)
			event := s.reducePosition(st, existing, info, r.position.AveragePrice, existing.QuantityOpen, rate, r.time, "Synchronizing")
			event.Kind = types.PositionEventClosed
			closedEvent = &event
			st.positionsClosed[existing.SymbolCode] = append(st.positionsClosed[existing.SymbolCode], *existing)
		}
	}

	st.positions[r.position.SymbolCode] = &r.position
	r.reply <- synchronizeReply{closedEvent: closedEvent}
}

func (s *Service) query(ctx context.Context, account types.Account, symbolCode types.SymbolCode, kind queryKind) (queryReply, error) {
	reply := make(chan queryReply, 1)
	req := request{query: &queryReq{account: account, symbolCode: symbolCode, kind: kind, reply: reply}}
	if err := s.send(ctx, req); err != nil {
		return queryReply{}, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return queryReply{}, ctx.Err()
	}
}

func (s *Service) onQuery(r *queryReq) {
	st := s.stateFor(r.account)
	position, exists := st.positions[r.symbolCode]

	switch r.kind {
	case queryIsLong:
		r.reply <- queryReply{boolResult: exists && position.Side == types.Long}
	case queryIsShort:
		r.reply <- queryReply{boolResult: exists && position.Side == types.Short}
	case queryIsFlat:
		r.reply <- queryReply{boolResult: !exists}
	case queryPnL:
		if exists {
			r.reply <- queryReply{decimalResult: position.OpenPnL}
		} else {
			r.reply <- queryReply{decimalResult: decimal.Zero}
		}
	case queryBookedPnL:
		if exists {
			r.reply <- queryReply{decimalResult: position.BookedPnL}
		} else {
			r.reply <- queryReply{decimalResult: decimal.Zero}
		}
	case queryPositionSize:
		if exists {
			r.reply <- queryReply{decimalResult: position.QuantityOpen}
		} else {
			r.reply <- queryReply{decimalResult: decimal.Zero}
		}
	case queryInProfit:
		r.reply <- queryReply{boolResult: exists && position.OpenPnL.GreaterThan(decimal.Zero)}
	case queryInDrawdown:
		r.reply <- queryReply{boolResult: exists && position.OpenPnL.LessThan(decimal.Zero)}
	default:
		r.reply <- queryReply{}
	}
}

// IsLong reports whether the account holds a long position in symbolCode.
func (s *Service) IsLong(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (bool, error) {
	r, err := s.query(ctx, account, symbolCode, queryIsLong)
	return r.boolResult, err
}

// IsShort reports whether the account holds a short position in symbolCode.
func (s *Service) IsShort(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (bool, error) {
	r, err := s.query(ctx, account, symbolCode, queryIsShort)
	return r.boolResult, err
}

// IsFlat reports whether the account holds no position in symbolCode.
func (s *Service) IsFlat(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (bool, error) {
	r, err := s.query(ctx, account, symbolCode, queryIsFlat)
	return r.boolResult, err
}

// PnL returns the open (unrealized) P&L of the position, or zero if flat.
func (s *Service) PnL(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (decimal.Decimal, error) {
	r, err := s.query(ctx, account, symbolCode, queryPnL)
	return r.decimalResult, err
}

// BookedPnL returns the position's realized P&L, or zero if flat.
func (s *Service) BookedPnL(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (decimal.Decimal, error) {
	r, err := s.query(ctx, account, symbolCode, queryBookedPnL)
	return r.decimalResult, err
}

// PositionSize returns the open quantity, or zero if flat.
func (s *Service) PositionSize(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (decimal.Decimal, error) {
	r, err := s.query(ctx, account, symbolCode, queryPositionSize)
	return r.decimalResult, err
}

// InProfit reports whether the position's open P&L is positive.
func (s *Service) InProfit(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (bool, error) {
	r, err := s.query(ctx, account, symbolCode, queryInProfit)
	return r.boolResult, err
}

// InDrawdown reports whether the position's open P&L is negative.
func (s *Service) InDrawdown(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (bool, error) {
	r, err := s.query(ctx, account, symbolCode, queryInDrawdown)
	return r.boolResult, err
}

// FlattenAllFor synthesizes a market exit for every open position on the
// account, priced at the current MPS fill estimate. It returns the
// instructions for the caller to route through the Matching Engine (paper,
// backtest) or the broker adapter (live) — the ledger itself never submits
// orders.
func (s *Service) FlattenAllFor(ctx context.Context, account types.Account, filler FillEstimator) ([]FlattenInstruction, error) {
	reply := make(chan flattenReply, 1)
	req := request{flatten: &flattenReq{ctx: ctx, account: account, filler: filler, reply: reply}}
	if err := s.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.instructions, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) onFlatten(r *flattenReq) {
	st := s.stateFor(r.account)

	codes := make([]string, 0, len(st.positions))
	for code := range st.positions {
		codes = append(codes, string(code))
	}
	sort.Strings(codes)

	instructions := make([]FlattenInstruction, 0, len(codes))
	for _, codeStr := range codes {
		code := types.SymbolCode(codeStr)
		position := st.positions[code]
		exitSide := types.Buy
		if position.Side == types.Long {
			exitSide = types.Sell
		}
		price, ok, err := r.filler.FillEstimate(r.ctx, exitSide, position.SymbolName, code, position.QuantityOpen)
		if err != nil {
			r.reply <- flattenReply{err: err}
			return
		}
		if !ok {
			s.logger.Warn("flatten skipped: no fill estimate available", "symbol", code)
			continue
		}
		instructions = append(instructions, FlattenInstruction{
			SymbolName:     position.SymbolName,
			SymbolCode:     code,
			Side:           exitSide,
			Quantity:       position.QuantityOpen,
			EstimatedPrice: price,
		})
	}
	r.reply <- flattenReply{instructions: instructions}
}
