// Package matching implements the Matching Engine: a single-threaded actor
// that owns every resting order and, once per tick, evaluates time-in-force
// expiry, trigger conditions, and fill computation against current market
// prices, driving the Ledger Service on every fill.
//
// Like the Market Price Service and Ledger Service, it follows the
// request/reply-over-channel actor shape: all order state is touched only by
// the goroutine started in Run.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kernel/internal/ledger"
	"kernel/internal/mps"
	"kernel/pkg/types"
)

// PriceSource is the subset of the Market Price Service's contract the
// Matching Engine needs to evaluate triggers and compute fills.
type PriceSource interface {
	MarketPrice(ctx context.Context, side types.Side, symbolName types.SymbolName, symbolCode types.SymbolCode) (decimal.Decimal, bool, error)
	FillEstimate(ctx context.Context, side types.Side, symbolName types.SymbolName, symbolCode types.SymbolCode, volume decimal.Decimal) (decimal.Decimal, bool, error)
	LimitFillEstimate(ctx context.Context, side types.Side, symbolName types.SymbolName, symbolCode types.SymbolCode, volume, limit decimal.Decimal) (mps.LimitFillResult, error)
}

// LedgerDriver is the subset of the Ledger Service's contract the Matching
// Engine needs to book fills and to price/size a flatten-all request.
type LedgerDriver interface {
	UpdateOrCreatePosition(ctx context.Context, account types.Account, symbolName types.SymbolName, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side, at time.Time, price decimal.Decimal, tag string) ([]types.PositionUpdateEvent, error)
	IsLong(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (bool, error)
	IsShort(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (bool, error)
	FlattenAllFor(ctx context.Context, account types.Account, filler ledger.FillEstimator) ([]ledger.FlattenInstruction, error)
}

// TickResult bundles everything that happened during one OnTick pass, in
// the order it occurred.
type TickResult struct {
	OrderEvents    []types.OrderUpdateEvent
	PositionEvents []types.PositionUpdateEvent
}

type request struct {
	create     *createReq
	cancel     *cancelReq
	update     *updateReq
	cancelAll  *cancelAllReq
	flattenAll *flattenAllReq
	tick       *tickReq
}

type createReq struct {
	ctx         context.Context
	account     types.Account
	symbolName  types.SymbolName
	symbolCode  types.SymbolCode
	side        types.Side
	orderType   types.OrderType
	quantity    decimal.Decimal
	limitPrice  *decimal.Decimal
	triggerPrice *decimal.Decimal
	tif         types.TimeInForce
	tag         string
	now         time.Time
	reply       chan createReply
}

type createReply struct {
	order types.Order
	err   error
}

type cancelReq struct {
	ctx     context.Context
	orderID string
	reason  string
	reply   chan error
}

type updateReq struct {
	ctx          context.Context
	orderID      string
	limitPrice   *decimal.Decimal
	triggerPrice *decimal.Decimal
	quantity     *decimal.Decimal
	reply        chan error
}

type cancelAllReq struct {
	ctx     context.Context
	account types.Account
	reply   chan error
}

type flattenAllReq struct {
	ctx     context.Context
	account types.Account
	now     time.Time
	reply   chan flattenAllReply
}

type flattenAllReply struct {
	result TickResult
	err    error
}

type tickReq struct {
	ctx   context.Context
	now   time.Time
	reply chan tickReply
}

type tickReply struct {
	result TickResult
}

// Service is the Matching Engine actor.
type Service struct {
	inbox   chan request
	logger  *slog.Logger
	prices  PriceSource
	ledger  LedgerDriver

	orders   map[string]*types.Order
	submitted []string // order IDs in submission order, for deterministic per-tick processing
	seq      uint64

	wg sync.WaitGroup
}

// New creates a Matching Engine. capacity sizes the request inbox
// (recommended 1000 per the kernel's channel-sizing convention).
func New(capacity int, logger *slog.Logger, prices PriceSource, ledgerDriver LedgerDriver) *Service {
	return &Service{
		inbox:  make(chan request, capacity),
		logger: logger.With("component", "matching"),
		prices: prices,
		ledger: ledgerDriver,
		orders: make(map[string]*types.Order),
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
	case req.create != nil:
		s.onCreate(req.create)
	case req.cancel != nil:
		s.onCancel(req.cancel)
	case req.update != nil:
		s.onUpdate(req.update)
	case req.cancelAll != nil:
		s.onCancelAll(req.cancelAll)
	case req.flattenAll != nil:
		s.onFlattenAll(req.flattenAll)
	case req.tick != nil:
		s.onTick(req.tick)
	}
}

func (s *Service) nextOrderID() string {
	s.seq++
	return fmt.Sprintf("ord-%d", s.seq)
}

// Create submits a new order. The returned Order always has a valid ID, even
// when submit-time validation rejects it outright (State == OrderRejected) —
// callers should inspect State rather than treat a rejection as a Go error.
func (s *Service) Create(ctx context.Context, account types.Account, symbolName types.SymbolName, symbolCode types.SymbolCode, side types.Side, orderType types.OrderType, quantity decimal.Decimal, limitPrice, triggerPrice *decimal.Decimal, tif types.TimeInForce, tag string, now time.Time) (types.Order, error) {
	reply := make(chan createReply, 1)
	req := request{create: &createReq{
		ctx: ctx, account: account, symbolName: symbolName, symbolCode: symbolCode,
		side: side, orderType: orderType, quantity: quantity, limitPrice: limitPrice,
		triggerPrice: triggerPrice, tif: tif, tag: tag, now: now, reply: reply,
	}}
	if err := s.send(ctx, req); err != nil {
		return types.Order{}, err
	}
	select {
	case r := <-reply:
		return r.order, r.err
	case <-ctx.Done():
		return types.Order{}, ctx.Err()
	}
}

func (s *Service) onCreate(r *createReq) {
	order := types.Order{
		ID:           s.nextOrderID(),
		Account:      r.account,
		SymbolName:   r.symbolName,
		SymbolCode:   r.symbolCode,
		Side:         r.side,
		Type:         r.orderType,
		QuantityOpen: r.quantity,
		LimitPrice:   r.limitPrice,
		TriggerPrice: r.triggerPrice,
		TimeInForce:  r.tif,
		Tag:          r.tag,
		State:        types.OrderCreated,
		CreateTime:   r.now,
		UpdateTime:   r.now,
	}

	if reason, ok := s.validateAtSubmit(r.ctx, order); !ok {
		order.State = types.OrderRejected
		order.RejectReason = reason
		r.reply <- createReply{order: order}
		return
	}

	s.orders[order.ID] = &order
	s.submitted = append(s.submitted, order.ID)
	r.reply <- createReply{order: order}
}

// validateAtSubmit checks the submit-time rejection guards from the type
// table: a limit/stop/MIT price that already contradicts the current market
// is rejected before it can ever trigger. ExitLong/ExitShort are rejected
// with no matching position to close.
func (s *Service) validateAtSubmit(ctx context.Context, order types.Order) (reason string, ok bool) {
	switch order.Type {
	case types.ExitLong:
		isLong, err := s.ledger.IsLong(ctx, order.Account, order.SymbolCode)
		if err != nil || !isLong {
			return "no long position to exit", false
		}
		return "", true
	case types.ExitShort:
		isShort, err := s.ledger.IsShort(ctx, order.Account, order.SymbolCode)
		if err != nil || !isShort {
			return "no short position to exit", false
		}
		return "", true
	case types.Market, types.EnterLong, types.EnterShort:
		return "", true
	}

	market, ok := s.currentMarket(ctx, order)
	if !ok {
		return "no market price available", false
	}

	switch order.Type {
	case types.Limit:
		if order.LimitPrice == nil {
			return "limit price required", false
		}
		if order.Side == types.Buy && order.LimitPrice.GreaterThan(market) {
			return "limit buy must be at or below market at submit", false
		}
		if order.Side == types.Sell && order.LimitPrice.LessThan(market) {
			return "limit sell must be at or above market at submit", false
		}
	case types.StopMarket, types.MarketIfTouched:
		if order.TriggerPrice == nil {
			return "trigger price required", false
		}
		if !stopSubmitGuardOK(order.Type, order.Side, *order.TriggerPrice, market) {
			return "trigger price contradicts market at submit", false
		}
	case types.StopLimit:
		if order.TriggerPrice == nil || order.LimitPrice == nil {
			return "trigger and limit price required", false
		}
		if !stopSubmitGuardOK(types.StopMarket, order.Side, *order.TriggerPrice, market) {
			return "trigger price contradicts market at submit", false
		}
	}
	return "", true
}

// stopSubmitGuardOK applies the StopMarket/MIT submit-time guard: a
// StopMarket needs its trigger on the far side of the market it will chase
// through; MIT needs its trigger on the near side it will be touched from.
func stopSubmitGuardOK(orderType types.OrderType, side types.Side, trigger, market decimal.Decimal) bool {
	switch orderType {
	case types.StopMarket:
		if side == types.Buy {
			return trigger.GreaterThan(market)
		}
		return trigger.LessThan(market)
	case types.MarketIfTouched:
		if side == types.Buy {
			return trigger.LessThan(market)
		}
		return trigger.GreaterThan(market)
	}
	return true
}

// currentMarket returns the market price an order of this side would face,
// per MPS's opposing-book convention.
func (s *Service) currentMarket(ctx context.Context, order types.Order) (decimal.Decimal, bool) {
	price, ok, err := s.prices.MarketPrice(ctx, order.Side, order.SymbolName, order.SymbolCode)
	if err != nil || !ok {
		return decimal.Zero, false
	}
	return price, true
}

// Cancel cancels a resting order, if it is in a cancellable state and type.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, request{cancel: &cancelReq{ctx: ctx, orderID: orderID, reason: reason, reply: reply}}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) onCancel(r *cancelReq) {
	order, ok := s.orders[r.orderID]
	if !ok {
		r.reply <- fmt.Errorf("matching: unknown order %s", r.orderID)
		return
	}
	if !order.State.IsOpen() || !order.Type.IsCancellable() {
		r.reply <- fmt.Errorf("matching: order %s is not cancellable in state %s", r.orderID, order.State)
		return
	}
	order.State = types.OrderCancelled
	order.CancelReason = r.reason
	delete(s.orders, r.orderID)
	r.reply <- nil
}

// Update amends a resting order's limit price, trigger price, and/or
// remaining quantity. Nil fields are left unchanged.
func (s *Service) Update(ctx context.Context, orderID string, limitPrice, triggerPrice, quantity *decimal.Decimal) error {
	reply := make(chan error, 1)
	req := request{update: &updateReq{ctx: ctx, orderID: orderID, limitPrice: limitPrice, triggerPrice: triggerPrice, quantity: quantity, reply: reply}}
	if err := s.send(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) onUpdate(r *updateReq) {
	order, ok := s.orders[r.orderID]
	if !ok {
		r.reply <- fmt.Errorf("matching: unknown order %s", r.orderID)
		return
	}
	if !order.State.IsOpen() || !order.Type.IsCancellable() {
		r.reply <- fmt.Errorf("matching: order %s is not updatable in state %s", r.orderID, order.State)
		return
	}
	if r.limitPrice != nil {
		order.LimitPrice = r.limitPrice
	}
	if r.triggerPrice != nil {
		order.TriggerPrice = r.triggerPrice
	}
	if r.quantity != nil {
		order.QuantityOpen = *r.quantity
	}
	r.reply <- nil
}

// CancelAll cancels every open, cancellable order for an account.
func (s *Service) CancelAll(ctx context.Context, account types.Account) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, request{cancelAll: &cancelAllReq{ctx: ctx, account: account, reply: reply}}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) onCancelAll(r *cancelAllReq) {
	tag := r.account.Tag()
	for id, order := range s.orders {
		if order.Account.Tag() != tag {
			continue
		}
		if order.State.IsOpen() && order.Type.IsCancellable() {
			order.State = types.OrderCancelled
			order.CancelReason = "cancel-all"
			delete(s.orders, id)
		}
	}
	r.reply <- nil
}

// FlattenAllFor asks the ledger for the account's flatten instructions,
// submits a market order for each, and fills them immediately against
// current prices.
func (s *Service) FlattenAllFor(ctx context.Context, account types.Account, now time.Time) (TickResult, error) {
	reply := make(chan flattenAllReply, 1)
	req := request{flattenAll: &flattenAllReq{ctx: ctx, account: account, now: now, reply: reply}}
	if err := s.send(ctx, req); err != nil {
		return TickResult{}, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return TickResult{}, ctx.Err()
	}
}

func (s *Service) onFlattenAll(r *flattenAllReq) {
	instructions, err := s.ledger.FlattenAllFor(r.ctx, r.account, s.prices)
	if err != nil {
		r.reply <- flattenAllReply{err: err}
		return
	}

	var result TickResult
	for _, inst := range instructions {
		order := &types.Order{
			ID:           s.nextOrderID(),
			Account:      r.account,
			SymbolName:   inst.SymbolName,
			SymbolCode:   inst.SymbolCode,
			Side:         inst.Side,
			Type:         types.Market,
			QuantityOpen: inst.Quantity,
			State:        types.OrderCreated,
			Tag:          "Flatten",
			CreateTime:   r.now,
			UpdateTime:   r.now,
		}
		events := s.fillMarket(r.ctx, order, r.now)
		result.OrderEvents = append(result.OrderEvents, events.OrderEvents...)
		result.PositionEvents = append(result.PositionEvents, events.PositionEvents...)
	}
	r.reply <- flattenAllReply{result: result}
}

// OnTick evaluates every open order's time-in-force, trigger condition, and
// fill computation in submission order, driving the ledger on every fill.
func (s *Service) OnTick(ctx context.Context, now time.Time) (TickResult, error) {
	reply := make(chan tickReply, 1)
	if err := s.send(ctx, request{tick: &tickReq{ctx: ctx, now: now, reply: reply}}); err != nil {
		return TickResult{}, err
	}
	select {
	case r := <-reply:
		return r.result, nil
	case <-ctx.Done():
		return TickResult{}, ctx.Err()
	}
}

func (s *Service) onTick(r *tickReq) {
	var result TickResult

	ids := make([]string, len(s.submitted))
	copy(ids, s.submitted)
	live := ids[:0]

	for _, id := range ids {
		order, ok := s.orders[id]
		if !ok {
			continue // cancelled or filled since submission; drop from the list
		}

		if reason, expired := s.checkExpiry(order, r.now); expired {
			order.State = types.OrderCancelled
			order.CancelReason = reason
			result.OrderEvents = append(result.OrderEvents, types.OrderUpdateEvent{
				Kind: types.OrderEventCancelled, OrderID: order.ID, Account: order.Account,
				SymbolName: order.SymbolName, SymbolCode: order.SymbolCode, Side: order.Side,
				Reason: reason, Time: r.now,
			})
			delete(s.orders, id)
			continue
		}

		events := s.processOrder(r.ctx, order, r.now)
		result.OrderEvents = append(result.OrderEvents, events.OrderEvents...)
		result.PositionEvents = append(result.PositionEvents, events.PositionEvents...)

		if order.State.IsOpen() {
			live = append(live, id)
		} else {
			delete(s.orders, id)
		}
	}
	s.submitted = live

	r.reply <- tickReply{result: result}
}

// checkExpiry implements step 1, time-in-force evaluation.
func (s *Service) checkExpiry(order *types.Order, now time.Time) (reason string, expired bool) {
	switch order.TimeInForce.Kind {
	case types.TIFDay:
		if now.After(dayBoundary(order.CreateTime, order.TimeInForce.Timezone)) {
			return "day order expired", true
		}
	case types.TIFTime:
		if !now.Before(order.TimeInForce.At) {
			return "time-in-force deadline reached", true
		}
	case types.TIFIOC, types.TIFFOK:
		if now.After(order.CreateTime) && order.QuantityFilled.IsZero() {
			return fmt.Sprintf("%s unfilled on submission tick", tifName(order.TimeInForce.Kind)), true
		}
	}
	return "", false
}

func tifName(kind types.TimeInForceKind) string {
	if kind == types.TIFFOK {
		return "FOK"
	}
	return "IOC"
}

// dayBoundary returns the end of the trading day (23:59:59) for createTime's
// calendar date in tz (UTC if tz is empty or fails to load).
func dayBoundary(createTime time.Time, tz string) time.Time {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	local := createTime.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, loc)
}

// processOrder implements steps 2-5 for a single order on this tick.
func (s *Service) processOrder(ctx context.Context, order *types.Order, now time.Time) TickResult {
	switch order.Type {
	case types.Market, types.EnterLong, types.EnterShort, types.ExitLong, types.ExitShort:
		return s.fillMarket(ctx, order, now)
	case types.Limit:
		return s.processLimitLike(ctx, order, now, *order.LimitPrice)
	case types.StopMarket:
		return s.processStop(ctx, order, now)
	case types.MarketIfTouched:
		return s.processStop(ctx, order, now)
	case types.StopLimit:
		return s.processStopLimit(ctx, order, now)
	}
	return TickResult{}
}

func (s *Service) processStop(ctx context.Context, order *types.Order, now time.Time) TickResult {
	market, ok := s.currentMarket(ctx, *order)
	if !ok {
		return TickResult{}
	}
	if !stopTriggered(order.Type, order.Side, *order.TriggerPrice, market) {
		return s.maybeAccept(order, now)
	}
	return s.fillMarket(ctx, order, now)
}

// processStopLimit evaluates the stop leg only until it fires; once fired,
// order.TriggerPrice is cleared as a permanent marker that the order is now
// a plain limit order, so a later market reversal can't un-trigger it.
func (s *Service) processStopLimit(ctx context.Context, order *types.Order, now time.Time) TickResult {
	if order.TriggerPrice != nil {
		market, ok := s.currentMarket(ctx, *order)
		if !ok {
			return TickResult{}
		}
		if !stopTriggered(types.StopMarket, order.Side, *order.TriggerPrice, market) {
			return s.maybeAccept(order, now)
		}
		order.TriggerPrice = nil
	}
	return s.processLimitLike(ctx, order, now, *order.LimitPrice)
}

func stopTriggered(orderType types.OrderType, side types.Side, trigger, market decimal.Decimal) bool {
	switch orderType {
	case types.StopMarket:
		if side == types.Buy {
			return market.GreaterThanOrEqual(trigger)
		}
		return market.LessThanOrEqual(trigger)
	case types.MarketIfTouched:
		if side == types.Buy {
			return market.LessThanOrEqual(trigger)
		}
		return market.GreaterThanOrEqual(trigger)
	}
	return false
}

func (s *Service) processLimitLike(ctx context.Context, order *types.Order, now time.Time, limit decimal.Decimal) TickResult {
	market, ok := s.currentMarket(ctx, *order)
	if !ok {
		return TickResult{}
	}
	triggered := (order.Side == types.Buy && market.LessThanOrEqual(limit)) ||
		(order.Side == types.Sell && market.GreaterThanOrEqual(limit))
	if !triggered {
		return s.maybeAccept(order, now)
	}

	result, err := s.prices.LimitFillEstimate(ctx, order.Side, order.SymbolName, order.SymbolCode, order.QuantityOpen, limit)
	if err != nil || !result.HasFill {
		return s.maybeAccept(order, now)
	}

	if order.TimeInForce.Kind == types.TIFFOK && result.FilledVolume.LessThan(order.QuantityOpen) {
		order.State = types.OrderCancelled
		order.CancelReason = "FOK: only partial fill available"
		return TickResult{OrderEvents: []types.OrderUpdateEvent{{
			Kind: types.OrderEventCancelled, OrderID: order.ID, Account: order.Account,
			SymbolName: order.SymbolName, SymbolCode: order.SymbolCode, Side: order.Side,
			Reason: order.CancelReason, Time: now,
		}}}
	}

	return s.applyFill(ctx, order, result.Price, result.FilledVolume, now)
}

func (s *Service) maybeAccept(order *types.Order, now time.Time) TickResult {
	if order.State != types.OrderCreated {
		return TickResult{}
	}
	order.State = types.OrderAccepted
	order.UpdateTime = now
	return TickResult{OrderEvents: []types.OrderUpdateEvent{{
		Kind: types.OrderEventAccepted, OrderID: order.ID, Account: order.Account,
		SymbolName: order.SymbolName, SymbolCode: order.SymbolCode, Side: order.Side, Time: now,
	}}}
}

// fillMarket fills a Market/Enter*/Exit* order entirely, atomically, using
// MPS's VWAP fill estimate.
func (s *Service) fillMarket(ctx context.Context, order *types.Order, now time.Time) TickResult {
	price, ok, err := s.prices.FillEstimate(ctx, order.Side, order.SymbolName, order.SymbolCode, order.QuantityOpen)
	if err != nil || !ok {
		order.State = types.OrderRejected
		order.RejectReason = "no fill price available"
		return TickResult{OrderEvents: []types.OrderUpdateEvent{{
			Kind: types.OrderEventRejected, OrderID: order.ID, Account: order.Account,
			SymbolName: order.SymbolName, SymbolCode: order.SymbolCode, Side: order.Side,
			Reason: order.RejectReason, Time: now,
		}}}
	}
	return s.applyFill(ctx, order, price, order.QuantityOpen, now)
}

// applyFill books fillVolume at fillPrice against order, emits the resulting
// OrderUpdateEvent, and drives the ledger. Matching for a single order is
// atomic: state is updated and the event computed before this call returns,
// so no outside observer can see the order in both the open and closed sets.
func (s *Service) applyFill(ctx context.Context, order *types.Order, fillPrice, fillVolume decimal.Decimal, now time.Time) TickResult {
	if fillVolume.GreaterThan(order.QuantityOpen) {
		fillVolume = order.QuantityOpen
	}

	order.QuantityOpen = order.QuantityOpen.Sub(fillVolume)
	order.QuantityFilled = order.QuantityFilled.Add(fillVolume)
	order.UpdateTime = now

	kind := types.OrderEventPartiallyFilled
	if order.QuantityOpen.IsZero() {
		order.State = types.OrderFilled
		kind = types.OrderEventFilled
	} else {
		order.State = types.OrderPartiallyFilled
	}

	result := TickResult{OrderEvents: []types.OrderUpdateEvent{{
		Kind: kind, OrderID: order.ID, Account: order.Account,
		SymbolName: order.SymbolName, SymbolCode: order.SymbolCode, Side: order.Side,
		FillPrice: fillPrice, FillVolume: fillVolume, Time: now,
	}}}

	positionEvents, err := s.ledger.UpdateOrCreatePosition(ctx, order.Account, order.SymbolName, order.SymbolCode, fillVolume, order.Side, now, fillPrice, order.Tag)
	if err != nil {
		s.logger.Error("ledger update failed on fill", "order", order.ID, "error", err)
	} else {
		result.PositionEvents = positionEvents
	}
	return result
}
