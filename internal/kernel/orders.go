package kernel

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"kernel/internal/broker"
	"kernel/pkg/types"
)

// PlaceOrder submits an order intent. In Backtest/LivePaper modes it is
// filled against the Matching Engine; in Live mode it is routed to the
// broker adapter. Safe to call from any goroutine.
func (k *Kernel) PlaceOrder(ctx context.Context, intent broker.OrderIntent) (types.Order, error) {
	reply := make(chan orderReply, 1)
	req := orderRequest{kind: opPlace, intent: intent, reply: reply}
	if err := k.submitOrder(ctx, req); err != nil {
		return types.Order{}, err
	}
	r := <-reply
	return r.order, r.err
}

// CancelOrder cancels a working order by ID.
func (k *Kernel) CancelOrder(ctx context.Context, orderID, reason string) error {
	reply := make(chan orderReply, 1)
	req := orderRequest{kind: opCancel, orderID: orderID, reason: reason, reply: reply}
	if err := k.submitOrder(ctx, req); err != nil {
		return err
	}
	r := <-reply
	return r.err
}

// CancelAll cancels every working order for account.
func (k *Kernel) CancelAll(ctx context.Context, account types.Account) error {
	reply := make(chan orderReply, 1)
	req := orderRequest{kind: opCancelAll, account: account, reply: reply}
	if err := k.submitOrder(ctx, req); err != nil {
		return err
	}
	r := <-reply
	return r.err
}

// FlattenAll closes every open position for account at the current market.
// Working orders are not cancelled here; CancelAll does that.
func (k *Kernel) FlattenAll(ctx context.Context, account types.Account) error {
	reply := make(chan orderReply, 1)
	req := orderRequest{kind: opFlattenAll, account: account, reply: reply}
	if err := k.submitOrder(ctx, req); err != nil {
		return err
	}
	r := <-reply
	return r.err
}

// UpdateOrder amends the limit/trigger price or quantity of a working order.
func (k *Kernel) UpdateOrder(ctx context.Context, orderID string, limitPrice, triggerPrice, quantity *decimal.Decimal) error {
	reply := make(chan orderReply, 1)
	req := orderRequest{
		kind: opUpdate, orderID: orderID,
		limitPrice: limitPrice, triggerPrice: triggerPrice, quantity: quantity,
		reply: reply,
	}
	if err := k.submitOrder(ctx, req); err != nil {
		return err
	}
	r := <-reply
	return r.err
}

func (k *Kernel) submitOrder(ctx context.Context, req orderRequest) error {
	select {
	case k.orderReqs <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleOrder runs inside the kernel's own goroutine; it routes the request
// either to the Matching Engine (Backtest/LivePaper) or the broker adapter
// (Live), per cfg.Mode.UsesMatchingEngine.
func (k *Kernel) handleOrder(ctx context.Context, req orderRequest) {
	callCtx, cancel := context.WithTimeout(ctx, k.cfg.AdapterTimeout)
	defer cancel()

	if k.cfg.Mode.UsesMatchingEngine() {
		k.handleOrderViaMatching(callCtx, req)
		return
	}
	k.handleOrderViaBroker(callCtx, req)
}

func (k *Kernel) handleOrderViaMatching(ctx context.Context, req orderRequest) {
	if k.matchSvc == nil {
		req.reply <- orderReply{err: fmt.Errorf("kernel: no matching engine configured")}
		return
	}

	switch req.kind {
	case opPlace:
		if reason, ok := k.checkOrderRisk(ctx, req.intent); !ok {
			req.reply <- orderReply{err: fmt.Errorf("kernel: order rejected by risk check: %s", reason)}
			return
		}
		order, err := k.matchSvc.Create(ctx, req.intent.Account, req.intent.SymbolName, req.intent.SymbolCode,
			req.intent.Side, req.intent.Type, req.intent.Quantity, req.intent.LimitPrice, req.intent.TriggerPrice,
			req.intent.TimeInForce, req.intent.Tag, k.now)
		req.reply <- orderReply{order: order, err: err}

	case opCancel:
		err := k.matchSvc.Cancel(ctx, req.orderID, req.reason)
		req.reply <- orderReply{err: err}

	case opCancelAll:
		err := k.matchSvc.CancelAll(ctx, req.account)
		req.reply <- orderReply{err: err}

	case opFlattenAll:
		result, err := k.matchSvc.FlattenAllFor(ctx, req.account, k.now)
		if err == nil {
			k.exportClosedPositions(ctx, result.PositionEvents)
			k.emitTick(k.now, types.TimeSlice{}, nil, result.OrderEvents, result.PositionEvents, nil)
		}
		req.reply <- orderReply{err: err}

	case opUpdate:
		err := k.matchSvc.Update(ctx, req.orderID, req.limitPrice, req.triggerPrice, req.quantity)
		req.reply <- orderReply{err: err}
	}
}

func (k *Kernel) handleOrderViaBroker(ctx context.Context, req orderRequest) {
	if k.brokerAdapter == nil {
		req.reply <- orderReply{err: fmt.Errorf("kernel: no broker adapter configured")}
		return
	}

	switch req.kind {
	case opPlace:
		if reason, ok := k.checkOrderRisk(ctx, req.intent); !ok {
			req.reply <- orderReply{err: fmt.Errorf("kernel: order rejected by risk check: %s", reason)}
			return
		}
		order, err := k.brokerAdapter.PlaceOrder(ctx, req.intent)
		req.reply <- orderReply{order: order, err: err}

	case opCancel:
		err := k.brokerAdapter.CancelOrder(ctx, req.orderID, req.reason)
		req.reply <- orderReply{err: err}

	case opCancelAll:
		err := k.brokerAdapter.CancelAll(ctx, req.account)
		req.reply <- orderReply{err: err}

	case opFlattenAll:
		err := k.brokerAdapter.FlattenAll(ctx, req.account)
		req.reply <- orderReply{err: err}

	case opUpdate:
		err := k.brokerAdapter.UpdateOrder(ctx, req.orderID, req.limitPrice, req.triggerPrice, req.quantity)
		req.reply <- orderReply{err: err}
	}
}

// Subscribe adds a data subscription, rewiring the Subscription Handler and
// seeding the Indicator Handler's warm-up from history if provided.
func (k *Kernel) Subscribe(ctx context.Context, sub types.Subscription, history []types.BaseData) ([]types.DataSubscriptionEvent, error) {
	reply := make(chan subscribeReply, 1)
	req := subscribeRequest{sub: sub, history: history, reply: reply}
	select {
	case k.subscribeReqs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r := <-reply
	return r.events, r.err
}

// Unsubscribe removes a data subscription.
func (k *Kernel) Unsubscribe(ctx context.Context, sub types.Subscription) ([]types.DataSubscriptionEvent, error) {
	reply := make(chan subscribeReply, 1)
	req := subscribeRequest{sub: sub, unsubscribe: true, reply: reply}
	select {
	case k.subscribeReqs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r := <-reply
	return r.events, r.err
}

func (k *Kernel) handleSubscribe(req subscribeRequest) {
	if req.unsubscribe {
		events := k.sh.Unsubscribe(req.sub)
		k.emitSubscriptionEvents(events)
		req.reply <- subscribeReply{events: events}
		return
	}
	events, err := k.sh.Subscribe(req.sub, req.history, k.now)
	k.emitSubscriptionEvents(events)
	req.reply <- subscribeReply{events: events, err: err}
}

// emitSubscriptionEvents forwards subscribe/unsubscribe outcomes onto the
// kernel's event stream, in addition to the synchronous reply the calling
// goroutine already receives, so any other code watching Events() also
// sees a primary-changed or failed-subscribe notification.
func (k *Kernel) emitSubscriptionEvents(events []types.DataSubscriptionEvent) {
	for _, evt := range events {
		k.send(types.StrategyEvent{Kind: types.EventDataSubscriptionEvent, Time: k.now, SubscriptionEvent: evt})
	}
}
