// Package strategy implements an Avellaneda-Stoikov market-making strategy
// against the Strategy Kernel's public event/order API.
//
// The core idea: post a bid below and an ask above a "reservation price"
// that accounts for inventory risk. When the strategy is long, it lowers
// quotes so its ask draws buyers; when short, it raises quotes so its bid
// draws sellers.
//
// Per-tick flow (every TimeSlice the kernel emits):
//  1. Extract the latest quote mid for the traded symbol.
//  2. Compute reservation price:  r = mid - q * gamma * sigma^2 * T
//  3. Compute optimal spread:     delta = gamma * sigma^2 * T + (2/gamma) * ln(1 + gamma/k)
//  4. Derive bid = r - delta/2, ask = r + delta/2, rounded to the symbol's tick.
//  5. Reconcile: cancel stale orders, place new ones.
//
// The strategy earns the spread when both sides fill. Inventory skew (q)
// keeps it from accumulating unbounded directional risk.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"kernel/internal/broker"
	"kernel/pkg/types"
)

// OrderPlacer is the slice of the Strategy Kernel's public API this
// strategy needs. Satisfied structurally by *kernel.Kernel.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, intent broker.OrderIntent) (types.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) error
	CancelAll(ctx context.Context, account types.Account) error
}

// Config parameterizes the Avellaneda-Stoikov quoting model.
type Config struct {
	Gamma        float64 // risk aversion
	Sigma        float64 // estimated volatility
	K            float64 // order arrival intensity
	T            float64 // time horizon
	MinSpreadBps int64   // floor on quoted spread, in basis points of mid
	OrderSize    decimal.Decimal
	MaxInventory decimal.Decimal // quantity at which inventory skew saturates
}

// Maker runs the Avellaneda-Stoikov strategy for one symbol in one account.
// It maintains its own view of outstanding orders and reconciles them on
// every TimeSlice, driven entirely by the kernel's StrategyEvent stream.
type Maker struct {
	cfg     Config
	account types.Account
	symbol  types.Symbol

	inventory *Inventory
	kernel    OrderPlacer

	activeOrders map[string]types.Order // orderID -> order
	lastMid      decimal.Decimal

	logger *slog.Logger
}

// NewMaker builds a quoting strategy for one account/symbol pair.
func NewMaker(cfg Config, account types.Account, symbol types.Symbol, kernel OrderPlacer, logger *slog.Logger) *Maker {
	return &Maker{
		cfg:          cfg,
		account:      account,
		symbol:       symbol,
		inventory:    NewInventory(account, types.SymbolCode(symbol.Name), cfg.MaxInventory),
		kernel:       kernel,
		activeOrders: make(map[string]types.Order),
		logger:       logger.With("component", "maker", "symbol", symbol.Name),
	}
}

// Run consumes the kernel's StrategyEvent stream until it closes or ctx is
// cancelled, re-quoting on every TimeSlice and mirroring fills as they
// arrive.
func (m *Maker) Run(ctx context.Context, events <-chan types.StrategyEvent) {
	m.logger.Info("strategy started", "order_size", m.cfg.OrderSize)

	for {
		select {
		case <-ctx.Done():
			m.cancelAllMyOrders(context.Background())
			m.logger.Info("strategy stopped")
			return

		case evt, ok := <-events:
			if !ok {
				m.logger.Info("strategy stopped: event stream closed")
				return
			}
			m.handleEvent(ctx, evt)
		}
	}
}

func (m *Maker) handleEvent(ctx context.Context, evt types.StrategyEvent) {
	switch evt.Kind {
	case types.EventTimeSlice:
		m.onTimeSlice(ctx, evt.TimeSlice)
	case types.EventOrderEvents:
		m.inventory.OnOrderEvent(evt.OrderEvent)
		m.trackOrderEvent(evt.OrderEvent)
	case types.EventPositionEvents:
		m.inventory.OnPositionEvent(evt.PositionEvent)
	case types.EventShutdownEvent:
		m.cancelAllMyOrders(ctx)
	}
}

// onTimeSlice is the core per-tick logic.
func (m *Maker) onTimeSlice(ctx context.Context, slice types.TimeSlice) {
	mid, ok := m.extractMid(slice)
	if !ok {
		m.logger.Debug("no quote available for symbol this tick")
		return
	}
	m.lastMid = mid
	m.inventory.UpdateMarkToMarket(mid)

	bid, ask := m.computeQuotes(mid)
	if err := m.reconcileOrders(ctx, bid, ask); err != nil {
		m.logger.Error("reconcile orders failed", "error", err)
	}
}

// extractMid pulls the most recent quote mid for our symbol out of the
// slice. Falls back to the last tick price if no quote is present.
func (m *Maker) extractMid(slice types.TimeSlice) (decimal.Decimal, bool) {
	found := false
	haveQuote := false
	var mid decimal.Decimal
	for _, item := range slice.Items {
		if item.Symbol.Name != m.symbol.Name {
			continue
		}
		switch item.Kind {
		case types.KindQuote:
			mid = item.Quote.Bid.Add(item.Quote.Ask).Div(decimal.NewFromInt(2))
			found = true
			haveQuote = true
		case types.KindTick:
			if !haveQuote {
				mid = item.Tick.Price
				found = true
			}
		}
	}
	return mid, found
}

// computeQuotes implements the Avellaneda-Stoikov model.
//
//	q     = inventory skew in [-1, 1] from Inventory.NetDelta()
//	reservation_price = mid - q * gamma * sigma^2 * T
//	optimal_spread    = gamma * sigma^2 * T + (2/gamma) * ln(1 + gamma/k)
//	bid = reservation_price - optimal_spread/2
//	ask = reservation_price + optimal_spread/2
//
// The model itself runs in float64, matching how volatility/arrival-rate
// calibration is normally done; only the resulting prices are converted
// back to decimal and rounded to the symbol's tick size.
func (m *Maker) computeQuotes(mid decimal.Decimal) (bid, ask *decimal.Decimal) {
	midF, _ := mid.Float64()
	q, _ := m.inventory.NetDelta().Float64()

	gamma, sigma, k, T := m.cfg.Gamma, m.cfg.Sigma, m.cfg.K, m.cfg.T
	minSpread := midF * float64(m.cfg.MinSpreadBps) / 10000.0

	reservation := midF - q*gamma*sigma*sigma*T
	optSpread := gamma*sigma*sigma*T + (2.0/gamma)*math.Log(1+gamma/k)

	bidRaw := reservation - optSpread/2
	askRaw := reservation + optSpread/2

	if (askRaw - bidRaw) < minSpread {
		bidRaw = reservation - minSpread/2
		askRaw = reservation + minSpread/2
	}

	if bidRaw <= 0 {
		bidRaw = midF * 0.0001
	}
	if askRaw <= bidRaw {
		askRaw = bidRaw + minSpread
	}

	bidDec := m.symbol.RoundToTick(decimal.NewFromFloat(bidRaw))
	askDec := m.symbol.RoundToTick(decimal.NewFromFloat(askRaw))
	if !bidDec.LessThan(askDec) {
		askDec = bidDec.Add(m.symbol.TickSize)
	}

	return &bidDec, &askDec
}

// reconcileOrders diffs desired quotes against active orders. An existing
// order is kept if its price equals the desired price; everything else is
// cancelled and replaced.
func (m *Maker) reconcileOrders(ctx context.Context, bid, ask *decimal.Decimal) error {
	matchedBid, matchedAsk := false, false
	var toCancel []string

	for id, order := range m.activeOrders {
		if order.Side == types.Buy && bid != nil && order.LimitPrice != nil && order.LimitPrice.Equal(*bid) {
			matchedBid = true
			continue
		}
		if order.Side == types.Sell && ask != nil && order.LimitPrice != nil && order.LimitPrice.Equal(*ask) {
			matchedAsk = true
			continue
		}
		toCancel = append(toCancel, id)
	}

	for _, id := range toCancel {
		if err := m.kernel.CancelOrder(ctx, id, "requote"); err != nil {
			m.logger.Error("cancel order failed", "order_id", id, "error", err)
			continue
		}
		delete(m.activeOrders, id)
	}

	if !matchedBid && bid != nil {
		if err := m.placeQuote(ctx, types.Buy, *bid); err != nil {
			return fmt.Errorf("place bid: %w", err)
		}
	}
	if !matchedAsk && ask != nil {
		if err := m.placeQuote(ctx, types.Sell, *ask); err != nil {
			return fmt.Errorf("place ask: %w", err)
		}
	}

	return nil
}

func (m *Maker) placeQuote(ctx context.Context, side types.Side, price decimal.Decimal) error {
	order, err := m.kernel.PlaceOrder(ctx, broker.OrderIntent{
		Account:     m.account,
		SymbolName:  m.symbol.Name,
		SymbolCode:  types.SymbolCode(m.symbol.Name),
		Side:        side,
		Type:        types.Limit,
		Quantity:    m.cfg.OrderSize,
		LimitPrice:  &price,
		TimeInForce: types.TimeInForce{Kind: types.TIFGTC},
		Tag:         "maker",
	})
	if err != nil {
		return err
	}
	m.activeOrders[order.ID] = order
	return nil
}

func (m *Maker) trackOrderEvent(evt types.OrderUpdateEvent) {
	switch evt.Kind {
	case types.OrderEventCancelled, types.OrderEventRejected:
		delete(m.activeOrders, evt.OrderID)
	case types.OrderEventFilled:
		delete(m.activeOrders, evt.OrderID)
	}
}

// cancelAllMyOrders cancels every order this strategy instance has placed.
func (m *Maker) cancelAllMyOrders(ctx context.Context) {
	if len(m.activeOrders) == 0 {
		return
	}
	if err := m.kernel.CancelAll(ctx, m.account); err != nil {
		m.logger.Error("cancel all orders failed", "error", err)
		return
	}
	m.activeOrders = make(map[string]types.Order)
	m.logger.Info("cancelled all orders")
}
