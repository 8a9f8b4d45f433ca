package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kernel/internal/ledger"
	"kernel/internal/matching"
	"kernel/pkg/types"
)

// AccountBook is the subset of the Ledger Service PaperBroker needs to
// report account and position state.
type AccountBook interface {
	AccountInfo(ctx context.Context, account types.Account) (ledger.CashInfo, error)
	Positions(ctx context.Context, account types.Account) ([]types.Position, error)
}

// OrderBook is the subset of the Matching Engine PaperBroker drives for
// order placement/cancellation/update and the per-tick fill pass.
type OrderBook interface {
	Create(ctx context.Context, account types.Account, symbolName types.SymbolName, symbolCode types.SymbolCode, side types.Side, orderType types.OrderType, quantity decimal.Decimal, limitPrice, triggerPrice *decimal.Decimal, tif types.TimeInForce, tag string, now time.Time) (types.Order, error)
	Cancel(ctx context.Context, orderID, reason string) error
	Update(ctx context.Context, orderID string, limitPrice, triggerPrice, quantity *decimal.Decimal) error
	CancelAll(ctx context.Context, account types.Account) error
	FlattenAllFor(ctx context.Context, account types.Account, now time.Time) (matching.TickResult, error)
	OnTick(ctx context.Context, now time.Time) (matching.TickResult, error)
}

// SymbolInfoSource resolves a symbol's static trading facts by name.
type SymbolInfoSource interface {
	SymbolInfo(code types.SymbolCode) (types.Symbol, bool)
}

// PaperBroker is a broker.Adapter that settles orders against the Matching
// Engine's simulated fills instead of a real brokerage, replacing a
// log-and-pretend-it-worked stub with an actual simulated fill pipeline.
type PaperBroker struct {
	orders  OrderBook
	ledger  AccountBook
	symbols SymbolInfoSource
	logger  *slog.Logger

	commissions map[types.SymbolName]CommissionInfo
	leverage    decimal.Decimal

	mu           sync.Mutex
	accounts     []types.Account
	knownAccount map[string]bool
	lastTick     time.Time

	events chan Event
	closed bool
}

// NewPaperBroker builds a PaperBroker driving orderBook/book for fills and
// account state, quoting leverage as the fraction of notional held as
// margin (e.g. 0.05 for 20x).
func NewPaperBroker(orderBook OrderBook, book AccountBook, symbols SymbolInfoSource, leverage decimal.Decimal, logger *slog.Logger) *PaperBroker {
	return &PaperBroker{
		orders:       orderBook,
		ledger:       book,
		symbols:      symbols,
		leverage:     leverage,
		logger:       logger.With("component", "broker", "adapter", "paper"),
		commissions:  make(map[types.SymbolName]CommissionInfo),
		knownAccount: make(map[string]bool),
		events:       make(chan Event, 256),
	}
}

// SetCommission registers a flat per-symbol commission schedule.
func (b *PaperBroker) SetCommission(name types.SymbolName, info CommissionInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commissions[name] = info
}

// RegisterAccount makes account visible to Accounts.
func (b *PaperBroker) RegisterAccount(account types.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := account.Tag()
	if !b.knownAccount[key] {
		b.knownAccount[key] = true
		b.accounts = append(b.accounts, account)
	}
}

func (b *PaperBroker) SymbolInfo(ctx context.Context, name types.SymbolName) (SymbolInfo, error) {
	sym, ok := b.symbols.SymbolInfo(types.SymbolCode(name))
	if !ok {
		return SymbolInfo{}, fmt.Errorf("broker: unknown symbol %q", name)
	}
	return SymbolInfo{Symbol: sym, MinQuantity: decimal.New(1, 0), QuantityStep: decimal.New(1, 0), MarginPerUnit: sym.ValuePerTick}, nil
}

func (b *PaperBroker) AccountInfo(ctx context.Context, account types.Account) (AccountInfo, error) {
	info, err := b.ledger.AccountInfo(ctx, account)
	if err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{
		Account:       account,
		Currency:      info.Currency,
		CashValue:     info.CashValue,
		CashAvailable: info.CashAvailable,
		CashUsed:      info.CashUsed,
	}, nil
}

func (b *PaperBroker) Accounts(ctx context.Context) ([]types.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Account, len(b.accounts))
	copy(out, b.accounts)
	return out, nil
}

func (b *PaperBroker) marginRequired(ctx context.Context, account types.Account, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side) (decimal.Decimal, error) {
	sym, ok := b.symbols.SymbolInfo(symbolCode)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("broker: unknown symbol %q", symbolCode)
	}
	notionalPerUnit := sym.ValuePerTick
	if sym.TickSize.Sign() > 0 {
		notionalPerUnit = sym.ValuePerTick.Div(sym.TickSize)
	}
	return notionalPerUnit.Mul(quantity).Mul(b.leverage), nil
}

// IntradayMarginRequired uses the same margin model as overnight for paper
// trading: no separate intraday discount, since there's no real clearing
// house behind it.
func (b *PaperBroker) IntradayMarginRequired(ctx context.Context, account types.Account, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side) (decimal.Decimal, error) {
	return b.marginRequired(ctx, account, symbolCode, quantity, side)
}

func (b *PaperBroker) OvernightMarginRequired(ctx context.Context, account types.Account, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side) (decimal.Decimal, error) {
	return b.marginRequired(ctx, account, symbolCode, quantity, side)
}

func (b *PaperBroker) CommissionInfo(ctx context.Context, symbolName types.SymbolName) (CommissionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.commissions[symbolName]
	if !ok {
		return CommissionInfo{}, nil
	}
	return info, nil
}

func (b *PaperBroker) PlaceOrder(ctx context.Context, intent OrderIntent) (types.Order, error) {
	b.RegisterAccount(intent.Account)
	b.mu.Lock()
	now := b.lastTick
	b.mu.Unlock()
	return b.orders.Create(ctx, intent.Account, intent.SymbolName, intent.SymbolCode, intent.Side, intent.Type,
		intent.Quantity, intent.LimitPrice, intent.TriggerPrice, intent.TimeInForce, intent.Tag, now)
}

func (b *PaperBroker) CancelOrder(ctx context.Context, orderID, reason string) error {
	return b.orders.Cancel(ctx, orderID, reason)
}

func (b *PaperBroker) CancelAll(ctx context.Context, account types.Account) error {
	return b.orders.CancelAll(ctx, account)
}

func (b *PaperBroker) FlattenAll(ctx context.Context, account types.Account) error {
	b.mu.Lock()
	now := b.lastTick
	b.mu.Unlock()
	result, err := b.orders.FlattenAllFor(ctx, account, now)
	if err != nil {
		return err
	}
	b.publish(result)
	return nil
}

func (b *PaperBroker) UpdateOrder(ctx context.Context, orderID string, limitPrice, triggerPrice, quantity *decimal.Decimal) error {
	return b.orders.Update(ctx, orderID, limitPrice, triggerPrice, quantity)
}

// Advance drives the Matching Engine's per-tick fill pass at now and
// forwards every resulting order event onto Events; position events from
// the pass are not forwarded. The kernel
// calls this once per event-loop step in paper/backtest mode, mirroring
// how a live broker would push fills as they happen.
func (b *PaperBroker) Advance(ctx context.Context, now time.Time) error {
	b.mu.Lock()
	b.lastTick = now
	b.mu.Unlock()

	result, err := b.orders.OnTick(ctx, now)
	if err != nil {
		return err
	}
	b.publish(result)
	return nil
}

func (b *PaperBroker) publish(result matching.TickResult) {
	for i := range result.OrderEvents {
		evt := result.OrderEvents[i]
		select {
		case b.events <- Event{OrderUpdate: &evt}:
		default:
			b.logger.Warn("broker event channel full, dropping order update", "order_id", evt.OrderID)
		}
	}
}

func (b *PaperBroker) Events() <-chan Event { return b.events }

func (b *PaperBroker) Connect(ctx context.Context) error {
	b.logger.Info("paper broker connected")
	return nil
}

func (b *PaperBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		close(b.events)
		b.closed = true
	}
	return nil
}
