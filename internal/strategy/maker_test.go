package strategy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"kernel/internal/broker"
	"kernel/pkg/types"
)

type fakeOrderPlacer struct {
	placed    []broker.OrderIntent
	cancelled []string
	cancelAll int
	nextID    int
}

func (f *fakeOrderPlacer) PlaceOrder(ctx context.Context, intent broker.OrderIntent) (types.Order, error) {
	f.placed = append(f.placed, intent)
	f.nextID++
	return types.Order{
		ID: decimal.NewFromInt(int64(f.nextID)).String(), Account: intent.Account,
		SymbolName: intent.SymbolName, SymbolCode: intent.SymbolCode,
		Side: intent.Side, LimitPrice: intent.LimitPrice, QuantityOpen: intent.Quantity,
	}, nil
}

func (f *fakeOrderPlacer) CancelOrder(ctx context.Context, orderID, reason string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeOrderPlacer) CancelAll(ctx context.Context, account types.Account) error {
	f.cancelAll++
	return nil
}

func testMakerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSymbol() types.Symbol {
	return types.Symbol{
		Name: "ES", Vendor: "sim", MarketType: types.MarketFutures,
		TickSize: dec("0.25"), DecimalAccuracy: 2, PnLCurrency: "USD", ValuePerTick: dec("12.50"),
	}
}

func testMakerConfig() Config {
	return Config{
		Gamma: 0.1, Sigma: 0.02, K: 1.5, T: 1.0,
		MinSpreadBps: 10, OrderSize: dec("1"), MaxInventory: dec("10"),
	}
}

func TestComputeQuotesProducesBidBelowAskAboveMid(t *testing.T) {
	t.Parallel()
	placer := &fakeOrderPlacer{}
	m := NewMaker(testMakerConfig(), testAccount, testSymbol(), placer, testMakerLogger())

	bid, ask := m.computeQuotes(dec("5000"))

	if bid == nil || ask == nil {
		t.Fatalf("expected both bid and ask")
	}
	if !bid.LessThan(*ask) {
		t.Fatalf("bid %s should be less than ask %s", bid, ask)
	}
	if !bid.LessThanOrEqual(dec("5000")) || !ask.GreaterThanOrEqual(dec("5000")) {
		t.Fatalf("expected bid <= mid <= ask, got bid=%s ask=%s", bid, ask)
	}
}

func TestComputeQuotesSkewsDownWhenLong(t *testing.T) {
	t.Parallel()
	// A larger gamma/sigma than the other tests use, so the inventory term
	// (q * gamma * sigma^2 * T) moves the reservation price by more than one
	// tick and survives rounding.
	cfg := Config{Gamma: 1.0, Sigma: 2.5, K: 1.5, T: 1.0, MinSpreadBps: 10, OrderSize: dec("1"), MaxInventory: dec("10")}
	flatMaker := NewMaker(cfg, testAccount, testSymbol(), &fakeOrderPlacer{}, testMakerLogger())
	longMaker := NewMaker(cfg, testAccount, testSymbol(), &fakeOrderPlacer{}, testMakerLogger())
	longMaker.inventory.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventOpened, Account: testAccount, SymbolCode: types.SymbolCode(testSymbol().Name),
		Side: types.Long, Quantity: dec("8"),
	})

	flatBid, flatAsk := flatMaker.computeQuotes(dec("5000"))
	longBid, longAsk := longMaker.computeQuotes(dec("5000"))

	midFlat := flatBid.Add(*flatAsk).Div(dec("2"))
	midLong := longBid.Add(*longAsk).Div(dec("2"))
	if !midLong.LessThan(midFlat) {
		t.Fatalf("expected reservation price to fall while long: flat mid=%s long mid=%s", midFlat, midLong)
	}
}

func TestOnTimeSlicePlacesBidAndAsk(t *testing.T) {
	t.Parallel()
	placer := &fakeOrderPlacer{}
	m := NewMaker(testMakerConfig(), testAccount, testSymbol(), placer, testMakerLogger())

	slice := types.TimeSlice{Items: []types.BaseData{
		types.NewQuoteData(types.Symbol{Name: "ES"}, types.Quote{Bid: dec("4999"), Ask: dec("5001")}),
	}}

	m.onTimeSlice(context.Background(), slice)

	if len(placer.placed) != 2 {
		t.Fatalf("expected 2 orders placed (bid + ask), got %d", len(placer.placed))
	}
	if len(m.activeOrders) != 2 {
		t.Fatalf("expected 2 active orders tracked, got %d", len(m.activeOrders))
	}
}

func TestOnTimeSliceSkipsWhenNoQuoteForSymbol(t *testing.T) {
	t.Parallel()
	placer := &fakeOrderPlacer{}
	m := NewMaker(testMakerConfig(), testAccount, testSymbol(), placer, testMakerLogger())

	slice := types.TimeSlice{Items: []types.BaseData{
		types.NewQuoteData(types.Symbol{Name: "NQ"}, types.Quote{Bid: dec("100"), Ask: dec("101")}),
	}}

	m.onTimeSlice(context.Background(), slice)

	if len(placer.placed) != 0 {
		t.Fatalf("expected no orders placed for an unrelated symbol")
	}
}

func TestReconcileOrdersKeepsMatchingQuotesAndCancelsStale(t *testing.T) {
	t.Parallel()
	placer := &fakeOrderPlacer{}
	m := NewMaker(testMakerConfig(), testAccount, testSymbol(), placer, testMakerLogger())

	bid1, ask1 := dec("4999"), dec("5001")
	if err := m.reconcileOrders(context.Background(), &bid1, &ask1); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(placer.placed) != 2 {
		t.Fatalf("expected initial placement of 2 orders, got %d", len(placer.placed))
	}

	// requote with the same bid but a different ask: bid should be kept, ask replaced.
	ask2 := dec("5002")
	if err := m.reconcileOrders(context.Background(), &bid1, &ask2); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(placer.cancelled) != 1 {
		t.Fatalf("expected exactly one cancellation, got %d", len(placer.cancelled))
	}
	if len(placer.placed) != 3 {
		t.Fatalf("expected one new order placed on requote, got %d total placed", len(placer.placed))
	}
}

func TestCancelAllMyOrdersClearsTrackedOrders(t *testing.T) {
	t.Parallel()
	placer := &fakeOrderPlacer{}
	m := NewMaker(testMakerConfig(), testAccount, testSymbol(), placer, testMakerLogger())

	bid, ask := dec("4999"), dec("5001")
	_ = m.reconcileOrders(context.Background(), &bid, &ask)

	m.cancelAllMyOrders(context.Background())

	if placer.cancelAll != 1 {
		t.Fatalf("expected CancelAll called once, got %d", placer.cancelAll)
	}
	if len(m.activeOrders) != 0 {
		t.Fatalf("expected no active orders tracked after cancel all")
	}
}

func TestTrackOrderEventRemovesFilledAndCancelledOrders(t *testing.T) {
	t.Parallel()
	placer := &fakeOrderPlacer{}
	m := NewMaker(testMakerConfig(), testAccount, testSymbol(), placer, testMakerLogger())
	m.activeOrders["o1"] = types.Order{ID: "o1"}
	m.activeOrders["o2"] = types.Order{ID: "o2"}

	m.trackOrderEvent(types.OrderUpdateEvent{Kind: types.OrderEventFilled, OrderID: "o1"})
	m.trackOrderEvent(types.OrderUpdateEvent{Kind: types.OrderEventCancelled, OrderID: "o2"})

	if len(m.activeOrders) != 0 {
		t.Fatalf("expected both orders removed, got %d remaining", len(m.activeOrders))
	}
}
