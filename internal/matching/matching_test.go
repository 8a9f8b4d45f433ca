package matching

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kernel/internal/ledger"
	"kernel/internal/mps"
	"kernel/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var testAccount = types.Account{Brokerage: "sim", AccountID: "A1"}

const testSymbolCode types.SymbolCode = "ES"
const testSymbolName types.SymbolName = "ES"

// fakePrices is a scriptable PriceSource: every order's "market" is fixed,
// and fill estimates are fixed notional prices unless overridden per test.
type fakePrices struct {
	market    decimal.Decimal
	fillPrice decimal.Decimal
	limitFill mps.LimitFillResult
	noMarket  bool
}

func (f *fakePrices) MarketPrice(ctx context.Context, side types.Side, symbolName types.SymbolName, symbolCode types.SymbolCode) (decimal.Decimal, bool, error) {
	if f.noMarket {
		return decimal.Zero, false, nil
	}
	return f.market, true, nil
}

func (f *fakePrices) FillEstimate(ctx context.Context, side types.Side, symbolName types.SymbolName, symbolCode types.SymbolCode, volume decimal.Decimal) (decimal.Decimal, bool, error) {
	return f.fillPrice, true, nil
}

func (f *fakePrices) LimitFillEstimate(ctx context.Context, side types.Side, symbolName types.SymbolName, symbolCode types.SymbolCode, volume, limit decimal.Decimal) (mps.LimitFillResult, error) {
	return f.limitFill, nil
}

// fakeLedger is a minimal LedgerDriver recording every fill it's driven with.
type fakeLedger struct {
	isLong, isShort   bool
	flattenInst       []ledger.FlattenInstruction
	driven            []drivenFill
}

type drivenFill struct {
	account  types.Account
	quantity decimal.Decimal
	side     types.Side
	price    decimal.Decimal
}

func (l *fakeLedger) UpdateOrCreatePosition(ctx context.Context, account types.Account, symbolName types.SymbolName, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side, at time.Time, price decimal.Decimal, tag string) ([]types.PositionUpdateEvent, error) {
	l.driven = append(l.driven, drivenFill{account: account, quantity: quantity, side: side, price: price})
	return []types.PositionUpdateEvent{{Kind: types.PositionEventOpened, Account: account, SymbolCode: symbolCode, Side: types.SideToPositionSide(side), Quantity: quantity, Time: at}}, nil
}

func (l *fakeLedger) IsLong(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (bool, error) {
	return l.isLong, nil
}

func (l *fakeLedger) IsShort(ctx context.Context, account types.Account, symbolCode types.SymbolCode) (bool, error) {
	return l.isShort, nil
}

func (l *fakeLedger) FlattenAllFor(ctx context.Context, account types.Account, filler ledger.FillEstimator) ([]ledger.FlattenInstruction, error) {
	return l.flattenInst, nil
}

func newTestService(t *testing.T, prices *fakePrices, ledgerDriver *fakeLedger) (*Service, context.Context) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := New(16, logger, prices, ledgerDriver)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)
	return svc, ctx
}

func TestCreateMarketOrderFillsOnFirstTick(t *testing.T) {
	t.Parallel()
	prices := &fakePrices{market: dec("100"), fillPrice: dec("100.50")}
	ld := &fakeLedger{}
	svc, ctx := newTestService(t, prices, ld)

	now := time.Now()
	order, err := svc.Create(ctx, testAccount, testSymbolName, testSymbolCode, types.Buy, types.Market, dec("5"), nil, nil, types.TimeInForce{Kind: types.TIFGTC}, "entry", now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if order.State != types.OrderCreated {
		t.Fatalf("order.State = %v, want Created before first tick", order.State)
	}

	result, err := svc.OnTick(ctx, now)
	if err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if len(result.OrderEvents) != 1 || result.OrderEvents[0].Kind != types.OrderEventFilled {
		t.Fatalf("OrderEvents = %+v, want one Filled", result.OrderEvents)
	}
	if len(ld.driven) != 1 || !ld.driven[0].quantity.Equal(dec("5")) {
		t.Fatalf("ledger not driven correctly: %+v", ld.driven)
	}
}

func TestLimitOrderAcceptsThenFillsWhenMarketMoves(t *testing.T) {
	t.Parallel()
	prices := &fakePrices{market: dec("100"), limitFill: mps.LimitFillResult{HasFill: false}}
	ld := &fakeLedger{}
	svc, ctx := newTestService(t, prices, ld)

	now := time.Now()
	limit := dec("95")
	order, err := svc.Create(ctx, testAccount, testSymbolName, testSymbolCode, types.Buy, types.Limit, dec("3"), &limit, nil, types.TimeInForce{Kind: types.TIFGTC}, "entry", now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if order.State == types.OrderRejected {
		t.Fatalf("order rejected at submit: %s", order.RejectReason)
	}

	// Market at 100 hasn't reached the 95 limit yet: order should Accept, not fill.
	result, err := svc.OnTick(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("OnTick 1: %v", err)
	}
	if len(result.OrderEvents) != 1 || result.OrderEvents[0].Kind != types.OrderEventAccepted {
		t.Fatalf("tick 1 events = %+v, want one Accepted", result.OrderEvents)
	}

	// Market drops to 94: limit buy at 95 should now trigger and fill in full.
	prices.market = dec("94")
	prices.limitFill = mps.LimitFillResult{Price: dec("94.50"), FilledVolume: dec("3"), HasFill: true}
	result, err = svc.OnTick(ctx, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("OnTick 2: %v", err)
	}
	if len(result.OrderEvents) != 1 || result.OrderEvents[0].Kind != types.OrderEventFilled {
		t.Fatalf("tick 2 events = %+v, want one Filled", result.OrderEvents)
	}
}

func TestLimitBuyRejectedAboveMarketAtSubmit(t *testing.T) {
	t.Parallel()
	prices := &fakePrices{market: dec("100")}
	ld := &fakeLedger{}
	svc, ctx := newTestService(t, prices, ld)

	limit := dec("110")
	order, err := svc.Create(ctx, testAccount, testSymbolName, testSymbolCode, types.Buy, types.Limit, dec("1"), &limit, nil, types.TimeInForce{Kind: types.TIFGTC}, "entry", time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if order.State != types.OrderRejected {
		t.Fatalf("order.State = %v, want Rejected (limit above market at submit)", order.State)
	}
}

func TestFOKCancelsOnPartialAvailability(t *testing.T) {
	t.Parallel()
	prices := &fakePrices{market: dec("96")}
	ld := &fakeLedger{}
	svc, ctx := newTestService(t, prices, ld)

	now := time.Now()
	limit := dec("95")
	order, err := svc.Create(ctx, testAccount, testSymbolName, testSymbolCode, types.Buy, types.Limit, dec("5"), &limit, nil, types.TimeInForce{Kind: types.TIFFOK}, "entry", now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if order.State == types.OrderRejected {
		t.Fatalf("order rejected at submit unexpectedly: %s", order.RejectReason)
	}

	// Market drops to trigger the limit, but the book can only supply 2 of 5.
	prices.market = dec("94")
	prices.limitFill = mps.LimitFillResult{Price: dec("94.50"), FilledVolume: dec("2"), HasFill: true}

	result, err := svc.OnTick(ctx, now)
	if err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if len(result.OrderEvents) != 1 || result.OrderEvents[0].Kind != types.OrderEventCancelled {
		t.Fatalf("events = %+v, want one Cancelled (FOK partial availability)", result.OrderEvents)
	}
	if len(ld.driven) != 0 {
		t.Fatalf("ledger should not have been driven for a cancelled FOK order: %+v", ld.driven)
	}
}

func TestIOCCancelsIfUnfilledPastSubmissionTick(t *testing.T) {
	t.Parallel()
	prices := &fakePrices{market: dec("100"), limitFill: mps.LimitFillResult{HasFill: false}}
	ld := &fakeLedger{}
	svc, ctx := newTestService(t, prices, ld)

	now := time.Now()
	limit := dec("95")
	_, err := svc.Create(ctx, testAccount, testSymbolName, testSymbolCode, types.Buy, types.Limit, dec("3"), &limit, nil, types.TimeInForce{Kind: types.TIFIOC}, "entry", now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := svc.OnTick(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if len(result.OrderEvents) != 1 || result.OrderEvents[0].Kind != types.OrderEventCancelled {
		t.Fatalf("events = %+v, want one Cancelled (IOC unfilled past first tick)", result.OrderEvents)
	}
}

func TestExitLongRejectedWithoutPosition(t *testing.T) {
	t.Parallel()
	prices := &fakePrices{market: dec("100"), fillPrice: dec("100")}
	ld := &fakeLedger{isLong: false}
	svc, ctx := newTestService(t, prices, ld)

	order, err := svc.Create(ctx, testAccount, testSymbolName, testSymbolCode, types.Sell, types.ExitLong, dec("1"), nil, nil, types.TimeInForce{Kind: types.TIFGTC}, "exit", time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if order.State != types.OrderRejected {
		t.Fatalf("order.State = %v, want Rejected (no long position)", order.State)
	}
}

func TestFlattenAllForSubmitsAndFillsMarketExits(t *testing.T) {
	t.Parallel()
	prices := &fakePrices{market: dec("100"), fillPrice: dec("101")}
	ld := &fakeLedger{flattenInst: []ledger.FlattenInstruction{
		{SymbolName: testSymbolName, SymbolCode: testSymbolCode, Side: types.Sell, Quantity: dec("4"), EstimatedPrice: dec("101")},
	}}
	svc, ctx := newTestService(t, prices, ld)

	result, err := svc.FlattenAllFor(ctx, testAccount, time.Now())
	if err != nil {
		t.Fatalf("FlattenAllFor: %v", err)
	}
	if len(result.OrderEvents) != 1 || result.OrderEvents[0].Kind != types.OrderEventFilled {
		t.Fatalf("events = %+v, want one Filled", result.OrderEvents)
	}
	if len(ld.driven) != 1 || !ld.driven[0].quantity.Equal(dec("4")) {
		t.Fatalf("ledger not driven correctly: %+v", ld.driven)
	}
}

func TestCancelRemovesOpenOrder(t *testing.T) {
	t.Parallel()
	prices := &fakePrices{market: dec("100")}
	ld := &fakeLedger{}
	svc, ctx := newTestService(t, prices, ld)

	limit := dec("95")
	order, err := svc.Create(ctx, testAccount, testSymbolName, testSymbolCode, types.Buy, types.Limit, dec("1"), &limit, nil, types.TimeInForce{Kind: types.TIFGTC}, "entry", time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Cancel(ctx, order.ID, "no longer needed"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := svc.Cancel(ctx, order.ID, "again"); err == nil {
		t.Error("second Cancel should fail: order no longer tracked")
	}
}
