package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

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

const testSymbolCode = types.SymbolCode("ES")

func newTestInventory() *Inventory {
	return NewInventory(testAccount, testSymbolCode, dec("100"))
}

func TestOnPositionEventOpenedSetsSideAndQuantity(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventOpened, Account: testAccount, SymbolCode: testSymbolCode,
		Side: types.Long, Quantity: dec("10"),
	})

	snap := inv.Snapshot()
	if !snap.Quantity.Equal(dec("10")) {
		t.Fatalf("quantity = %s, want 10", snap.Quantity)
	}
	if snap.Side != types.Long {
		t.Fatalf("side = %v, want Long", snap.Side)
	}
}

func TestOnPositionEventReducedLowersQuantityAndAddsPnL(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventOpened, Account: testAccount, SymbolCode: testSymbolCode,
		Side: types.Long, Quantity: dec("10"),
	})

	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventReduced, Account: testAccount, SymbolCode: testSymbolCode,
		Side: types.Long, Quantity: dec("4"), BookedPnL: dec("50"),
	})

	snap := inv.Snapshot()
	if !snap.Quantity.Equal(dec("6")) {
		t.Fatalf("quantity = %s, want 6", snap.Quantity)
	}
	if !snap.RealizedPnL.Equal(dec("50")) {
		t.Fatalf("realized pnl = %s, want 50", snap.RealizedPnL)
	}
}

func TestOnPositionEventClosedZeroesQuantity(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventOpened, Account: testAccount, SymbolCode: testSymbolCode,
		Side: types.Long, Quantity: dec("10"),
	})

	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventClosed, Account: testAccount, SymbolCode: testSymbolCode,
		BookedPnL: dec("25"),
	})

	snap := inv.Snapshot()
	if !snap.Quantity.IsZero() {
		t.Fatalf("quantity = %s, want 0", snap.Quantity)
	}
	if !snap.RealizedPnL.Equal(dec("25")) {
		t.Fatalf("realized pnl = %s, want 25", snap.RealizedPnL)
	}
}

func TestOnPositionEventIgnoresOtherAccountsAndSymbols(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	other := types.Account{Brokerage: "sim", AccountID: "A2"}

	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventOpened, Account: other, SymbolCode: testSymbolCode,
		Side: types.Long, Quantity: dec("10"),
	})
	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventOpened, Account: testAccount, SymbolCode: "NQ",
		Side: types.Long, Quantity: dec("10"),
	})

	if !inv.Snapshot().Quantity.IsZero() {
		t.Fatalf("expected quantity to stay zero for unrelated events")
	}
}

func TestOnOrderEventTracksVolumeWeightedAveragePrice(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventOpened, Account: testAccount, SymbolCode: testSymbolCode,
		Side: types.Long, Quantity: dec("10"),
	})
	inv.OnOrderEvent(types.OrderUpdateEvent{
		Kind: types.OrderEventFilled, Account: testAccount, SymbolCode: testSymbolCode,
		FillPrice: dec("100"), FillVolume: dec("10"),
	})

	if !inv.Snapshot().AvgEntryPrice.Equal(dec("100")) {
		t.Fatalf("avg entry = %s, want 100", inv.Snapshot().AvgEntryPrice)
	}
}

func TestNetDeltaIsZeroWhenFlat(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	if !inv.NetDelta().IsZero() {
		t.Fatalf("expected zero net delta when flat")
	}
}

func TestNetDeltaSaturatesAtOne(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventOpened, Account: testAccount, SymbolCode: testSymbolCode,
		Side: types.Long, Quantity: dec("500"),
	})

	if !inv.NetDelta().Equal(dec("1")) {
		t.Fatalf("net delta = %s, want 1 (saturated)", inv.NetDelta())
	}
}

func TestNetDeltaIsNegativeWhenShort(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventOpened, Account: testAccount, SymbolCode: testSymbolCode,
		Side: types.Short, Quantity: dec("50"),
	})

	delta := inv.NetDelta()
	if !delta.Equal(dec("-0.5")) {
		t.Fatalf("net delta = %s, want -0.5", delta)
	}
}

func TestSnapshotComputesUnrealizedPnLLong(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventOpened, Account: testAccount, SymbolCode: testSymbolCode,
		Side: types.Long, Quantity: dec("10"),
	})
	inv.OnOrderEvent(types.OrderUpdateEvent{
		Kind: types.OrderEventFilled, Account: testAccount, SymbolCode: testSymbolCode,
		FillPrice: dec("100"), FillVolume: dec("10"),
	})
	inv.UpdateMarkToMarket(dec("110"))

	snap := inv.Snapshot()
	if !snap.UnrealizedPnL.Equal(dec("100")) {
		t.Fatalf("unrealized pnl = %s, want 100", snap.UnrealizedPnL)
	}
}

func TestSnapshotComputesUnrealizedPnLShort(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	inv.OnPositionEvent(types.PositionUpdateEvent{
		Kind: types.PositionEventOpened, Account: testAccount, SymbolCode: testSymbolCode,
		Side: types.Short, Quantity: dec("10"),
	})
	inv.OnOrderEvent(types.OrderUpdateEvent{
		Kind: types.OrderEventFilled, Account: testAccount, SymbolCode: testSymbolCode,
		FillPrice: dec("100"), FillVolume: dec("10"),
	})
	inv.UpdateMarkToMarket(dec("90"))

	snap := inv.Snapshot()
	if !snap.UnrealizedPnL.Equal(dec("100")) {
		t.Fatalf("unrealized pnl = %s, want 100", snap.UnrealizedPnL)
	}
}
