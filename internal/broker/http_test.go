package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

func TestDryRunPlaceOrder(t *testing.T) {
	t.Parallel()

	b := NewHTTPBroker(HTTPConfig{BaseURL: "http://unused.invalid", DryRun: true, RequestsPerSecond: 5, Burst: 5}, testLogger())

	order, err := b.PlaceOrder(context.Background(), OrderIntent{
		Account: types.Account{Brokerage: "live", AccountID: "a1"}, SymbolName: "ES", SymbolCode: "ES",
		Side: types.Buy, Type: types.Limit, Quantity: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.State != types.OrderAccepted {
		t.Fatalf("expected dry-run order to be accepted, got %v", order.State)
	}
	if order.ID == "" {
		t.Fatalf("expected a synthetic order ID")
	}
}

func TestDryRunCancelOrderNoOp(t *testing.T) {
	t.Parallel()

	b := NewHTTPBroker(HTTPConfig{BaseURL: "http://unused.invalid", DryRun: true, RequestsPerSecond: 5, Burst: 5}, testLogger())
	if err := b.CancelOrder(context.Background(), "ord-1", "test"); err != nil {
		t.Fatalf("expected dry-run cancel to no-op, got %v", err)
	}
}

func TestDryRunFlattenAllNoOp(t *testing.T) {
	t.Parallel()

	b := NewHTTPBroker(HTTPConfig{BaseURL: "http://unused.invalid", DryRun: true, RequestsPerSecond: 5, Burst: 5}, testLogger())
	if err := b.FlattenAll(context.Background(), types.Account{Brokerage: "live", AccountID: "a1"}); err != nil {
		t.Fatalf("expected dry-run flatten to no-op, got %v", err)
	}
}
