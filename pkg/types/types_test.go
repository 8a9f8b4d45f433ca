package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestResolutionLess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b Resolution
		want bool
	}{
		{"instant < ticks", Instant(), Ticks(1), true},
		{"ticks < seconds", Ticks(500), Seconds(1), true},
		{"seconds(30) < minutes(1)", Seconds(30), Minutes(1), true},
		{"minutes(5) < minutes(15)", Minutes(5), Minutes(15), true},
		{"hours < day", Hours(4), Day(), true},
		{"day < week", Day(), Week(), true},
		{"week not < day", Week(), Day(), false},
		{"equal not less", Minutes(5), Minutes(5), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.a.Less(tt.b); got != tt.want {
				t.Errorf("%s.Less(%s) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSymbolRoundToTick(t *testing.T) {
	t.Parallel()

	sym := Symbol{
		Name:            "ES",
		TickSize:        decimal.NewFromFloat(0.25),
		DecimalAccuracy: 2,
	}

	tests := []struct {
		price decimal.Decimal
		want  string
	}{
		{decimal.NewFromFloat(100.10), "100"},
		{decimal.NewFromFloat(100.13), "100.25"},
		{decimal.NewFromFloat(100.37), "100.25"},
		{decimal.NewFromFloat(100.38), "100.5"},
	}

	for _, tt := range tests {
		got := sym.RoundToTick(tt.price)
		if got.String() != tt.want {
			t.Errorf("RoundToTick(%s) = %s, want %s", tt.price, got, tt.want)
		}
	}
}

func TestAccountTag(t *testing.T) {
	t.Parallel()

	a := Account{Brokerage: "rithmic", AccountID: "S1Sep24-PA"}
	if got, want := a.Tag(), "rithmic:S1Sep24-PA"; got != want {
		t.Errorf("Tag() = %q, want %q", got, want)
	}
}

func TestOrderOriginalQuantity(t *testing.T) {
	t.Parallel()

	o := Order{
		QuantityOpen:   decimal.NewFromInt(6),
		QuantityFilled: decimal.NewFromInt(4),
	}
	if got, want := o.OriginalQuantity(), decimal.NewFromInt(10); !got.Equal(want) {
		t.Errorf("OriginalQuantity() = %s, want %s", got, want)
	}
}

func TestOrderTypeIsCancellable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  OrderType
		want bool
	}{
		{Market, false},
		{Limit, true},
		{StopMarket, true},
		{StopLimit, true},
		{MarketIfTouched, true},
		{EnterLong, false},
		{ExitShort, false},
	}

	for _, tt := range tests {
		if got := tt.typ.IsCancellable(); got != tt.want {
			t.Errorf("%s.IsCancellable() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}
