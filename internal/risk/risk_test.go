package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testAccount = types.Account{Brokerage: "sim", AccountID: "A1"}
var otherAccount = types.Account{Brokerage: "sim", AccountID: "A2"}

func testConfig() Config {
	return Config{
		MaxExposurePerAccount: dec("10000"),
		MaxGlobalExposure:     dec("15000"),
		MaxDailyLoss:          dec("1000"),
		KillSwitchDropPct:     dec("0.05"),
		KillSwitchWindow:      time.Minute,
		CooldownAfterKill:     time.Hour,
	}
}

func TestReportUnderLimitsDoesNotKill(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	rm.processReport(PositionReport{Account: testAccount, ExposureUsed: dec("5000"), Time: time.Now()})

	if rm.IsKillSwitchActive() {
		t.Fatalf("expected kill switch inactive")
	}
}

func TestReportPerAccountExposureBreachKills(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	rm.processReport(PositionReport{Account: testAccount, ExposureUsed: dec("10500"), Time: time.Now()})

	if !rm.IsKillSwitchActive() {
		t.Fatalf("expected kill switch active after per-account breach")
	}
	select {
	case sig := <-rm.KillCh():
		if sig.Account != testAccount {
			t.Fatalf("expected kill signal for %v, got %v", testAccount, sig.Account)
		}
	default:
		t.Fatalf("expected a kill signal on the channel")
	}
}

func TestReportGlobalExposureBreachKillsGlobally(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	rm.processReport(PositionReport{Account: testAccount, ExposureUsed: dec("8000"), Time: time.Now()})
	rm.processReport(PositionReport{Account: otherAccount, ExposureUsed: dec("8000"), Time: time.Now()})

	if !rm.IsKillSwitchActive() {
		t.Fatalf("expected kill switch active after global breach")
	}
}

func TestReportDailyLossBreachKills(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	rm.processReport(PositionReport{
		Account: testAccount, ExposureUsed: dec("1000"),
		RealizedPnL: dec("-1200"), Time: time.Now(),
	})

	if !rm.IsKillSwitchActive() {
		t.Fatalf("expected kill switch active after daily loss breach")
	}
}

func TestCheckPriceMovementNormalDoesNotKill(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	now := time.Now()
	rm.processReport(PositionReport{Account: testAccount, MarketPrice: dec("100"), Time: now})
	rm.processReport(PositionReport{Account: testAccount, MarketPrice: dec("101"), Time: now.Add(time.Second)})

	if rm.IsKillSwitchActive() {
		t.Fatalf("expected no kill switch for a 1%% move")
	}
}

func TestCheckPriceMovementSpikeKills(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	now := time.Now()
	rm.processReport(PositionReport{Account: testAccount, MarketPrice: dec("100"), Time: now})
	rm.processReport(PositionReport{Account: testAccount, MarketPrice: dec("110"), Time: now.Add(time.Second)})

	if !rm.IsKillSwitchActive() {
		t.Fatalf("expected kill switch active after a 10%% move within the window")
	}
}

func TestCheckPriceMovementResetsAnchorOutsideWindow(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	now := time.Now()
	rm.processReport(PositionReport{Account: testAccount, MarketPrice: dec("100"), Time: now})
	rm.processReport(PositionReport{Account: testAccount, MarketPrice: dec("110"), Time: now.Add(2 * time.Minute)})

	if rm.IsKillSwitchActive() {
		t.Fatalf("expected the anchor to reset once the window elapsed, no kill")
	}
}

func TestRemainingBudgetConstrainedByPerAccountLimit(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	rm.processReport(PositionReport{Account: testAccount, ExposureUsed: dec("7000"), Time: time.Now()})

	got := rm.RemainingBudget(testAccount)
	want := dec("3000")
	if !got.Equal(want) {
		t.Fatalf("RemainingBudget = %s, want %s", got, want)
	}
}

func TestRemainingBudgetConstrainedByGlobalLimit(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	rm.processReport(PositionReport{Account: testAccount, ExposureUsed: dec("5000"), Time: time.Now()})
	rm.processReport(PositionReport{Account: otherAccount, ExposureUsed: dec("9000"), Time: time.Now()})

	got := rm.RemainingBudget(testAccount)
	want := dec("1000") // global headroom (15000-14000) is tighter than per-account (10000-5000)
	if !got.Equal(want) {
		t.Fatalf("RemainingBudget = %s, want %s", got, want)
	}
}

func TestKillSwitchClearsAfterCooldown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CooldownAfterKill = time.Millisecond
	rm := New(cfg, testLogger())
	rm.processReport(PositionReport{Account: testAccount, ExposureUsed: dec("20000"), Time: time.Now()})

	if !rm.IsKillSwitchActive() {
		t.Fatalf("expected kill switch active immediately after breach")
	}
	time.Sleep(5 * time.Millisecond)
	if rm.IsKillSwitchActive() {
		t.Fatalf("expected kill switch cleared after cooldown elapsed")
	}
}

func TestRemoveAccountDropsItFromTotals(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	rm.processReport(PositionReport{Account: testAccount, ExposureUsed: dec("5000"), Time: time.Now()})
	rm.RemoveAccount(testAccount)

	snap := rm.Snapshot()
	if snap.AccountsTracked != 0 {
		t.Fatalf("expected 0 tracked accounts after removal, got %d", snap.AccountsTracked)
	}
	if !snap.GlobalExposure.IsZero() {
		t.Fatalf("expected global exposure reset after removal, got %s", snap.GlobalExposure)
	}
}

func TestCheckOrderRejectsWhileKillSwitchActive(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	rm.processReport(PositionReport{Account: testAccount, ExposureUsed: dec("20000"), Time: time.Now()})

	reason, ok := rm.CheckOrder(dec("100"), dec("100000"))
	if ok {
		t.Fatalf("expected order rejected while kill switch active")
	}
	if reason == "" {
		t.Fatalf("expected a rejection reason")
	}
}

func TestCheckOrderRejectsInsufficientMargin(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	reason, ok := rm.CheckOrder(dec("500"), dec("100"))
	if ok {
		t.Fatalf("expected order rejected for insufficient margin")
	}
	if reason == "" {
		t.Fatalf("expected a rejection reason")
	}
}

func TestCheckOrderAllowsWithinMarginAndNoKillSwitch(t *testing.T) {
	t.Parallel()

	rm := New(testConfig(), testLogger())
	_, ok := rm.CheckOrder(dec("100"), dec("1000"))
	if !ok {
		t.Fatalf("expected order allowed within margin and no kill switch")
	}
}
