package timedevent

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduleOnceFiresOnceThenRetires(t *testing.T) {
	t.Parallel()

	h := New(testLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.ScheduleOnce("session-open", base.Add(time.Minute))

	if fired := h.Check(base); len(fired) != 0 {
		t.Fatalf("expected nothing fired before scheduled time, got %v", fired)
	}
	fired := h.Check(base.Add(time.Minute))
	if len(fired) != 1 || fired[0] != "session-open" {
		t.Fatalf("expected session-open to fire, got %v", fired)
	}
	if fired := h.Check(base.Add(2 * time.Minute)); len(fired) != 0 {
		t.Fatalf("expected one-off event not to refire, got %v", fired)
	}
}

func TestScheduleRecurringAdvancesBoundary(t *testing.T) {
	t.Parallel()

	h := New(testLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.ScheduleRecurring("heartbeat", base.Add(5*time.Second), 5*time.Second)

	if fired := h.Check(base.Add(4 * time.Second)); len(fired) != 0 {
		t.Fatalf("expected no firing before first boundary, got %v", fired)
	}
	fired := h.Check(base.Add(5 * time.Second))
	if len(fired) != 1 || fired[0] != "heartbeat" {
		t.Fatalf("expected heartbeat to fire at 5s, got %v", fired)
	}
	if fired := h.Check(base.Add(9 * time.Second)); len(fired) != 0 {
		t.Fatalf("expected no refire before next boundary, got %v", fired)
	}
	fired = h.Check(base.Add(10 * time.Second))
	if len(fired) != 1 || fired[0] != "heartbeat" {
		t.Fatalf("expected heartbeat to fire again at 10s, got %v", fired)
	}
}

func TestCheckResynchronizesAfterLargeGap(t *testing.T) {
	t.Parallel()

	h := New(testLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.ScheduleRecurring("heartbeat", base.Add(5*time.Second), 5*time.Second)

	fired := h.Check(base.Add(time.Hour))
	if len(fired) != 1 {
		t.Fatalf("expected a single catch-up firing after a large gap, got %v", fired)
	}
	if fired := h.Check(base.Add(time.Hour + 4*time.Second)); len(fired) != 0 {
		t.Fatalf("expected no refire before the resynchronized boundary, got %v", fired)
	}
}

func TestCancelRemovesBothKinds(t *testing.T) {
	t.Parallel()

	h := New(testLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.ScheduleOnce("a", base)
	h.ScheduleRecurring("a", base, time.Second)
	h.Cancel("a")

	if fired := h.Check(base); len(fired) != 0 {
		t.Fatalf("expected no events after cancel, got %v", fired)
	}
}
