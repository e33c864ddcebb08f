package limiter

import "testing"

func floatPtr(v float64) *float64 { return &v }

func TestBudgetTracker_AllowsUnderCeiling(t *testing.T) {
	b := NewBudgetTracker(floatPtr(10), nil, nil)
	b.Record(5)

	if window, err := b.Check(); err != nil {
		t.Fatalf("expected admission under ceiling, got window=%q err=%v", window, err)
	}
}

func TestBudgetTracker_RejectsOverCeiling(t *testing.T) {
	b := NewBudgetTracker(floatPtr(10), nil, nil)
	b.Record(10)

	window, err := b.Check()
	if err == nil {
		t.Fatalf("expected budget exceeded error")
	}
	if window != "daily" {
		t.Fatalf("expected exceeded window %q, got %q", "daily", window)
	}
}

func TestBudgetTracker_UnsetCeilingsNeverReject(t *testing.T) {
	b := NewBudgetTracker(nil, nil, nil)
	b.Record(1_000_000)

	if _, err := b.Check(); err != nil {
		t.Fatalf("expected no ceiling to mean unlimited, got %v", err)
	}
}

func TestBudgetTracker_ChecksWindowsInOrder(t *testing.T) {
	b := NewBudgetTracker(floatPtr(1), floatPtr(100), nil)
	b.Record(1)

	window, err := b.Check()
	if err == nil {
		t.Fatalf("expected the daily ceiling to reject first")
	}
	if window != "daily" {
		t.Fatalf("expected %q to be reported before weekly, got %q", "daily", window)
	}
}
