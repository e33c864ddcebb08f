package forward

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{ErrorThreshold: 3, TimeWindow: time.Minute, HalfOpenTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		if !cb.Allow("up-1") {
			t.Fatalf("expected closed breaker to allow attempt %d", i)
		}
		cb.RecordFailure("up-1")
	}
	if !cb.Allow("up-1") {
		t.Fatalf("expected breaker still closed after 2 failures")
	}
	cb.RecordFailure("up-1")

	if cb.Allow("up-1") {
		t.Fatalf("expected breaker open after reaching error threshold")
	}
	if got := cb.StateLabel("up-1"); got != "open" {
		t.Fatalf("expected state label %q, got %q", "open", got)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{ErrorThreshold: 1, TimeWindow: time.Minute, HalfOpenTimeout: time.Millisecond})

	cb.RecordFailure("up-1")
	if cb.Allow("up-1") {
		t.Fatalf("expected breaker open immediately after opening")
	}

	time.Sleep(5 * time.Millisecond)

	if !cb.Allow("up-1") {
		t.Fatalf("expected half-open probe to be allowed once timeout elapses")
	}
	if got := cb.StateLabel("up-1"); got != "half_open" {
		t.Fatalf("expected state label %q, got %q", "half_open", got)
	}
	// A second concurrent attempt must not also be let through as a probe.
	if cb.Allow("up-1") {
		t.Fatalf("expected only one in-flight probe to be allowed")
	}
}

func TestCircuitBreaker_SuccessResetsState(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{ErrorThreshold: 2, TimeWindow: time.Minute, HalfOpenTimeout: time.Millisecond})

	cb.RecordFailure("up-1")
	cb.RecordFailure("up-1")
	if cb.Allow("up-1") {
		t.Fatalf("expected breaker open after reaching threshold")
	}

	time.Sleep(5 * time.Millisecond)
	if !cb.Allow("up-1") {
		t.Fatalf("expected half-open probe to be allowed")
	}
	cb.RecordSuccess("up-1")

	if got := cb.StateLabel("up-1"); got != "closed" {
		t.Fatalf("expected state label %q after success, got %q", "closed", got)
	}
	if !cb.Allow("up-1") {
		t.Fatalf("expected closed breaker to allow requests again")
	}
}

func TestCircuitBreaker_UnseenUpstreamStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})
	if !cb.Allow("never-seen") {
		t.Fatalf("expected an upstream never recorded against to start closed (optimistic allow)")
	}
}
