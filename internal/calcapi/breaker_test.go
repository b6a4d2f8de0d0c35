package calcapi

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(failures, successes int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(failures, successes, timeout)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, time.Second)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after 2 failures = %v, want nil", err)
	}
	cb.RecordFailure()
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() after 3 failures = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_successResetsFailureRun(t *testing.T) {
	cb, _ := newTestBreaker(2, 1, time.Second)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != BreakerClosed {
		t.Errorf("State() = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_halfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(1, 2, time.Second)

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("State() = %s, want open", cb.State())
	}

	clock.t = clock.t.Add(2 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("State() = %s, want half-open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != BreakerHalfOpen {
		t.Errorf("State() after 1 probe = %s, want half-open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Errorf("State() after 2 probes = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_halfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, 1, time.Second)

	cb.RecordFailure()
	clock.t = clock.t.Add(2 * time.Second)
	_ = cb.Allow()
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Errorf("State() = %s, want open", cb.State())
	}
}

func TestCircuitBreaker_onStateChange(t *testing.T) {
	cb, clock := newTestBreaker(1, 1, time.Second)

	var seen []BreakerState
	cb.OnStateChange(func(s BreakerState) { seen = append(seen, s) })

	cb.RecordFailure()
	clock.t = clock.t.Add(2 * time.Second)
	_ = cb.Allow()
	cb.RecordSuccess()

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestNewCircuitBreaker_defaults(t *testing.T) {
	cb := NewCircuitBreaker(0, 0, 0)
	if cb.failureThreshold != 5 || cb.successThreshold != 2 || cb.timeout != 30*time.Second {
		t.Errorf("defaults = %d/%d/%v", cb.failureThreshold, cb.successThreshold, cb.timeout)
	}
}
