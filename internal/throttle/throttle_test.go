package throttle

import (
	"testing"
	"time"
)

// Scenario 1 from the spec: throttle {key=remote-ip, concurrency=2} on
// 10.0.0.1. First two Acquire calls succeed, third is concurrency-limited.
// After dropping one permit, a fourth call succeeds immediately.
func TestConcurrencyScenario(t *testing.T) {
	k := NewKeyedConcurrencyLimiter(2)

	p1, err := k.Acquire("10.0.0.1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	p2, err := k.Acquire("10.0.0.1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if _, err := k.Acquire("10.0.0.1"); err != ErrConcurrencyLimited {
		t.Fatalf("third acquire: got %v, want ErrConcurrencyLimited", err)
	}

	p1.Drop()

	if _, err := k.Acquire("10.0.0.1"); err != nil {
		t.Fatalf("fourth acquire after drop: %v", err)
	}

	p2.Drop()
}

// Scenario 2 from the spec: throttle {key=sender, rate=2/1s}. Two
// acquisitions for a sender succeed, a third fails; a different sender
// succeeds; after the window elapses the original sender succeeds again.
func TestRateScenario(t *testing.T) {
	k := NewKeyedRateLimiter(RateSpec{Requests: 2, Period: time.Second})

	if err := k.IsAllowed("sender@test.org"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := k.IsAllowed("sender@test.org"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := k.IsAllowed("sender@test.org"); err != ErrRateLimited {
		t.Fatalf("third: got %v, want ErrRateLimited", err)
	}

	if err := k.IsAllowed("other-sender@test.org"); err != nil {
		t.Fatalf("other sender: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if err := k.IsAllowed("sender@test.org"); err != nil {
		t.Fatalf("after sleep: %v", err)
	}
}

func TestPermitDropIsSymmetric(t *testing.T) {
	l := NewConcurrencyLimiter(1)
	p, err := l.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if l.InFlight() != 1 {
		t.Fatalf("InFlight = %d, want 1", l.InFlight())
	}

	// Dropping twice must not under-flow the counter.
	p.Drop()
	p.Drop()

	if l.InFlight() != 0 {
		t.Fatalf("InFlight = %d, want 0", l.InFlight())
	}
}
