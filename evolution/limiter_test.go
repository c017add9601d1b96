package evolution

import (
	"sync"
	"testing"
	"time"
)

// mockClock is a controllable clock for testing time-dependent behavior
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	clock := newMockClock()
	limiter := NewLimiterWithClock(3, clock.Now)

	// Given a limit of 3 calls per minute
	// When 3 calls arrive in the window
	// Then all of them are allowed
	for i := 0; i < 3; i++ {
		if err := limiter.Allow(); err != nil {
			t.Errorf("Call %d refused under the limit: %v", i+1, err)
		}
	}
}

func TestLimiter_RefusesAtLimit(t *testing.T) {
	clock := newMockClock()
	limiter := NewLimiterWithClock(2, clock.Now)

	// Given the window is full
	limiter.Allow()
	limiter.Allow()

	// When one more call arrives
	// Then it is refused
	if err := limiter.Allow(); err == nil {
		t.Error("Call allowed past the limit")
	}

	callsInWindow, remaining := limiter.Stats()
	if callsInWindow != 2 || remaining != 0 {
		t.Errorf("Stats = (%d, %d), want (2, 0)", callsInWindow, remaining)
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	clock := newMockClock()
	limiter := NewLimiterWithClock(2, clock.Now)

	// Given a full window
	limiter.Allow()
	limiter.Allow()
	if err := limiter.Allow(); err == nil {
		t.Fatal("Call allowed past the limit")
	}

	// When the old calls age out of the sliding window
	clock.Advance(61 * time.Second)

	// Then capacity is back
	if err := limiter.Allow(); err != nil {
		t.Errorf("Call refused after the window slid: %v", err)
	}

	callsInWindow, remaining := limiter.Stats()
	if callsInWindow != 1 || remaining != 1 {
		t.Errorf("Stats = (%d, %d), want (1, 1)", callsInWindow, remaining)
	}
}

func TestLimiter_PartialExpiry(t *testing.T) {
	clock := newMockClock()
	limiter := NewLimiterWithClock(2, clock.Now)

	// Given two calls 30 seconds apart
	limiter.Allow()
	clock.Advance(30 * time.Second)
	limiter.Allow()

	// When 31 more seconds pass, only the first call has expired
	clock.Advance(31 * time.Second)

	if err := limiter.Allow(); err != nil {
		t.Errorf("Call refused with one slot free: %v", err)
	}
	if err := limiter.Allow(); err == nil {
		t.Error("Call allowed with the window full again")
	}
}

func TestLimiter_RefundFreesSlot(t *testing.T) {
	clock := newMockClock()
	limiter := NewLimiterWithClock(1, clock.Now)

	// Given a consumed slot that never turned into an engine call
	if err := limiter.Allow(); err != nil {
		t.Fatalf("Call refused under the limit: %v", err)
	}
	limiter.Refund()

	// Then the slot is usable again
	if err := limiter.Allow(); err != nil {
		t.Errorf("Call refused after refund: %v", err)
	}

	// Refund on an empty window is a no-op
	limiter.Refund()
	limiter.Refund()
	if callsInWindow, remaining := limiter.Stats(); callsInWindow != 0 || remaining != 1 {
		t.Errorf("Stats = (%d, %d), want (0, 1)", callsInWindow, remaining)
	}
}

func TestLimiter_Reset(t *testing.T) {
	clock := newMockClock()
	limiter := NewLimiterWithClock(1, clock.Now)

	limiter.Allow()
	if err := limiter.Allow(); err == nil {
		t.Fatal("Call allowed past the limit")
	}

	limiter.Reset()

	if err := limiter.Allow(); err != nil {
		t.Errorf("Call refused after reset: %v", err)
	}
}
