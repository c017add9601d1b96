package evolution

import (
	"fmt"
	"sync"
	"time"

	"github.com/acehq/ace/errors"
)

// Limiter caps engine calls per minute over a sliding window. Allow
// consumes a slot; Refund hands the most recent slot back when a job that
// passed the gate turns out not to need the engine after all.
type Limiter struct {
	maxPerMinute int
	window       time.Duration
	mu           sync.Mutex
	calls        []time.Time
	timeNow      func() time.Time
}

// NewLimiter creates a limiter on the wall clock
func NewLimiter(maxCallsPerMinute int) *Limiter {
	return NewLimiterWithClock(maxCallsPerMinute, time.Now)
}

// NewLimiterWithClock lets tests drive the window with a fake clock
func NewLimiterWithClock(maxCallsPerMinute int, timeNow func() time.Time) *Limiter {
	return &Limiter{
		maxPerMinute: maxCallsPerMinute,
		window:       time.Minute,
		calls:        make([]time.Time, 0, maxCallsPerMinute),
		timeNow:      timeNow,
	}
}

// Allow consumes one call slot, refusing when the window is full
func (l *Limiter) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	l.expire(now)

	if len(l.calls) >= l.maxPerMinute {
		err := errors.Newf("engine call rate limit reached: %d per minute", l.maxPerMinute)
		return errors.WithDetail(err, fmt.Sprintf("calls in window: %d", len(l.calls)))
	}

	l.calls = append(l.calls, now)
	return nil
}

// Refund returns the most recently consumed slot. Workers call this on
// paths that took a slot but never reached the engine: a lost claim, an
// empty outcome snapshot.
func (l *Limiter) Refund() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.calls); n > 0 {
		l.calls = l.calls[:n-1]
	}
}

// Reset drops all recorded calls
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = l.calls[:0]
}

// Stats reports calls in the current window and slots left
func (l *Limiter) Stats() (callsInWindow int, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.expire(l.timeNow())

	callsInWindow = len(l.calls)
	remaining = l.maxPerMinute - callsInWindow
	if remaining < 0 {
		remaining = 0
	}
	return callsInWindow, remaining
}

// expire drops timestamps that have aged out of the window. The slice is
// append-ordered, so everything expired sits at the front. Callers hold
// the lock.
func (l *Limiter) expire(now time.Time) {
	cutoff := now.Add(-l.window)

	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	l.calls = l.calls[i:]
}
