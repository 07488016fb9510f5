// ABOUTME: Process-wide daily budget for provider API calls.
// ABOUTME: Serializes check-and-increment and lazily resets at the calendar-day boundary.

package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultDailyLimit is applied when a Limiter is constructed with a
// non-positive limit.
const DefaultDailyLimit = 25

// dateLayout is the process-local calendar date used for reset detection.
const dateLayout = "2006-01-02"

// Limiter enforces a process-wide daily cap on provider calls. The counter
// resets lazily: the first check after a calendar-day change zeroes it before
// evaluating the limit. No timer is involved — if nothing checks, nothing
// resets.
type Limiter struct {
	mu        sync.Mutex
	count     int
	limit     int
	lastReset string
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source. Used by tests to simulate day changes.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a daily limiter. Non-positive limits fall back to
// DefaultDailyLimit. Pass nil logger for the default.
func New(limit int, logger *slog.Logger, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		limit:  limit,
		now:    time.Now,
		logger: logger.With("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastReset = l.now().Format(dateLayout)
	return l
}

// CheckAndIncrement reports whether another provider call is permitted today,
// consuming one unit of the budget when it is. Denials leave the counter
// unchanged. Safe for concurrent use; the check and increment are a single
// critical section so racing callers cannot jointly exceed the limit.
func (l *Limiter) CheckAndIncrement() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfNewDayLocked()

	if l.count < l.limit {
		l.count++
		l.logger.Debug("api call permitted", "count", l.count, "limit", l.limit)
		return true
	}

	l.logger.Warn("daily api limit reached, call blocked", "limit", l.limit)
	return false
}

// Snapshot returns the current counter, the configured limit, and the date
// the counter last reset. The reset check runs first so a snapshot taken
// after midnight reflects the new day.
func (l *Limiter) Snapshot() (count, limit int, date string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfNewDayLocked()
	return l.count, l.limit, l.lastReset
}

// resetIfNewDayLocked zeroes the counter when the calendar date has moved on
// since the last reset. Must be called with mu held.
func (l *Limiter) resetIfNewDayLocked() {
	today := l.now().Format(dateLayout)
	if today == l.lastReset {
		return
	}

	l.logger.Info("midnight reset",
		"previous_count", l.count,
		"previous_date", l.lastReset,
		"new_date", today)
	l.count = 0
	l.lastReset = today
}
