// Package ratelimit tracks the remaining upstream call quota per connected
// account. Decisions are advisory and non-blocking: a denied caller gets
// the time until the window resets and decides itself whether to wait,
// queue, or serve stale cache.
package ratelimit

import (
	"log"
	"sync"
	"time"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // only set when denied
}

// quota is the rolling-window call counter for one account.
type quota struct {
	mu          sync.Mutex
	windowStart time.Time
	callsUsed   int
}

// Limiter holds per-account quota state. Accounts are independent: each
// has its own lock, so patients never contend with each other.
type Limiter struct {
	mu       sync.Mutex
	accounts map[string]*quota
	now      func() time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		accounts: make(map[string]*quota),
		now:      time.Now,
	}
}

func (l *Limiter) account(key string) *quota {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.accounts[key]
	if !ok {
		q = &quota{}
		l.accounts[key] = q
	}
	return q
}

// TryAcquire atomically checks and consumes one call from the account's
// window. limit and window come from the platform catalog entry for the
// account. On exhaustion the caller is told when the window resets.
func (l *Limiter) TryAcquire(accountKey string, limit int, window time.Duration) Decision {
	q := l.account(accountKey)
	q.mu.Lock()
	defer q.mu.Unlock()

	now := l.now()
	if q.windowStart.IsZero() || !now.Before(q.windowStart.Add(window)) {
		q.windowStart = now
		q.callsUsed = 0
	}

	if q.callsUsed >= limit {
		retryAfter := q.windowStart.Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	q.callsUsed++
	return Decision{Allowed: true, Remaining: limit - q.callsUsed}
}

// ObserveResponse reconciles the local estimate with what the platform
// reported on a response. Other processes (or clock drift) can burn quota
// we never saw, so when the provider says fewer calls remain than we
// believe, the provider wins; the local count is never relaxed upward.
// resetIn, when positive, re-anchors the window end.
func (l *Limiter) ObserveResponse(accountKey string, limit int, window time.Duration, remaining int, resetIn time.Duration) {
	if remaining < 0 {
		return
	}

	q := l.account(accountKey)
	q.mu.Lock()
	defer q.mu.Unlock()

	now := l.now()
	if q.windowStart.IsZero() {
		q.windowStart = now
	}

	reportedUsed := limit - remaining
	if reportedUsed > q.callsUsed {
		log.Printf("⚖️ Quota reconciled for %s: local %d → provider %d calls used",
			accountKey, q.callsUsed, reportedUsed)
		q.callsUsed = reportedUsed
	}

	if resetIn > 0 {
		q.windowStart = now.Add(resetIn).Add(-window)
	}
}

// Snapshot reports the current window state for one account. The connection
// status listing renders this.
func (l *Limiter) Snapshot(accountKey string, limit int, window time.Duration) (used int, resetIn time.Duration) {
	q := l.account(accountKey)
	q.mu.Lock()
	defer q.mu.Unlock()

	now := l.now()
	if q.windowStart.IsZero() || !now.Before(q.windowStart.Add(window)) {
		return 0, window
	}
	return q.callsUsed, q.windowStart.Add(window).Sub(now)
}
