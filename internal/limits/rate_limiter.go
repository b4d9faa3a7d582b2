package limits

import (
	"sync"
	"time"
)

// Policy configures one limiter category.
//
//	Points        - admissions granted per refill window
//	Duration      - refill window, started by the first admission of a key
//	BlockDuration - lockout applied once a request finds the bucket empty
type Policy struct {
	Points        int
	Duration      time.Duration
	BlockDuration time.Duration
}

// Decision is the outcome of an admission check. RetryAfter is always > 0 when
// Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// bucket is the per-key state.
type bucket struct {
	windowStart  time.Time
	used         int
	blockedUntil time.Time
	lastSeen     time.Time
}

// Limiter is a per-key token bucket that refills completely once per window,
// with a block penalty on exhaustion.
//
//	First request of a key   -> window opens, Points tokens available
//	Request with tokens left -> admitted, one token consumed
//	Request on empty bucket  -> rejected AND key blocked for BlockDuration
//	                            (never less than the rest of the window)
//	Request while blocked    -> rejected with the remaining block time
//	Window elapsed           -> bucket refilled
//
// More than Points requests inside one window are therefore always rejected for
// the remainder of that window, however they are spread out.
//
// Thread-safe: all methods may be called concurrently.
type Limiter struct {
	name   string
	policy Policy

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a limiter for one category. A policy with Points <= 0 or
// Duration <= 0 admits everything.
func NewLimiter(name string, policy Policy) *Limiter {
	return &Limiter{
		name:    name,
		policy:  policy,
		buckets: make(map[string]*bucket),
	}
}

// Name returns the category name, used for logs and metric labels.
func (l *Limiter) Name() string { return l.name }

// Policy returns the configured policy.
func (l *Limiter) Policy() Policy { return l.policy }

func (l *Limiter) disabled() bool {
	return l.policy.Points <= 0 || l.policy.Duration <= 0
}

// Admit consumes one token for key at time now.
func (l *Limiter) Admit(key string, now time.Time) Decision {
	if l.disabled() {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if now.Before(b.blockedUntil) {
		return Decision{RetryAfter: b.blockedUntil.Sub(now)}
	}

	windowEnd := b.windowStart.Add(l.policy.Duration)
	if !now.Before(windowEnd) {
		b.windowStart = now
		b.used = 0
		windowEnd = now.Add(l.policy.Duration)
	}

	if b.used < l.policy.Points {
		b.used++
		return Decision{Allowed: true}
	}

	until := windowEnd
	if l.policy.BlockDuration > 0 {
		if penalty := now.Add(l.policy.BlockDuration); penalty.After(until) {
			until = penalty
		}
		b.blockedUntil = until
	}
	return Decision{RetryAfter: until.Sub(now)}
}

// Forget drops the state of key, e.g. when a connection closes.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Prune drops keys whose window has elapsed, that are not blocked and that
// have been idle for at least idle. Returns the number of keys removed.
func (l *Limiter) Prune(now time.Time, idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if now.Before(b.blockedUntil) || now.Before(b.windowStart.Add(l.policy.Duration)) {
			continue
		}
		if now.Sub(b.lastSeen) >= idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
