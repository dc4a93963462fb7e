// Package ratelimit implements fixed-window request counting with a global
// tier (authenticated or anonymous) and optional per-route tiers.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/earthapp/mantle/internal/kvstore"
)

// Rule bounds one scope to Max requests per Window.
type Rule struct {
	Scope  string
	Max    int
	Window time.Duration
}

func (r Rule) validate() error {
	if r.Scope == "" {
		return errors.New("ratelimit: rule scope required")
	}
	if r.Max <= 0 {
		return fmt.Errorf("ratelimit: rule %s: max must be positive", r.Scope)
	}
	if r.Window < time.Second {
		return fmt.Errorf("ratelimit: rule %s: window must be at least one second", r.Scope)
	}
	return nil
}

// Decision is the outcome of one check. Reset is identical for every request
// that falls into the same window.
type Decision struct {
	Scope     string
	Allowed   bool
	Remaining int
	Limit     int
	Window    time.Duration
	Reset     time.Time
	// Skipped marks a tier that was not evaluated because an earlier tier
	// already rejected the request. Remaining then reports the full limit,
	// since the request consumed nothing from this tier.
	Skipped bool
}

// RetryAfter is the whole number of seconds until the window resets, never less than one.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.Reset.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter counts requests in the shared store. Counters are keyed by scope,
// identity and window start, so a new window begins at zero without any reset.
type Limiter struct {
	store kvstore.Store
	now   func() time.Time
}

// NewLimiter builds a limiter over store. now defaults to time.Now.
func NewLimiter(store kvstore.Store, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{store: store, now: now}
}

// window returns the start and reset epochs for the window containing now.
func window(now time.Time, length time.Duration) (start, reset int64) {
	secs := int64(length / time.Second)
	start = now.Unix() / secs * secs
	return start, start + secs
}

// CounterKey is the storage key for identity's counter in the window starting at windowStart.
func CounterKey(scope, identity string, windowStart int64) string {
	return scope + ":" + identity + ":" + strconv.FormatInt(windowStart, 10)
}

// Check reads the current count and, when under the limit, increments it.
// A rejected request does not consume quota. Two concurrent requests may both
// read a count below the limit; the overshoot is bounded by the number of
// requests in flight.
func (l *Limiter) Check(ctx context.Context, rule Rule, identity string) (Decision, error) {
	now := l.now()
	start, reset := window(now, rule.Window)
	decision := Decision{
		Scope:  rule.Scope,
		Limit:  rule.Max,
		Window: rule.Window,
		Reset:  time.Unix(reset, 0),
	}
	key := CounterKey(rule.Scope, identity, start)

	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return decision, fmt.Errorf("ratelimit: read %s: %w", rule.Scope, err)
	}
	var count int64
	if ok {
		count, _ = strconv.ParseInt(string(raw), 10, 64)
	}
	if count >= int64(rule.Max) {
		return decision, nil
	}

	ttl := time.Unix(reset, 0).Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	count, err = l.store.Increment(ctx, key, ttl)
	if err != nil {
		return decision, fmt.Errorf("ratelimit: increment %s: %w", rule.Scope, err)
	}
	decision.Allowed = true
	decision.Remaining = max(0, rule.Max-int(count))
	return decision, nil
}

// Skip describes rule without touching the store.
func (l *Limiter) Skip(rule Rule) Decision {
	_, reset := window(l.now(), rule.Window)
	return Decision{
		Scope:     rule.Scope,
		Remaining: rule.Max,
		Limit:     rule.Max,
		Window:    rule.Window,
		Reset:     time.Unix(reset, 0),
		Skipped:   true,
	}
}

// Now exposes the limiter clock so responses can compute Retry-After consistently.
func (l *Limiter) Now() time.Time { return l.now() }
