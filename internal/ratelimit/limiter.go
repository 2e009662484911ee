// Package ratelimit provides keyed token buckets for admission control.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per key. Authenticated callers are keyed
// by user id, anonymous callers by session id; the two keyspaces are kept
// apart by the caller's prefix.
type Limiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*rate.Limiter
}

// New constructs a limiter allowing perMinute admissions per key, with a
// burst of the same size.
func New(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &Limiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		visitors: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	visitor, ok := l.visitors[key]
	if !ok {
		visitor = rate.NewLimiter(l.limit, l.burst)
		l.visitors[key] = visitor
	}
	l.mu.Unlock()
	return visitor.Allow()
}
