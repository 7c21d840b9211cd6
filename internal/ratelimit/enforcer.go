// Package ratelimit counts requests per key in fixed windows.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Exceeded bool
	Current  int
	Limit    int
	Reason   string
}

// Check compares the current count against the limit.
func Check(count int, limit Limit) Result {
	if !limit.Enabled() {
		return Result{}
	}
	if count >= limit.MaxRequests {
		return Result{
			Exceeded: true,
			Current:  count,
			Limit:    limit.MaxRequests,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d requests in %s window",
				count, limit.MaxRequests, limit.Window),
		}
	}
	return Result{}
}

// Limiter applies one Limit to many keys.
type Limiter struct {
	limit Limit

	mu      sync.Mutex
	windows map[string]*window
}

// New returns a limiter. A disabled limit allows everything.
func New(limit Limit) *Limiter {
	return &Limiter{limit: limit, windows: make(map[string]*window)}
}

// Allow checks key against the limit and counts the request when it passes.
// A nil limiter allows everything.
func (l *Limiter) Allow(key string, now time.Time) Result {
	if l == nil || !l.limit.Enabled() {
		return Result{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil {
		w = &window{start: now}
		l.windows[key] = w
	}
	result := Check(w.snapshot(l.limit.Window, now), l.limit)
	if !result.Exceeded {
		w.count++
	}
	return result
}

// Forget drops windows that expired before now.
func (l *Limiter) Forget(now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.limit.Window {
			delete(l.windows, k)
		}
	}
}
