// Package ratelimit gates calls to the external price service per endpoint.
//
// Each endpoint may be invoked at most once per window. A rejected check
// does not record an attempt, so the window is measured from the last
// call that actually went out.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is the minimum spacing between two calls to one endpoint.
const DefaultWindow = 60 * time.Second

// Limiter tracks the last permitted call per endpoint. Safe for
// concurrent use.
type Limiter struct {
	// Window is the minimum time between two calls to the same endpoint.
	Window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewLimiter creates a limiter with the given window. A non-positive
// window falls back to DefaultWindow.
func NewLimiter(window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		Window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// WithClock replaces the limiter's time source. Used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow reports whether endpoint may be called now. A permitted check
// records the call; a rejected one leaves the tracker untouched.
func (l *Limiter) Allow(endpoint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[endpoint]; ok && now.Sub(last) < l.Window {
		return false
	}
	l.last[endpoint] = now
	return true
}

// Record marks endpoint as called now without checking the window. Batch
// refreshes use it so that their traffic still counts against later
// single lookups.
func (l *Limiter) Record(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[endpoint] = l.now()
}

// Trackers returns the number of endpoints currently tracked.
func (l *Limiter) Trackers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}

// Prune forgets endpoints whose window has elapsed.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ep, last := range l.last {
		if now.Sub(last) >= l.Window {
			delete(l.last, ep)
		}
	}
}

// Reset forgets every endpoint.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = make(map[string]time.Time)
}
