package auth

import (
	"sync"
	"time"
)

// Rate limit policy: per source address, sliding 60-second window, five
// failures block further auth attempts until the window rolls off.
// Success does not reset the window.
const (
	rateLimitMaxFailures = 5
	rateLimitWindow      = 60 * time.Second
)

type rateEntry struct {
	failures    int
	windowStart time.Time
}

// Limiter tracks auth failures per source address.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*rateEntry
	now     func() time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{entries: make(map[string]*rateEntry), now: time.Now}
}

// Allow reports whether an auth attempt from addr may proceed.
func (l *Limiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(addr)
	return e.failures < rateLimitMaxFailures
}

// RecordFailure counts one failed auth attempt from addr.
func (l *Limiter) RecordFailure(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(addr)
	e.failures++
}

// entry returns the live window for addr, resetting it when the previous
// window has rolled off. Caller holds the lock.
func (l *Limiter) entry(addr string) *rateEntry {
	e, ok := l.entries[addr]
	if !ok {
		e = &rateEntry{windowStart: l.now()}
		l.entries[addr] = e
		return e
	}
	if l.now().Sub(e.windowStart) >= rateLimitWindow {
		e.failures = 0
		e.windowStart = l.now()
	}
	return e
}
