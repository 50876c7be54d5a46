package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of a single fixed-window check.
type Decision struct {
	Limited   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Check(key string, window time.Duration, limit int) Decision
}

// InMemoryLimiter keeps fixed-window counters per key. Windows reset when the
// current time passes the recorded reset; each check increments then
// compares, so memory is bounded by active keys, not request volume.
type InMemoryLimiter struct {
	mu    sync.Mutex
	items map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{items: make(map[string]entry)}
}

func (l *InMemoryLimiter) Check(key string, window time.Duration, limit int) Decision {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{count: 0, resetAt: now.Add(window)}
	}
	curr.count++
	l.items[key] = curr
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Limited:   curr.count > limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

// Sweep drops entries whose window has fully elapsed. Driven by a periodic
// loop in the host process so Check stays O(1).
func (l *InMemoryLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
			removed++
		}
	}
	return removed
}

// ActiveKeys reports the number of live counters, for operational gauges.
func (l *InMemoryLimiter) ActiveKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
