package load

import (
	"sync"
	"time"
)

type counterKey struct {
	userID string
	event  string
}

// RateCounter tracks a per-(userId, event) count that resets once per
// second.
type RateCounter struct {
	mu      sync.Mutex
	counts  map[counterKey]int
	windowStart time.Time
}

// NewRateCounter returns an empty RateCounter.
func NewRateCounter() *RateCounter {
	return &RateCounter{
		counts:      make(map[counterKey]int),
		windowStart: time.Now(),
	}
}

// Allow increments the counter for (userID, event) and reports whether it
// stayed under limit for the current one-second window.
func (r *RateCounter) Allow(userID, event string, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.windowStart) >= time.Second {
		r.counts = make(map[counterKey]int)
		r.windowStart = now
	}

	key := counterKey{userID: userID, event: event}
	r.counts[key]++
	return r.counts[key] <= limit
}
