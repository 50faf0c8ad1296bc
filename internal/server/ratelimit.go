package server

import (
	"sync"
	"time"
)

// rateLimiter enforces a per-client cap over a rolling window. Every
// message type counts the same against the cap.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records one message for clientID and reports whether it is within
// the cap.
func (rl *rateLimiter) Allow(clientID string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.hits[clientID]
	for len(recent) > 0 && recent[0].Before(cutoff) {
		recent = recent[1:]
	}
	if len(recent) >= rl.limit {
		rl.hits[clientID] = recent
		return false
	}
	rl.hits[clientID] = append(recent, now)
	return true
}

// Forget drops a disconnected client's window.
func (rl *rateLimiter) Forget(clientID string) {
	rl.mu.Lock()
	delete(rl.hits, clientID)
	rl.mu.Unlock()
}
