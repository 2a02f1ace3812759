package authserver

import (
	"sync"
	"time"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// RateLimiter limits requests per key, usually a client IP, with a sliding
// window:
//   - each key may make at most Requests requests within Window
//   - rejected requests are not recorded
//   - Cleanup drops keys without recent requests
type RateLimiter struct {
	mu sync.Mutex

	max    int
	window time.Duration
	now    func() time.Time

	hits map[string][]time.Time
}

// NewRateLimiter creates a limiter. Zero values in cfg fall back to defaults.
func NewRateLimiter(cfg config.RateLimitConfig, now func() time.Time) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = config.DefaultRateLimitRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = config.DefaultRateLimitWindow
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		max:    cfg.Requests,
		window: cfg.Window,
		now:    now,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records a request for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.recentLocked(key, now)
	if len(recent) >= rl.max {
		rl.hits[key] = recent
		logging.Warn("AuthServer", "Rate limit exceeded for %s (%d requests in %v)", key, len(recent), rl.window)
		return false
	}
	rl.hits[key] = append(recent, now)
	return true
}

// Remaining returns how many more requests key may make in the current window.
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return max(rl.max-len(rl.recentLocked(key, rl.now())), 0)
}

// Cleanup drops keys without requests in the current window and returns how
// many were dropped.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	dropped := 0
	for key := range rl.hits {
		recent := rl.recentLocked(key, now)
		if len(recent) == 0 {
			delete(rl.hits, key)
			dropped++
			continue
		}
		rl.hits[key] = recent
	}
	return dropped
}

func (rl *RateLimiter) recentLocked(key string, now time.Time) []time.Time {
	windowStart := now.Add(-rl.window)
	var recent []time.Time
	for _, t := range rl.hits[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}
	return recent
}
