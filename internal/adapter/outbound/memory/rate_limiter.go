// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelsca/sca/internal/domain/ratelimit"
)

// MemoryRateLimiter implements ratelimit.RateLimiter using an exact sliding
// window in memory: each key tracks a deque of admission timestamps, and a
// request is allowed iff fewer than config.Rate timestamps remain in the
// trailing config.Period window. REDESIGNED from a GCRA implementation (see
// internal/domain/ratelimit/limiter.go doc comment) to give boundary-exact
// "first N admitted, N+1-th rejected and consumes no quota" semantics,
// grounded on original_source/sentinel_api.py's RATE_LIMIT_MAX/
// RATE_LIMIT_WINDOW_SEC. Thread-safe for concurrent access. Includes
// background cleanup to prevent unbounded memory growth.
type MemoryRateLimiter struct {
	windows         map[string][]time.Time // admission timestamps, oldest first
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
}

// NewRateLimiter creates a new in-memory rate limiter with default cleanup settings.
// Default cleanup interval: 5 minutes, default maxTTL: 1 hour.
func NewRateLimiter() *MemoryRateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, 1*time.Hour)
}

// NewRateLimiterWithConfig creates a new in-memory rate limiter with custom cleanup settings.
// cleanupInterval: how often to run cleanup (e.g., 5 minutes)
// maxTTL: maximum age of a key's last activity before removal (e.g., 1 hour)
func NewRateLimiterWithConfig(cleanupInterval, maxTTL time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows:         make(map[string][]time.Time),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
	}
}

// Allow checks if a request is allowed under the given rate limit config
// using an exact sliding window: at most config.Rate admissions are allowed
// in any trailing config.Period window. A rejected call does not consume
// quota — the window is only appended to on admission.
func (r *MemoryRateLimiter) Allow(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	if config.Rate <= 0 {
		config.Rate = 1
	}
	if config.Period <= 0 {
		config.Period = time.Minute
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-config.Period)

	window := dropBefore(r.windows[key], cutoff)

	if len(window) >= config.Rate {
		r.windows[key] = window
		oldest := window[0]
		return ratelimit.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: oldest.Add(config.Period).Sub(now),
			ResetAfter: oldest.Add(config.Period).Sub(now),
		}, nil
	}

	window = append(window, now)
	r.windows[key] = window

	remaining := config.Rate - len(window)
	resetAfter := config.Period
	if len(window) > 0 {
		resetAfter = window[0].Add(config.Period).Sub(now)
	}

	return ratelimit.RateLimitResult{
		Allowed:    true,
		Remaining:  remaining,
		RetryAfter: 0,
		ResetAfter: resetAfter,
	}, nil
}

// dropBefore returns the suffix of ts with all entries strictly before
// cutoff removed, reusing the backing array since callers always replace
// the map entry with the result.
func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// StartCleanup starts the background cleanup goroutine.
// The goroutine periodically removes keys whose most recent admission is
// older than maxTTL. It stops when ctx is cancelled or Stop() is called.
func (r *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes keys with no activity in the last maxTTL from the rate
// limiter. This method acquires a write lock and should only be called
// by the background cleanup goroutine.
func (r *MemoryRateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.maxTTL)
	cleaned := 0

	for key, window := range r.windows {
		if len(window) == 0 || window[len(window)-1].Before(cutoff) {
			delete(r.windows, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.windows))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *MemoryRateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
// Useful for testing and monitoring memory usage.
func (r *MemoryRateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// Compile-time interface verification.
var _ ratelimit.RateLimiter = (*MemoryRateLimiter)(nil)
