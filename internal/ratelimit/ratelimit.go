// Package ratelimit provides the limiter family used by the realtime core:
// a fixed window limiter owned by each connection, a keyed sliding window
// limiter for HTTP endpoints and event throttling, and a concurrent
// connection limiter for WebSocket upgrades.
package ratelimit

import "time"

// RateLimiter accepts at most maxMessages calls to Allow per fixed window.
//
// It is not safe for concurrent use. Each connection owns one and serializes
// every call under its send mutex.
type RateLimiter struct {
	maxMessages int
	window      time.Duration
	count       int
	windowStart time.Time
	now         func() time.Time
}

// NewRateLimiter creates a fixed window limiter. The first window starts at creation.
func NewRateLimiter(maxMessages int, window time.Duration) *RateLimiter {
	return newRateLimiterWithClock(maxMessages, window, time.Now)
}

func newRateLimiterWithClock(maxMessages int, window time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		maxMessages: maxMessages,
		window:      window,
		windowStart: now(),
		now:         now,
	}
}

// Allow counts one send and reports whether it fits in the current window.
// Rejected sends are counted too, so a flood cannot extend its own window.
func (rl *RateLimiter) Allow() bool {
	now := rl.now()
	if now.Sub(rl.windowStart) >= rl.window {
		rl.count = 0
		rl.windowStart = now
	}
	rl.count++
	return rl.count <= rl.maxMessages
}

// RetryAfter returns the time left in the current window once it is exhausted, else 0.
func (rl *RateLimiter) RetryAfter() time.Duration {
	if rl.count < rl.maxMessages {
		return 0
	}
	left := rl.window - rl.now().Sub(rl.windowStart)
	if left < 0 {
		return 0
	}
	return left
}

// Max returns the number of sends accepted per window.
func (rl *RateLimiter) Max() int {
	return rl.maxMessages
}

// Count returns the number of sends seen in the current window.
func (rl *RateLimiter) Count() int {
	return rl.count
}
