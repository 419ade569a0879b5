package ratelimit

import (
	"sync"
	"time"

	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/golog"
)

// MessageLimiter limits events per key using a sliding window. Keys are user
// ids for the HTTP endpoints and document ids for progress throttling.
type MessageLimiter struct {
	events map[string][]time.Time
	window time.Duration
	limit  int
	now    func() time.Time
	mu     sync.Mutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	cleanupWg       sync.WaitGroup
	logger          *golog.Logger
}

// NewMessageLimiter creates a sliding window limiter allowing limit events per window
func NewMessageLimiter(window time.Duration, limit int) *MessageLimiter {
	return &MessageLimiter{
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           limit,
		now:             time.Now,
		cleanupInterval: constants.DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
}

// SetLogger enables debug logging of cleanup passes
func (ml *MessageLimiter) SetLogger(logger *golog.Logger) {
	ml.logger = logger
}

// SetCleanupInterval overrides the background cleanup period. Call before StartCleanup.
func (ml *MessageLimiter) SetCleanupInterval(d time.Duration) {
	ml.cleanupInterval = d
}

// SetClock replaces the time source. Call before the limiter is shared.
func (ml *MessageLimiter) SetClock(now func() time.Time) {
	ml.now = now
}

// Allow records an event for key and reports whether it is within the limit
func (ml *MessageLimiter) Allow(key string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	recent := pruneBefore(ml.events[key], now.Add(-ml.window))
	if len(recent) >= ml.limit {
		ml.events[key] = recent
		return false
	}
	ml.events[key] = append(recent, now)
	return true
}

// GetRetryAfter returns milliseconds until key may send again, 0 when it may send now
func (ml *MessageLimiter) GetRetryAfter(key string) int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	recent := pruneBefore(ml.events[key], now.Add(-ml.window))
	if len(recent) < ml.limit || len(recent) == 0 {
		return 0
	}
	retryAfter := recent[0].Add(ml.window).Sub(now)
	if retryAfter < 0 {
		return 0
	}
	return int(retryAfter.Milliseconds())
}

// Reset clears the history for key
func (ml *MessageLimiter) Reset(key string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.events, key)
}

// Cleanup removes expired events and returns how many were dropped
func (ml *MessageLimiter) Cleanup() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cutoff := ml.now().Add(-ml.window)
	removed := 0
	for key, events := range ml.events {
		recent := pruneBefore(events, cutoff)
		removed += len(events) - len(recent)
		if len(recent) == 0 {
			delete(ml.events, key)
		} else {
			ml.events[key] = recent
		}
	}
	return removed
}

// Keys returns the number of tracked keys
func (ml *MessageLimiter) Keys() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.events)
}

// StartCleanup starts a background goroutine that periodically removes expired events
func (ml *MessageLimiter) StartCleanup() {
	ml.cleanupWg.Add(1)
	go func() {
		defer ml.cleanupWg.Done()
		ticker := time.NewTicker(ml.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if removed := ml.Cleanup(); removed > 0 && ml.logger != nil {
					ml.logger.Debug("Rate limiter cleanup", "component", "ratelimit", "removed", removed)
				}
			case <-ml.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it. Safe to call more than once.
func (ml *MessageLimiter) StopCleanup() {
	ml.stopOnce.Do(func() { close(ml.stopCleanup) })
	ml.cleanupWg.Wait()
}

// pruneBefore returns the suffix of events newer than cutoff. events is sorted ascending.
func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append([]time.Time(nil), events[i:]...)
}
