package realtime

import (
	"time"

	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/golog"
)

// Options tunes a Manager. Zero fields fall back to the defaults.
type Options struct {
	QueueSize         int           // offline envelopes kept per user
	RateLimitMessages int           // accepted sends per connection per window
	RateLimitWindow   time.Duration // fixed rate limit window
	SendBuffer        int           // outbound channel capacity
	PingInterval      time.Duration
	PongTimeout       time.Duration
	MaxMissedPongs    int
	InboundRateLimit  int           // client frames accepted per connection per window
	PresenceUpdates   int           // client presence changes fanned out per connection per window
	QueueTTL          time.Duration // offline queues idle this long are discarded
	QueueSweep        time.Duration // how often idle queues are looked for
	Logger            *golog.Logger
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		QueueSize:         constants.DefaultQueueSize,
		RateLimitMessages: constants.DefaultRateLimitMessages,
		RateLimitWindow:   constants.DefaultRateLimitWindow,
		SendBuffer:        constants.DefaultSendBuffer,
		PingInterval:      constants.DefaultPingInterval,
		PongTimeout:       constants.DefaultPongTimeout,
		MaxMissedPongs:    constants.DefaultMaxMissedPongs,
		InboundRateLimit:  constants.DefaultRateLimitMessages,
		PresenceUpdates:   constants.DefaultPresenceUpdates,
		QueueTTL:          constants.DefaultQueueTTL,
		QueueSweep:        constants.DefaultCleanupInterval,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.RateLimitMessages <= 0 {
		o.RateLimitMessages = d.RateLimitMessages
	}
	if o.RateLimitWindow <= 0 {
		o.RateLimitWindow = d.RateLimitWindow
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = d.PongTimeout
	}
	if o.MaxMissedPongs <= 0 {
		o.MaxMissedPongs = d.MaxMissedPongs
	}
	if o.InboundRateLimit <= 0 {
		o.InboundRateLimit = d.InboundRateLimit
	}
	if o.PresenceUpdates <= 0 {
		o.PresenceUpdates = d.PresenceUpdates
	}
	if o.QueueTTL <= 0 {
		o.QueueTTL = d.QueueTTL
	}
	if o.QueueSweep <= 0 {
		o.QueueSweep = d.QueueSweep
	}
	return o
}
