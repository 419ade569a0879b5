package realtime

import (
	"sync"
	"time"

	"github.com/real-rm/dealroom/internal/ratelimit"
)

// sendResult is the outcome of one enqueue attempt
type sendResult int

const (
	sendOK sendResult = iota
	sendRateLimited
	sendBackpressure
	sendClosed
)

type presenceOutcome int

const (
	presenceChanged presenceOutcome = iota
	presenceUnchanged
	presenceThrottled
)

// Presence statuses announced by the manager itself
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Connection is one live client. The manager owns it; other packages only
// read its identity and id.
type Connection struct {
	ID       string
	Identity Identity

	transport Transport
	metrics   *ConnectionMetrics

	// send is never closed; done signals the writer and heartbeat to stop.
	send chan []byte
	done chan struct{}

	// sendMu serializes rate limiting and enqueue so per-user order holds
	sendMu  sync.Mutex
	limiter *ratelimit.RateLimiter
	closed  bool // guarded by sendMu

	// inMu guards the inbound budget and the last announced presence
	inMu            sync.Mutex
	inbound         *ratelimit.RateLimiter
	presenceUpdates *ratelimit.RateLimiter
	presence        string

	pong      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, identity Identity, transport Transport, opts Options, metrics *ConnectionMetrics) *Connection {
	return &Connection{
		ID:        id,
		Identity:  identity,
		transport: transport,
		metrics:   metrics,
		send:      make(chan []byte, opts.SendBuffer),
		done:      make(chan struct{}),
		limiter:   ratelimit.NewRateLimiter(opts.RateLimitMessages, opts.RateLimitWindow),
		pong:      make(chan struct{}, 1),

		inbound:         ratelimit.NewRateLimiter(opts.InboundRateLimit, opts.RateLimitWindow),
		presenceUpdates: ratelimit.NewRateLimiter(opts.PresenceUpdates, opts.RateLimitWindow),
		presence:        PresenceOnline,
	}
}

// admitInbound charges one client frame to the connection's own budget.
// first reports the first rejection of a window so the client is told once.
func (c *Connection) admitInbound() (ok, first bool, retryAfter time.Duration) {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if c.inbound.Allow() {
		return true, false, 0
	}
	return false, c.inbound.Count() == c.inbound.Max()+1, c.inbound.RetryAfter()
}

// presenceChange records a client status and reports whether it should be
// announced: unchanged statuses are not, and changes beyond the window's
// budget are dropped.
func (c *Connection) presenceChange(status string) presenceOutcome {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if status == c.presence {
		return presenceUnchanged
	}
	if !c.presenceUpdates.Allow() {
		return presenceThrottled
	}
	c.presence = status
	return presenceChanged
}

// enqueue places one frame on the outbound channel without blocking.
// Frames that bypass the limiter are control traffic (welcome, pings).
func (c *Connection) enqueue(data []byte, limited bool) sendResult {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return sendClosed
	}
	if limited && !c.limiter.Allow() {
		c.metrics.recordDrop()
		return sendRateLimited
	}

	select {
	case c.send <- data:
		c.metrics.recordSent(len(data))
		return sendOK
	default:
		c.metrics.recordDrop()
		return sendBackpressure
	}
}

// markClosed stops further enqueues and signals the connection goroutines.
// It reports true only for the first call.
func (c *Connection) markClosed() bool {
	first := false
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		c.sendMu.Unlock()
		close(c.done)
		first = true
	})
	return first
}

// Done is closed when the connection is retired
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// notePong hands a client pong to the heartbeat without blocking
func (c *Connection) notePong() {
	select {
	case c.pong <- struct{}{}:
	default:
	}
}

// Metrics returns a snapshot of the connection counters
func (c *Connection) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// Pending returns the number of frames waiting for the writer
func (c *Connection) Pending() int {
	return len(c.send)
}
