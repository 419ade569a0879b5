package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/dealroom/internal/message"
	"github.com/real-rm/dealroom/internal/metrics"
	"github.com/real-rm/dealroom/internal/queue"
	"github.com/real-rm/dealroom/internal/rooms"
	"github.com/real-rm/dealroom/internal/util"
	"github.com/real-rm/golog"
)

// Manager owns every live connection, the room registry and the offline
// queues behind one lock. Lock order is manager lock, then a connection's
// send mutex.
type Manager struct {
	opts   Options
	logger *golog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	connections map[string]*Connection // userID -> active connection
	rooms       *rooms.Registry
	queues      map[string]*queue.MessageQueue
	seen        map[string]struct{}
	closed      bool
	stop        chan struct{} // closed with the manager; stops the queue sweeper

	// guarded by mu
	peak          int
	served        int64
	reconnects    int64
	retiredSent   int64
	retiredRecv   int64
	evictedQueued int64
	hooks         []LifecycleHook
	presenceHooks []PresenceHook

	rateLimitedDrops  atomic.Int64
	backpressureDrops atomic.Int64
	shutdownDrops     atomic.Int64
	heartbeats        atomic.Int64

	wg sync.WaitGroup // writers, heartbeats and hook calls
}

// NewManager creates a manager. opts.Logger is required.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:        opts,
		logger:      opts.Logger,
		now:         time.Now,
		connections: make(map[string]*Connection),
		rooms:       rooms.NewRegistry(),
		queues:      make(map[string]*queue.MessageQueue),
		seen:        make(map[string]struct{}),
		stop:        make(chan struct{}),
	}
	util.SafeGoWG(&m.wg, m.logger, "realtime-queue-sweeper", m.sweepQueues)
	return m
}

// AddHook registers a lifecycle observer. Hooks implementing PresenceHook
// also receive presence updates.
func (m *Manager) AddHook(h LifecycleHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
	if p, ok := h.(PresenceHook); ok {
		m.presenceHooks = append(m.presenceHooks, p)
	}
}

// Connect admits a connection for identity, superseding any live connection
// of the same user. Queued offline envelopes are delivered first, followed
// by a connection_established welcome.
func (m *Manager) Connect(ctx context.Context, transport Transport, identity Identity) (*Connection, error) {
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	conn := newConnection(util.NewConnectionID(), identity, transport, m.opts, newConnectionMetrics(now))
	userID := identity.UserID

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	var superseded *Report
	old := m.connections[userID]
	if old != nil {
		r := m.retireLocked(old, constants.ReasonSuperseded, now)
		superseded = &r
	}
	_, returning := m.seen[userID]
	if old != nil || returning {
		conn.metrics.reconnectCount.Add(1)
		m.reconnects++
		metrics.Reconnects.Inc()
	}

	m.connections[userID] = conn
	m.seen[userID] = struct{}{}
	m.served++
	if len(m.connections) > m.peak {
		m.peak = len(m.connections)
	}
	m.rooms.Join(rooms.Organization(identity.OrganizationID), userID)

	util.SafeGoWG(&m.wg, m.logger, "realtime-writer", func() { m.writeLoop(conn) })

	// backlog goes out before anyone else can reach the new connection. It
	// was admitted when queued, so it does not count against the new
	// connection's rate limit.
	var pending []queue.Queued
	if q := m.queues[userID]; q != nil {
		pending = q.PendingMessages()
		delete(m.queues, userID)
	}
	replayed := 0
	for _, p := range pending {
		data, err := m.encode(p.Replay(), now)
		if err != nil {
			continue
		}
		if m.recordResult(conn, conn.enqueue(data, false), p.Envelope.Type, len(data)) {
			replayed++
		}
	}
	metrics.OfflineReplayed.Add(float64(replayed))

	welcome := message.New(message.TypeConnectionEstablished, map[string]interface{}{
		"connection_id":   conn.ID,
		"user_id":         userID,
		"organization_id": identity.OrganizationID,
		"display_name":    identity.DisplayName,
		"queued_messages": len(pending),
	})
	m.sendControl(conn, welcome)

	m.heartbeats.Add(1)
	util.SafeGoWG(&m.wg, m.logger, "realtime-heartbeat", func() { m.heartbeatLoop(conn) })
	hooks := m.hooks
	m.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.WebSocketConnections.Inc()

	if superseded != nil {
		m.finishRetire(old, *superseded, hooks, false)
	}
	m.runHooks(hooks, conn.ID, func(ctx context.Context, h LifecycleHook) {
		h.OnConnect(ctx, conn.ID, identity, now)
	})

	m.logger.Info("Connection admitted",
		"component", "realtime",
		"user_id", userID,
		"organization_id", identity.OrganizationID,
		"connection_id", conn.ID,
		"replayed", replayed,
		"superseded", old != nil)

	if old == nil && m.isActive(conn) {
		m.broadcastPresence(identity, PresenceOnline)
	}
	return conn, nil
}

// Disconnect retires the user's live connection. It is idempotent.
func (m *Manager) Disconnect(userID string) bool {
	m.mu.Lock()
	conn := m.connections[userID]
	if conn == nil {
		m.mu.Unlock()
		return false
	}
	report := m.retireLocked(conn, constants.ReasonRequested, m.now().UTC())
	hooks := m.hooks
	m.mu.Unlock()

	m.finishRetire(conn, report, hooks, true)
	return true
}

// DisconnectConnection retires conn only if it is still the user's active
// connection, so a stale reader or writer can never retire its replacement.
func (m *Manager) DisconnectConnection(conn *Connection, reason string) bool {
	m.mu.Lock()
	if m.connections[conn.Identity.UserID] != conn {
		m.mu.Unlock()
		return false
	}
	report := m.retireLocked(conn, reason, m.now().UTC())
	hooks := m.hooks
	m.mu.Unlock()

	m.finishRetire(conn, report, hooks, true)
	return true
}

// retireLocked removes conn from every table and stops its goroutines.
// Caller holds m.mu.
func (m *Manager) retireLocked(conn *Connection, reason string, now time.Time) Report {
	userID := conn.Identity.UserID
	if m.connections[userID] == conn {
		delete(m.connections, userID)
	}
	left := m.rooms.RemoveUser(userID)
	conn.markClosed()

	snap := conn.metrics.Snapshot()
	m.retiredSent += snap.MessagesSent
	m.retiredRecv += snap.MessagesReceived

	return Report{
		ConnectionID:   conn.ID,
		Identity:       conn.Identity,
		Reason:         reason,
		ConnectedAt:    snap.ConnectedAt,
		DisconnectedAt: now,
		Rooms:          left,
		Metrics:        snap,
	}
}

// finishRetire does the slow part of a retirement outside the lock
func (m *Manager) finishRetire(conn *Connection, report Report, hooks []LifecycleHook, announce bool) {
	if err := conn.transport.Close(); err != nil {
		m.logger.Debug("Transport close failed", "component", "realtime", "connection_id", conn.ID, "error", err)
	}

	metrics.WebSocketConnections.Dec()
	metrics.Disconnects.WithLabelValues(report.Reason).Inc()

	m.logger.Info("Connection retired",
		"component", "realtime",
		"user_id", report.Identity.UserID,
		"connection_id", report.ConnectionID,
		"reason", report.Reason,
		"duration", report.Duration().String(),
		"messages_sent", report.Metrics.MessagesSent,
		"messages_received", report.Metrics.MessagesReceived,
		"bytes_sent", report.Metrics.BytesSent,
		"bytes_received", report.Metrics.BytesReceived,
		"errors", report.Metrics.ErrorCount,
		"dropped", report.Metrics.DroppedCount)

	m.runHooks(hooks, report.ConnectionID, func(ctx context.Context, h LifecycleHook) {
		h.OnDisconnect(ctx, report)
	})

	if announce && report.Reason != constants.ReasonShutdown {
		m.broadcastPresence(report.Identity, PresenceOffline)
	}
}

// runHooks calls fn for every hook on a tracked goroutine. The context
// carries the connection id.
func (m *Manager) runHooks(hooks []LifecycleHook, connectionID string, fn func(ctx context.Context, h LifecycleHook)) {
	for _, h := range hooks {
		h := h
		util.SafeGoWG(&m.wg, m.logger, "realtime-hook", func() {
			ctx, cancel := util.NewTimeoutContext(constants.HistoryWriteTimeout)
			defer cancel()
			fn(util.ContextWithConnectionID(ctx, connectionID), h)
		})
	}
}

// SendPersonalMessage delivers env to one user. Offline users get it queued
// when queueIfOffline is set. It reports whether the envelope was accepted
// for delivery or queued; rate limited, backpressured and post-shutdown
// sends are dropped and counted.
func (m *Manager) SendPersonalMessage(env message.Envelope, userID string, queueIfOffline bool) bool {
	now := m.now().UTC()
	env = env.Stamped(now)
	data, err := m.encode(env, now)
	if err != nil {
		return false
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		m.shutdownDrops.Add(1)
		metrics.ShutdownDrops.Inc()
		return false
	}
	if conn := m.connections[userID]; conn != nil {
		res := conn.enqueue(data, true)
		m.mu.RUnlock()
		if res != sendClosed {
			return m.recordResult(conn, res, env.Type, len(data))
		}
	} else {
		m.mu.RUnlock()
	}

	if !queueIfOffline {
		return false
	}
	return m.queueOffline(env, data, userID)
}

// queueOffline stores env for userID unless the user came online meanwhile
func (m *Manager) queueOffline(env message.Envelope, data []byte, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.shutdownDrops.Add(1)
		metrics.ShutdownDrops.Inc()
		return false
	}
	if conn := m.connections[userID]; conn != nil {
		return m.recordResult(conn, conn.enqueue(data, true), env.Type, len(data))
	}

	q := m.queues[userID]
	if q == nil {
		q = queue.NewMessageQueue(m.opts.QueueSize)
		m.queues[userID] = q
	}
	before := q.Evicted()
	q.Add(env)
	metrics.OfflineQueued.Inc()
	if evicted := q.Evicted() - before; evicted > 0 {
		m.evictedQueued += int64(evicted)
		metrics.OfflineEvicted.Add(float64(evicted))
	}
	return true
}

// PruneQueues discards offline queues that nothing was added to since
// QueueTTL before now, and returns how many envelopes went with them.
func (m *Manager) PruneQueues(now time.Time) int {
	cutoff := now.Add(-m.opts.QueueTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for userID, q := range m.queues {
		if q.LastQueuedAt().Before(cutoff) {
			dropped += q.Len()
			delete(m.queues, userID)
		}
	}
	if dropped > 0 {
		m.evictedQueued += int64(dropped)
		metrics.OfflineEvicted.Add(float64(dropped))
	}
	return dropped
}

func (m *Manager) sweepQueues() {
	ticker := time.NewTicker(m.opts.QueueSweep)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if dropped := m.PruneQueues(m.now()); dropped > 0 {
				m.logger.Info("Idle offline queues discarded", "component", "realtime", "messages", dropped)
			}
		}
	}
}

// sendControl enqueues a frame that bypasses the rate limiter
func (m *Manager) sendControl(conn *Connection, env message.Envelope) bool {
	now := m.now().UTC()
	data, err := m.encode(env.Stamped(now), now)
	if err != nil {
		return false
	}
	return m.recordResult(conn, conn.enqueue(data, false), env.Type, len(data))
}

// recordResult updates drop counters and reports whether the frame was accepted
func (m *Manager) recordResult(conn *Connection, res sendResult, t message.Type, size int) bool {
	switch res {
	case sendOK:
		metrics.MessagesSent.Inc()
		metrics.BytesSent.Add(float64(size))
		return true
	case sendRateLimited:
		m.rateLimitedDrops.Add(1)
		metrics.RateLimitedDrops.Inc()
		util.LogDrop(m.logger, "rate_limited", conn.Identity.UserID, t)
	case sendBackpressure:
		m.backpressureDrops.Add(1)
		metrics.BackpressureDrops.Inc()
		util.LogDrop(m.logger, "backpressure", conn.Identity.UserID, t)
	case sendClosed:
		util.LogDrop(m.logger, "closed", conn.Identity.UserID, t)
	}
	return false
}

func (m *Manager) encode(env message.Envelope, now time.Time) ([]byte, error) {
	data, err := json.Marshal(env.Stamped(now))
	if err != nil {
		util.LogError(m.logger, "realtime", "encode envelope", err, "type", env.Type)
		metrics.MessageErrors.Inc()
		return nil, err
	}
	return data, nil
}

// BroadcastToDocument sends env to every member of a document room except excludeUser
func (m *Manager) BroadcastToDocument(env message.Envelope, documentID, excludeUser string) int {
	return m.broadcast(rooms.Document(documentID), env, excludeUser)
}

// BroadcastToDeal sends env to every member of a deal room except excludeUser
func (m *Manager) BroadcastToDeal(env message.Envelope, dealID, excludeUser string) int {
	return m.broadcast(rooms.Deal(dealID), env, excludeUser)
}

// BroadcastToOrganization sends env to every connected member of an organization except excludeUser
func (m *Manager) BroadcastToOrganization(env message.Envelope, organizationID, excludeUser string) int {
	return m.broadcast(rooms.Organization(organizationID), env, excludeUser)
}

// broadcast snapshots the room and sends to each member independently.
// One slow or broken member never affects the others.
func (m *Manager) broadcast(room rooms.Room, env message.Envelope, excludeUser string) int {
	m.mu.RLock()
	members := m.rooms.Members(room)
	m.mu.RUnlock()

	env = env.Stamped(m.now().UTC())
	delivered := 0
	for _, userID := range members {
		if userID == excludeUser {
			continue
		}
		if m.SendPersonalMessage(env, userID, true) {
			delivered++
		}
	}
	metrics.Broadcasts.WithLabelValues(string(room.Kind)).Inc()
	return delivered
}

// JoinDocumentRoom adds a connected user to a document room
func (m *Manager) JoinDocumentRoom(userID, documentID string) bool {
	return m.join(rooms.Document(documentID), userID)
}

// LeaveDocumentRoom removes a user from a document room
func (m *Manager) LeaveDocumentRoom(userID, documentID string) bool {
	return m.leave(rooms.Document(documentID), userID)
}

// JoinDealRoom adds a connected user to a deal room
func (m *Manager) JoinDealRoom(userID, dealID string) bool {
	return m.join(rooms.Deal(dealID), userID)
}

// LeaveDealRoom removes a user from a deal room
func (m *Manager) LeaveDealRoom(userID, dealID string) bool {
	return m.leave(rooms.Deal(dealID), userID)
}

func (m *Manager) join(room rooms.Room, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connections[userID] == nil {
		return false
	}
	m.rooms.Join(room, userID)
	return true
}

func (m *Manager) leave(room rooms.Room, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connections[userID] == nil {
		return false
	}
	return m.rooms.Leave(room, userID)
}

func (m *Manager) isActive(conn *Connection) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[conn.Identity.UserID] == conn
}

// IsConnected reports whether userID has a live connection
func (m *Manager) IsConnected(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[userID] != nil
}

// broadcastPresence tells the rest of the organization about a status change
func (m *Manager) broadcastPresence(id Identity, status string) {
	env := message.New(message.TypeUserPresence, map[string]interface{}{
		"user_id":         id.UserID,
		"organization_id": id.OrganizationID,
		"display_name":    id.DisplayName,
		"status":          status,
	})
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}
	m.broadcast(rooms.Organization(id.OrganizationID), env, id.UserID)
}

// Shutdown retires every connection and refuses new ones. It waits for the
// connection goroutines and hook calls until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	now := m.now().UTC()
	type retired struct {
		conn   *Connection
		report Report
	}
	all := make([]retired, 0, len(m.connections))
	for _, conn := range m.connections {
		all = append(all, retired{conn: conn, report: m.retireLocked(conn, constants.ReasonShutdown, now)})
	}
	hooks := m.hooks
	m.mu.Unlock()

	m.logger.Info("Shutting down connection manager", "component", "realtime", "connections", len(all))
	for _, r := range all {
		m.finishRetire(r.conn, r.report, hooks, false)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Connection manager stopped", "component", "realtime")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded", "component", "realtime")
		return ctx.Err()
	}
}
