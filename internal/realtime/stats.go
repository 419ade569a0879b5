package realtime

import (
	"github.com/real-rm/dealroom/internal/rooms"
)

// RoomCounts is the number of non-empty rooms per kind
type RoomCounts struct {
	Documents     int `json:"documents"`
	Deals         int `json:"deals"`
	Organizations int `json:"organizations"`
}

// Stats is a manager-wide snapshot for operators
type Stats struct {
	ActiveConnections       int            `json:"active_connections"`
	PeakConnections         int            `json:"peak_connections"`
	TotalConnections        int64          `json:"total_connections"`
	Reconnects              int64          `json:"reconnects"`
	TotalMessagesSent       int64          `json:"total_messages_sent"`
	TotalMessagesReceived   int64          `json:"total_messages_received"`
	AverageMessagesSent     float64        `json:"average_messages_sent"`
	AverageMessagesReceived float64        `json:"average_messages_received"`
	Rooms                   RoomCounts     `json:"rooms"`
	Organizations           map[string]int `json:"organizations"`
	ActiveMessageQueues     int            `json:"active_message_queues"`
	QueuedMessages          int            `json:"queued_messages"`
	EvictedMessages         int64          `json:"evicted_messages"`
	HeartbeatTasks          int64          `json:"heartbeat_tasks"`
	RateLimitedDrops        int64          `json:"rate_limited_drops"`
	BackpressureDrops       int64          `json:"backpressure_drops"`
	ShutdownDrops           int64          `json:"shutdown_drops"`
}

// UserConnectionInfo describes one user's connectivity
type UserConnectionInfo struct {
	UserID          string           `json:"user_id"`
	Connected       bool             `json:"connected"`
	ConnectionID    string           `json:"connection_id,omitempty"`
	OrganizationID  string           `json:"organization_id,omitempty"`
	DisplayName     string           `json:"display_name,omitempty"`
	Metrics         *MetricsSnapshot `json:"metrics,omitempty"`
	Rooms           []rooms.Room     `json:"rooms"`
	PendingMessages int              `json:"pending_messages"`
}

// GetConnectionStats returns a snapshot of the manager. It only reads
// counters and never waits on connection I/O.
func (m *Manager) GetConnectionStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		ActiveConnections:     len(m.connections),
		PeakConnections:       m.peak,
		TotalConnections:      m.served,
		Reconnects:            m.reconnects,
		TotalMessagesSent:     m.retiredSent,
		TotalMessagesReceived: m.retiredRecv,
		Organizations:         make(map[string]int),
		ActiveMessageQueues:   len(m.queues),
		EvictedMessages:       m.evictedQueued,
		HeartbeatTasks:        m.heartbeats.Load(),
		RateLimitedDrops:      m.rateLimitedDrops.Load(),
		BackpressureDrops:     m.backpressureDrops.Load(),
		ShutdownDrops:         m.shutdownDrops.Load(),
	}

	for _, conn := range m.connections {
		s.TotalMessagesSent += conn.metrics.messagesSent.Load()
		s.TotalMessagesReceived += conn.metrics.messagesReceived.Load()
		s.Organizations[conn.Identity.OrganizationID]++
	}
	if m.served > 0 {
		s.AverageMessagesSent = float64(s.TotalMessagesSent) / float64(m.served)
		s.AverageMessagesReceived = float64(s.TotalMessagesReceived) / float64(m.served)
	}

	counts := m.rooms.Counts()
	s.Rooms = RoomCounts{
		Documents:     counts[rooms.KindDocument],
		Deals:         counts[rooms.KindDeal],
		Organizations: counts[rooms.KindOrganization],
	}

	for _, q := range m.queues {
		s.QueuedMessages += q.Len()
	}
	return s
}

// GetUserConnectionInfo returns the user's connectivity, or false for a
// user this manager has never seen.
func (m *Manager) GetUserConnectionInfo(userID string) (UserConnectionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn := m.connections[userID]
	q := m.queues[userID]
	_, seen := m.seen[userID]
	if conn == nil && q == nil && !seen {
		return UserConnectionInfo{}, false
	}

	info := UserConnectionInfo{
		UserID: userID,
		Rooms:  m.rooms.RoomsOf(userID),
	}
	if q != nil {
		info.PendingMessages = q.Len()
	}
	if conn != nil {
		snap := conn.metrics.Snapshot()
		info.Connected = true
		info.ConnectionID = conn.ID
		info.OrganizationID = conn.Identity.OrganizationID
		info.DisplayName = conn.Identity.DisplayName
		info.Metrics = &snap
	}
	return info, true
}

// ActiveUsers returns the ids of connected users in one organization
func (m *Manager) ActiveUsers(organizationID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms.Members(rooms.Organization(organizationID))
}
