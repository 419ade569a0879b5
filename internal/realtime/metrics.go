package realtime

import (
	"sync/atomic"
	"time"
)

// ConnectionMetrics counts traffic for one connection. Counters are written
// by the connection's own send and receive paths and read by stats.
type ConnectionMetrics struct {
	connectedAt      time.Time
	lastActivity     atomic.Int64 // unix nanoseconds
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
	reconnectCount   atomic.Int64
	errorCount       atomic.Int64
	droppedCount     atomic.Int64
}

func newConnectionMetrics(now time.Time) *ConnectionMetrics {
	m := &ConnectionMetrics{connectedAt: now}
	m.lastActivity.Store(now.UnixNano())
	return m
}

func (m *ConnectionMetrics) recordSent(n int) {
	m.messagesSent.Add(1)
	m.bytesSent.Add(int64(n))
}

func (m *ConnectionMetrics) recordReceived(n int, at time.Time) {
	m.messagesReceived.Add(1)
	m.bytesReceived.Add(int64(n))
	m.touch(at)
}

func (m *ConnectionMetrics) recordDrop() {
	m.errorCount.Add(1)
	m.droppedCount.Add(1)
}

func (m *ConnectionMetrics) recordError() {
	m.errorCount.Add(1)
}

func (m *ConnectionMetrics) touch(at time.Time) {
	m.lastActivity.Store(at.UnixNano())
}

// MetricsSnapshot is a point-in-time copy of ConnectionMetrics
type MetricsSnapshot struct {
	ConnectedAt      time.Time `json:"connected_at"`
	LastActivity     time.Time `json:"last_activity"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
	BytesSent        int64     `json:"bytes_sent"`
	BytesReceived    int64     `json:"bytes_received"`
	ReconnectCount   int64     `json:"reconnect_count"`
	ErrorCount       int64     `json:"error_count"`
	DroppedCount     int64     `json:"dropped_count"`
}

// Snapshot copies the current counters
func (m *ConnectionMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnectedAt:      m.connectedAt,
		LastActivity:     time.Unix(0, m.lastActivity.Load()).UTC(),
		MessagesSent:     m.messagesSent.Load(),
		MessagesReceived: m.messagesReceived.Load(),
		BytesSent:        m.bytesSent.Load(),
		BytesReceived:    m.bytesReceived.Load(),
		ReconnectCount:   m.reconnectCount.Load(),
		ErrorCount:       m.errorCount.Load(),
		DroppedCount:     m.droppedCount.Load(),
	}
}
