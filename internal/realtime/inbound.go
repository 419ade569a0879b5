package realtime

import (
	"github.com/real-rm/dealroom/internal/constants"
	apperrors "github.com/real-rm/dealroom/internal/errors"
	"github.com/real-rm/dealroom/internal/message"
	"github.com/real-rm/dealroom/internal/metrics"
	"github.com/real-rm/dealroom/internal/rooms"
	"github.com/real-rm/dealroom/internal/util"
)

// HandleMessageReceived processes one raw client frame from userID's active connection
func (m *Manager) HandleMessageReceived(userID string, raw []byte) {
	m.mu.RLock()
	conn := m.connections[userID]
	m.mu.RUnlock()

	if conn == nil {
		m.logger.Debug("Frame from user without connection ignored", "component", "realtime", "user_id", userID)
		return
	}
	m.HandleConnectionMessage(conn, raw)
}

// HandleConnectionMessage processes one raw frame read from conn. Frames
// read from a retired connection are ignored.
func (m *Manager) HandleConnectionMessage(conn *Connection, raw []byte) {
	select {
	case <-conn.done:
		return
	default:
	}

	conn.metrics.recordReceived(len(raw), m.now())

	in, err := message.ParseInbound(raw)
	// pongs keep the heartbeat alive and are never charged
	if (err != nil || in.Kind != message.InboundPong) && !m.admitInbound(conn) {
		return
	}
	if err != nil {
		metrics.MessageErrors.Inc()
		metrics.MessagesReceived.WithLabelValues("malformed").Inc()
		m.logger.Warn("Malformed frame",
			"component", "realtime",
			"user_id", conn.Identity.UserID,
			"connection_id", conn.ID,
			"error", err)
		m.reply(conn, apperrors.FromValidation(err).ToEnvelope())
		return
	}
	metrics.MessagesReceived.WithLabelValues(in.Kind.String()).Inc()

	userID := conn.Identity.UserID
	switch in.Kind {
	case message.InboundJoinDocument:
		if m.JoinDocumentRoom(userID, in.DocumentID) {
			m.reply(conn, roomEvent(message.TypeRoomJoined, rooms.Document(in.DocumentID)))
		}

	case message.InboundLeaveDocument:
		if m.LeaveDocumentRoom(userID, in.DocumentID) {
			m.reply(conn, roomEvent(message.TypeRoomLeft, rooms.Document(in.DocumentID)))
		}

	case message.InboundJoinDeal:
		if m.JoinDealRoom(userID, in.DealID) {
			m.reply(conn, roomEvent(message.TypeRoomJoined, rooms.Deal(in.DealID)))
		}

	case message.InboundLeaveDeal:
		if m.LeaveDealRoom(userID, in.DealID) {
			m.reply(conn, roomEvent(message.TypeRoomLeft, rooms.Deal(in.DealID)))
		}

	case message.InboundPong:
		conn.notePong()

	case message.InboundPing:
		m.reply(conn, message.New(message.TypePong, nil))

	case message.InboundAck:
		m.logger.Debug("Delivery acknowledged",
			"component", "realtime",
			"user_id", userID,
			"message_id", in.MessageID)

	case message.InboundPresenceUpdate:
		m.updatePresence(conn, in.Status)

	case message.InboundUnknown:
		m.logger.Debug("Unknown frame type ignored",
			"component", "realtime",
			"user_id", userID,
			"type", in.Envelope.Type)

	default:
		m.logger.Warn("Unhandled inbound kind", "component", "realtime", "kind", in.Kind.String())
	}
}

// admitInbound charges one client frame to conn's own budget. Frames over
// it are dropped before dispatch, so a noisy client cannot spend other
// members' send budgets through room or presence fan-out.
func (m *Manager) admitInbound(conn *Connection) bool {
	ok, first, retryAfter := conn.admitInbound()
	if ok {
		return true
	}
	conn.metrics.recordError()
	metrics.InboundDrops.WithLabelValues("rate_limited").Inc()
	if first {
		m.logger.Warn("Inbound rate limit exceeded",
			"component", "realtime",
			"user_id", conn.Identity.UserID,
			"connection_id", conn.ID,
			"retry_after", retryAfter.String())
		m.reply(conn, apperrors.ErrTooManyRequests(int(retryAfter.Milliseconds())).ToEnvelope())
	}
	return false
}

// reply sends a rate limited frame to one specific connection
func (m *Manager) reply(conn *Connection, env message.Envelope) bool {
	now := m.now().UTC()
	data, err := m.encode(env, now)
	if err != nil {
		return false
	}
	return m.recordResult(conn, conn.enqueue(data, true), env.Type, len(data))
}

// updatePresence fans a client status change out to the organization and
// presence hooks. Repeats of the current status are not announced.
func (m *Manager) updatePresence(conn *Connection, status string) {
	switch conn.presenceChange(status) {
	case presenceUnchanged:
		metrics.InboundDrops.WithLabelValues("presence_unchanged").Inc()
		return
	case presenceThrottled:
		metrics.InboundDrops.WithLabelValues("presence_throttled").Inc()
		m.logger.Debug("Presence change throttled",
			"component", "realtime",
			"user_id", conn.Identity.UserID,
			"status", status)
		return
	}

	m.mu.RLock()
	hooks := m.presenceHooks
	m.mu.RUnlock()

	now := m.now().UTC()
	for _, h := range hooks {
		h := h
		util.SafeGoWG(&m.wg, m.logger, "realtime-hook", func() {
			ctx, cancel := util.NewTimeoutContext(constants.PresenceTimeout)
			defer cancel()
			h.OnPresence(util.ContextWithConnectionID(ctx, conn.ID), conn.Identity, status, now)
		})
	}
	m.broadcastPresence(conn.Identity, status)
}

func roomEvent(t message.Type, room rooms.Room) message.Envelope {
	return message.New(t, map[string]interface{}{
		"room_type": string(room.Kind),
		"room_id":   room.ID,
	})
}
