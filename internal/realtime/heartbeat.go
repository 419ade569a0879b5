package realtime

import (
	"time"

	"github.com/real-rm/dealroom/internal/constants"
	apperrors "github.com/real-rm/dealroom/internal/errors"
	"github.com/real-rm/dealroom/internal/message"
	"github.com/real-rm/dealroom/internal/metrics"
)

// heartbeatLoop pings the client every PingInterval and retires the
// connection after MaxMissedPongs consecutive pings go unanswered within
// PongTimeout.
func (m *Manager) heartbeatLoop(c *Connection) {
	defer m.heartbeats.Add(-1)

	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		// a pong that arrived between rounds does not answer this ping
		select {
		case <-c.pong:
		default:
		}

		if !m.sendControl(c, message.New(message.TypePing, nil)) {
			missed++
		} else {
			timer := time.NewTimer(m.opts.PongTimeout)
			select {
			case <-c.done:
				timer.Stop()
				return
			case <-c.pong:
				timer.Stop()
				missed = 0
				continue
			case <-timer.C:
				missed++
			}
		}

		m.logger.Debug("Heartbeat missed",
			"component", "realtime",
			"user_id", c.Identity.UserID,
			"connection_id", c.ID,
			"missed", missed)

		if missed >= m.opts.MaxMissedPongs {
			if m.DisconnectConnection(c, constants.ReasonHeartbeatTimeout) {
				metrics.HeartbeatTimeouts.Inc()
				m.logger.Warn("Connection retired by heartbeat",
					"component", "realtime",
					"user_id", c.Identity.UserID,
					"connection_id", c.ID,
					"error", apperrors.ErrHeartbeatTimeout(missed))
			}
			return
		}
	}
}
