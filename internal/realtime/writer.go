package realtime

import (
	"github.com/real-rm/dealroom/internal/constants"
	apperrors "github.com/real-rm/dealroom/internal/errors"
	"github.com/real-rm/dealroom/internal/util"
)

// writeLoop is the only caller of the connection's Transport.WriteMessage.
// It drains the outbound channel in order until the connection is retired or
// a write fails.
func (m *Manager) writeLoop(c *Connection) {
	for {
		// retired connections stop before touching the socket
		select {
		case <-c.done:
			return
		default:
		}

		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.transport.WriteMessage(data); err != nil {
				c.metrics.errorCount.Add(1)
				util.LogError(m.logger, "realtime", "write frame", apperrors.ErrWriteFailed(err),
					"user_id", c.Identity.UserID,
					"connection_id", c.ID)
				m.DisconnectConnection(c, constants.ReasonWriteError)
				return
			}
		}
	}
}
