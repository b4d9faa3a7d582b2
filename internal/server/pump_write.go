package server

import (
	"bufio"
	"time"

	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// writePump batches queued frames into one flush and pings on an interval.
func (s *Server) writePump(c *Client) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{"conn_id": c.id})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			body := ws.NewCloseFrameBody(c.closeCode, c.closeReason)
			if err := ws.WriteFrame(c.conn, ws.NewCloseFrame(body)); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to write close frame")
			}
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to write message")
				return
			}
			for i, n := 0, len(c.send); i < n; i++ {
				if err := wsutil.WriteServerMessage(writer, ws.OpText, <-c.send); err != nil {
					s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to write message")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to flush writer")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to send ping")
				return
			}
		}
	}
}
