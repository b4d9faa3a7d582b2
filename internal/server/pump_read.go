package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var errMessageTooBig = errors.New("message exceeds WS_MAX_MESSAGE_BYTES")

// readPump feeds text frames to the router one at a time, so envelopes from
// one connection are handled in arrival order. It owns the disconnect path.
func (s *Server) readPump(c *Client) {
	defer s.wg.Done()
	// Registered first so it runs last and also covers disconnect.
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{"conn_id": c.id})

	reason := DisconnectReasonReadError
	defer func() {
		if r := c.closedReason(); r != "" {
			reason = r
		}
		s.disconnect(c, reason)
	}()

	control := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	ctx := context.Background()

	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		// Any frame, pongs included, proves the peer is alive.
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					reason = DisconnectReasonClientClose
				}
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			// Binary frames are not part of the protocol.
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		msg, err := s.readMessage(rd, hdr)
		if err != nil {
			if errors.Is(err, errMessageTooBig) {
				s.logger.Warn().Str("conn_id", c.id).Int64("length", hdr.Length).Msg("Message too big")
				c.close(ws.StatusMessageTooBig, DisconnectReasonTooBig)
			}
			return
		}
		s.router.Handle(ctx, c, msg)
	}
}

// readMessage reads one complete (possibly fragmented) text message.
func (s *Server) readMessage(rd *wsutil.Reader, hdr ws.Header) ([]byte, error) {
	limit := s.cfg.MaxMessageBytes
	if hdr.Length > limit {
		return nil, errMessageTooBig
	}
	msg, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(msg)) > limit {
		return nil, errMessageTooBig
	}
	return msg, nil
}
