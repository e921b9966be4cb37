package transport

import (
	"context"
	"time"

	"github.com/danmuck/edgewire/internal/observability"
	"github.com/danmuck/edgewire/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

func heartbeatFrame() []byte {
	return frame.EncodeHeader(frame.NewHeader(0, frame.IDHeartbeat, frame.FlagHeartbeat))
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat()
		}
	}
}

// beat sends one heartbeat to every client. A failed write drops only that client.
func (s *Server) beat() {
	raw := heartbeatFrame()
	for _, h := range s.table.Snapshot() {
		conn, ok := s.table.Conn(h)
		if !ok {
			continue
		}
		if err := s.sender.send(conn, raw); err != nil {
			observability.RecordHeartbeatFailure(serverTransport)
			log.Debug().
				Str("transport", serverTransport).
				Stringer("handle", h).
				Err(err).
				Msg("heartbeat failed")
			s.drop(h, causeHeartbeat, err)
		}
	}
}
