package server

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// wsWriteTimeout bounds one payload write to a slow client.
const wsWriteTimeout = 5 * time.Second

// handleFoWebsocket streams live bucket payloads to one client. Each
// connection gets its own hub subscriber; when the client cannot keep up the
// hub drops messages for that subscriber rather than stalling the flush path.
func (s *Server) handleFoWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "hub not running")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.CORSAllowedOrigins,
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)
	s.log.Info().Str("remote", r.RemoteAddr).Msg("Websocket client connected")

	ctx := r.Context()

	// Reader goroutine: we never expect client messages, but reading is what
	// surfaces pings and the close handshake.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-readDone:
			s.log.Info().Str("remote", r.RemoteAddr).Msg("Websocket client disconnected")
			return
		case payload, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "hub closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket write failed")
				return
			}
		}
	}
}
