package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/codepair/internal/realtime"
)

// handleWebSocket upgrades and hands the connection to the protocol
// engine. An unknown session is reported over the socket as
// SESSION_NOT_FOUND rather than as a 404.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", id, "err", err)
		return
	}

	ch := realtime.NewWSChannel(conn, realtime.ChannelOptions{
		Heartbeat: s.cfg.WebSocket.HeartbeatInterval,
		ReadLimit: s.readLimit,
		SendQueue: s.cfg.WebSocket.SendQueue,
	})
	s.engine.Serve(r.Context(), ch, id)
}
