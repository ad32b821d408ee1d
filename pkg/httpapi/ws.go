package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/roomly/concierge/internal/auth"
	"github.com/roomly/concierge/pkg/agent"
	"github.com/roomly/concierge/pkg/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Identity comes from the trusted proxy header, not the Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsRequest struct {
	Message string `json:"message"`
	Session string `json:"session"`
}

// handleWebSocket serves a persistent conversation connection. Each client
// frame starts one turn; the turn's chunks come back as individual frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s.logger.Info().
		Str("user", principal.Subject).
		Msg("WebSocket connected")

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read failed")
			}
			return
		}
		if req.Message == "" {
			if err := conn.WriteJSON(agent.Chunk{Kind: agent.ChunkError, Content: "message is required"}); err != nil {
				return
			}
			continue
		}
		if req.Session == "" {
			req.Session = "default"
		}
		sessionKey := principal.Subject + ":" + req.Session

		ch, err := s.runner.RunTurn(r.Context(), sessionKey, principal.Subject, req.Message)
		if err != nil {
			content := err.Error()
			if errors.Is(err, session.ErrSessionBusy) {
				content = "a turn is already running for this session"
			}
			if err := conn.WriteJSON(agent.Chunk{Kind: agent.ChunkError, Content: content}); err != nil {
				return
			}
			continue
		}
		for chunk := range ch {
			if err := conn.WriteJSON(chunk); err != nil {
				// Drain so the turn can finish and release the session.
				for range ch {
				}
				return
			}
		}
	}
}
