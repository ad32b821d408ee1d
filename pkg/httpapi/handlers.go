package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roomly/concierge/internal/auth"
	"github.com/roomly/concierge/internal/observability"
	"github.com/roomly/concierge/pkg/agent"
	"github.com/roomly/concierge/pkg/secrets"
	"github.com/roomly/concierge/pkg/session"
)

const oauthStateTTL = 10 * time.Minute

type secretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
	observability.RecordHTTPRequest("/health", http.StatusOK)
}

// handleSendMessage runs one conversation turn. With Accept:
// text/event-stream the chunks are streamed as server-sent events,
// otherwise the final answer comes back as a JSON string array.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	principal, _ := auth.FromContext(r.Context())

	message := r.URL.Query().Get("message")
	if message == "" {
		http.Error(w, "message parameter is required", http.StatusBadRequest)
		observability.RecordHTTPRequest("/send-message", http.StatusBadRequest)
		return
	}
	sessionName := r.URL.Query().Get("session")
	if sessionName == "" {
		sessionName = "default"
	}
	sessionKey := principal.Subject + ":" + sessionName

	ctx, cancel := context.WithTimeout(r.Context(), s.options.RequestTimeout)
	defer cancel()

	ch, err := s.runner.RunTurn(ctx, sessionKey, principal.Subject, message)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionBusy) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		observability.RecordHTTPRequest("/send-message", status)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamSSE(w, ch)
		observability.RecordHTTPRequest("/send-message", http.StatusOK)
		return
	}

	var parts []string
	failed := ""
	for chunk := range ch {
		switch chunk.Kind {
		case agent.ChunkText:
			parts = append(parts, chunk.Content)
		case agent.ChunkError:
			failed = chunk.Content
		}
	}
	if failed != "" {
		http.Error(w, failed, http.StatusBadGateway)
		observability.RecordHTTPRequest("/send-message", http.StatusBadGateway)
		return
	}

	combined := strings.TrimSpace(strings.Join(parts, ""))
	response := []string{}
	if combined != "" {
		response = []string{combined}
	}
	s.writeJSON(w, http.StatusOK, response)
	observability.RecordHTTPRequest("/send-message", http.StatusOK)
}

func (s *Server) streamSSE(w http.ResponseWriter, ch <-chan agent.Chunk) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for chunk := range ch {
		if _, err := w.Write([]byte("event: " + string(chunk.Kind) + "\ndata: ")); err != nil {
			return
		}
		if err := enc.Encode(chunk); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleSecrets stores, lists, and deletes user credentials.
func (s *Server) handleSecrets(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	switch r.Method {
	case http.MethodPost:
		var req secretRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
			http.Error(w, "key and value are required", http.StatusBadRequest)
			observability.RecordHTTPRequest("/secrets", http.StatusBadRequest)
			return
		}
		if err := s.secrets.Set(r.Context(), principal.Subject, req.Key, req.Value); err != nil {
			s.logger.Error().Err(err).Msg("Failed to store secret")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			observability.RecordHTTPRequest("/secrets", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		observability.RecordHTTPRequest("/secrets", http.StatusOK)

	case http.MethodGet:
		keys, err := s.secrets.Keys(r.Context(), principal.Subject)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to list secret keys")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			observability.RecordHTTPRequest("/secrets", http.StatusInternalServerError)
			return
		}
		if keys == nil {
			keys = []string{}
		}
		s.writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
		observability.RecordHTTPRequest("/secrets", http.StatusOK)

	case http.MethodDelete:
		var req secretRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			observability.RecordHTTPRequest("/secrets", http.StatusBadRequest)
			return
		}
		if err := s.secrets.Delete(r.Context(), principal.Subject, req.Key); err != nil {
			if errors.Is(err, secrets.ErrNotFound) {
				http.Error(w, "Secret not found", http.StatusNotFound)
				observability.RecordHTTPRequest("/secrets", http.StatusNotFound)
				return
			}
			s.logger.Error().Err(err).Msg("Failed to delete secret")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			observability.RecordHTTPRequest("/secrets", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		observability.RecordHTTPRequest("/secrets", http.StatusOK)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSecretGet returns one decrypted secret value, or null when absent.
func (s *Server) handleSecretGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	principal, _ := auth.FromContext(r.Context())

	var req secretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		observability.RecordHTTPRequest("/secrets/get", http.StatusBadRequest)
		return
	}

	value, err := s.secrets.Get(r.Context(), principal.Subject, req.Key)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			s.writeJSON(w, http.StatusOK, map[string]interface{}{"key": req.Key, "value": nil})
			observability.RecordHTTPRequest("/secrets/get", http.StatusOK)
			return
		}
		s.logger.Error().Err(err).Msg("Failed to read secret")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		observability.RecordHTTPRequest("/secrets/get", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"key": req.Key, "value": value})
	observability.RecordHTTPRequest("/secrets/get", http.StatusOK)
}

// handleOAuthURL returns the consent URL that starts a calendar connection.
func (s *Server) handleOAuthURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.oauthFlow == nil {
		http.Error(w, "calendar connections are not configured", http.StatusNotImplemented)
		return
	}
	principal, _ := auth.FromContext(r.Context())

	state := uuid.NewString()
	s.stateMu.Lock()
	for k, v := range s.oauthStates {
		if time.Since(v.created) > oauthStateTTL {
			delete(s.oauthStates, k)
		}
	}
	s.oauthStates[state] = oauthState{subject: principal.Subject, created: time.Now()}
	s.stateMu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]string{"url": s.oauthFlow.AuthCodeURL(state)})
	observability.RecordHTTPRequest("/auth/google/url", http.StatusOK)
}

// handleOAuthCallback exchanges the authorization code and stores the
// resulting token for the user who started the flow.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.oauthFlow == nil {
		http.Error(w, "calendar connections are not configured", http.StatusNotImplemented)
		return
	}
	principal, _ := auth.FromContext(r.Context())

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "code and state parameters are required", http.StatusBadRequest)
		observability.RecordHTTPRequest("/auth/google/callback", http.StatusBadRequest)
		return
	}

	s.stateMu.Lock()
	pending, ok := s.oauthStates[state]
	delete(s.oauthStates, state)
	s.stateMu.Unlock()
	if !ok || pending.subject != principal.Subject || time.Since(pending.created) > oauthStateTTL {
		http.Error(w, "unknown or expired state", http.StatusBadRequest)
		observability.RecordHTTPRequest("/auth/google/callback", http.StatusBadRequest)
		return
	}

	token, err := s.oauthFlow.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Error().Err(err).Msg("Authorization code exchange failed")
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		observability.RecordHTTPRequest("/auth/google/callback", http.StatusBadGateway)
		return
	}
	if err := s.oauthFlow.StoreToken(r.Context(), principal.Subject, token); err != nil {
		s.logger.Error().Err(err).Msg("Failed to store calendar token")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		observability.RecordHTTPRequest("/auth/google/callback", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
	observability.RecordHTTPRequest("/auth/google/callback", http.StatusOK)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
