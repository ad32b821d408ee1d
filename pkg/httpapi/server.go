// Package httpapi exposes the conversation, credential, and calendar
// connection endpoints over HTTP.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomly/concierge/internal/auth"
	"github.com/roomly/concierge/internal/observability"
	"github.com/roomly/concierge/pkg/agent"
	"github.com/roomly/concierge/pkg/oauth"
)

// TurnRunner executes conversation turns.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionKey, userID, message string) (<-chan agent.Chunk, error)
}

// SecretStore is the per-user credential storage surface.
type SecretStore interface {
	Set(ctx context.Context, userID, key, value string) error
	Get(ctx context.Context, userID, key string) (string, error)
	Delete(ctx context.Context, userID, key string) error
	Keys(ctx context.Context, userID string) ([]string, error)
}

// OAuthFlow drives the calendar connection handshake.
type OAuthFlow interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (oauth.Token, error)
	StoreToken(ctx context.Context, userID string, token oauth.Token) error
}

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Host               string
	Port               int
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	SubjectHeader      string
}

// Server is the HTTP API server.
type Server struct {
	options     ServerOptions
	server      *http.Server
	rateLimiter *RateLimiter
	runner      TurnRunner
	secrets     SecretStore
	oauthFlow   OAuthFlow
	logger      zerolog.Logger
	startTime   time.Time

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup

	stateMu     sync.Mutex
	oauthStates map[string]oauthState
}

type oauthState struct {
	subject string
	created time.Time
}

// NewServer creates the HTTP API server.
func NewServer(options ServerOptions, runner TurnRunner, secrets SecretStore, oauthFlow OAuthFlow, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 8000
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 100
	}
	if options.RequestTimeout == 0 {
		options.RequestTimeout = 120 * time.Second
	}
	if options.SubjectHeader == "" {
		options.SubjectHeader = "X-Auth-Subject"
	}

	if runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("secret store is required")
	}

	observability.EnsureRegistered()

	return &Server{
		options:     options,
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute),
		runner:      runner,
		secrets:     secrets,
		oauthFlow:   oauthFlow,
		logger:      logger,
		startTime:   time.Now(),
		oauthStates: make(map[string]oauthState),
	}, nil
}

// Handler builds the routing table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", observability.Handler())

	mux.Handle("/send-message", s.protect(http.HandlerFunc(s.handleSendMessage)))
	mux.Handle("/ws", s.protect(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("/secrets", s.protect(http.HandlerFunc(s.handleSecrets)))
	mux.Handle("/secrets/get", s.protect(http.HandlerFunc(s.handleSecretGet)))
	mux.Handle("/auth/google/url", s.protect(http.HandlerFunc(s.handleOAuthURL)))
	mux.Handle("/auth/google/callback", s.protect(http.HandlerFunc(s.handleOAuthCallback)))

	return mux
}

// Start starts the server and blocks until it is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, waiting for in-flight requests.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down HTTP server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// protect applies the shutdown gate, rate limit, and principal extraction
// shared by all authenticated endpoints.
func (s *Server) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		ip := s.getClientIP(r)
		if !s.rateLimiter.CheckLimit(ip) {
			retryAfter := s.rateLimiter.RetryAfter(ip)
			s.logger.Warn().
				Str("ip", ip).
				Str("path", r.URL.Path).
				Int("retryAfter", retryAfter).
				Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		auth.Middleware(s.options.SubjectHeader, next).ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request.
func (s *Server) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
