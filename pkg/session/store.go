package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/roomly/concierge/internal/observability"
)

// ErrSessionBusy is returned when a turn is requested for a session that
// already has one in flight. The client retries; turns are never queued.
var ErrSessionBusy = errors.New("session has a turn in flight")

// Role tags a turn with its speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall records one tool invocation requested by the model during a turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Provider  string         `json:"provider"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Turn is one role-tagged unit of conversation history. Immutable once
// appended; insertion order is replayed verbatim to the model.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Session holds one conversation. All mutation goes through the Store.
type Session struct {
	ID         string
	CreatedAt  time.Time
	LastActive time.Time

	history  []Turn
	inFlight bool
}

// History returns a copy of the session's turns in insertion order.
func (s *Session) History() []Turn {
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Store maps session ids to conversations. Safe for concurrent use; all
// sessions share one mutex, which keeps GetOrCreate race-free.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	observability.EnsureRegistered()
	return &Store{
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, creating it if unseen. An empty id
// asks the server to mint one. Unknown or expired ids transparently start a
// fresh session rather than erroring.
func (st *Store) GetOrCreate(id string) (*Session, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if id == "" {
		generated, err := gonanoid.New()
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate session id: %w", err)
		}
		id = generated
	}

	if s, ok := st.sessions[id]; ok {
		return s, false, nil
	}

	now := time.Now()
	s := &Session{
		ID:         id,
		CreatedAt:  now,
		LastActive: now,
	}
	st.sessions[id] = s
	observability.SetActiveSessions(len(st.sessions))

	log.Debug().Str("session_id", id).Msg("Session created")
	return s, true, nil
}

// BeginTurn acquires the session's turn slot. Returns ErrSessionBusy when a
// turn is already in flight. The caller must pair it with EndTurn.
func (st *Store) BeginTurn(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session %q", id)
	}
	if s.inFlight {
		return ErrSessionBusy
	}
	s.inFlight = true
	s.LastActive = time.Now()
	return nil
}

// EndTurn releases the session's turn slot. A missing session is a no-op so
// EndTurn stays safe in deferred cleanup after eviction races.
func (st *Store) EndTurn(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		s.inFlight = false
		s.LastActive = time.Now()
	}
}

// Append appends completed turns to the session history in order. Partial
// turns must never reach here; the agent loop appends only after a turn
// finishes cleanly.
func (st *Store) Append(id string, turns ...Turn) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session %q", id)
	}

	now := time.Now()
	for _, t := range turns {
		if t.Role == "" {
			return fmt.Errorf("turn role cannot be empty")
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		s.history = append(s.history, t)
	}
	s.LastActive = now
	return nil
}

// EvictIdle removes sessions idle longer than olderThan and returns how many
// were removed. Sessions with an in-flight turn are never evicted.
func (st *Store) EvictIdle(olderThan time.Duration) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	evicted := 0
	for id, s := range st.sessions {
		if s.inFlight {
			continue
		}
		if s.LastActive.Before(cutoff) {
			delete(st.sessions, id)
			evicted++
		}
	}

	if evicted > 0 {
		observability.SetActiveSessions(len(st.sessions))
		observability.RecordEvictions(evicted)
		log.Info().Int("evicted", evicted).Msg("Idle sessions evicted")
	}
	return evicted
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
