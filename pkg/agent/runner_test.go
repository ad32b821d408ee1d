package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomly/concierge/pkg/mcp"
	"github.com/roomly/concierge/pkg/oauth"
	"github.com/roomly/concierge/pkg/secrets"
	"github.com/roomly/concierge/pkg/session"
	"github.com/roomly/concierge/pkg/toolgateway"
)

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	name      string
	responses []*LLMResponse
	errs      []error
	calls     int
	requests  []LLMRequest
	block     bool
}

func (p *scriptedProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p.requests = append(p.requests, request)
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	return &LLMResponse{Content: "done"}, nil
}

func (p *scriptedProvider) Provider() string {
	if p.name == "" {
		return "scripted"
	}
	return p.name
}

type fakeGateway struct {
	invocations []string
	results     map[string]string
	err         error
	block       bool
}

func (g *fakeGateway) Tools() []toolgateway.Descriptor {
	return []toolgateway.Descriptor{
		{Name: "dish_mcp_book_room", Description: "Book a room", InputSchema: json.RawMessage(`{"type":"object","properties":{"meeting_room_name":{"type":"string"}}}`)},
		{Name: "google_calendar_list-events", Description: "List events", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
}

func (g *fakeGateway) ProviderOf(name string) (toolgateway.Provider, bool) {
	if strings.HasPrefix(name, "dish_mcp_") {
		return toolgateway.ProviderBooking, true
	}
	return toolgateway.ProviderCalendar, true
}

func (g *fakeGateway) Invoke(ctx context.Context, userID, name string, args map[string]interface{}) (string, error) {
	g.invocations = append(g.invocations, name)
	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if g.err != nil {
		return "", g.err
	}
	if r, ok := g.results[name]; ok {
		return r, nil
	}
	return "ok", nil
}

func setupTestRunner(t *testing.T, provider LLMProvider, gateway *fakeGateway) (*Runner, *session.Store) {
	t.Helper()
	store := session.NewStore()
	runner, err := NewRunner([]LLMProvider{provider}, gateway, store, Config{
		Model:        "test-model",
		MaxTokens:    1024,
		MaxToolTurns: 8,
	})
	require.NoError(t, err)
	return runner, store
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var chunks []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestRunTurnPlainAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{{Content: "Hello! How can I help?"}}}
	runner, store := setupTestRunner(t, provider, &fakeGateway{})

	ch, err := runner.RunTurn(context.Background(), "alice:default", "alice", "hi")
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Len(t, chunks, 2)
	assert.Equal(t, Chunk{Kind: ChunkText, Content: "Hello! How can I help?"}, chunks[0])
	assert.Equal(t, ChunkDone, chunks[1].Kind)

	sess, created, err := store.GetOrCreate("alice:default")
	require.NoError(t, err)
	assert.False(t, created)
	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
}

func TestRunTurnBookingFlow(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{
			ID:   "call_1",
			Name: "dish_mcp_book_room",
			Arguments: map[string]interface{}{
				"meeting_room_name": "Orion",
				"start_datetime":    "2026-03-02T15:00:00Z",
				"end_datetime":      "2026-03-02T16:00:00Z",
			},
		}}},
		{Content: "Orion is booked for you."},
	}}
	gateway := &fakeGateway{results: map[string]string{"dish_mcp_book_room": `{"booking_id":"b-7"}`}}
	runner, store := setupTestRunner(t, provider, gateway)

	ch, err := runner.RunTurn(context.Background(), "alice:default", "alice", "book Orion at 3pm")
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkToolCall, chunks[0].Kind)
	assert.Equal(t, "Booking Orion for Mon 02 Mar, 15:00–16:00", chunks[0].Content)
	assert.Equal(t, Chunk{Kind: ChunkText, Content: "Orion is booked for you."}, chunks[1])
	assert.Equal(t, ChunkDone, chunks[2].Kind)

	assert.Equal(t, []string{"dish_mcp_book_room"}, gateway.invocations)

	sess, _, _ := store.GetOrCreate("alice:default")
	history := sess.History()
	require.Len(t, history, 4)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
	require.Len(t, history[1].ToolCalls, 1)
	assert.Equal(t, `{"booking_id":"b-7"}`, history[1].ToolCalls[0].Result)
	assert.Equal(t, string(toolgateway.ProviderBooking), history[1].ToolCalls[0].Provider)
	assert.Equal(t, session.RoleTool, history[2].Role)
	assert.Equal(t, "call_1", history[2].ToolCallID)

	// Follow-up call sees the prior turns.
	require.Len(t, provider.requests, 2)
	assert.Greater(t, len(provider.requests[1].Messages), len(provider.requests[0].Messages))
}

// recordingInvoker is a minimal provider connection for turns that run
// through a real gateway.
type recordingInvoker struct {
	tools []mcp.Tool
	calls []map[string]interface{}
}

func (r *recordingInvoker) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return r.tools, nil
}

func (r *recordingInvoker) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.Result, error) {
	r.calls = append(r.calls, args)
	return &mcp.Result{Content: `{"booking_id":"b-1"}`}, nil
}

func (r *recordingInvoker) Alive() bool { return true }

type staticCreds map[string]string

func (c staticCreds) Get(ctx context.Context, userID, key string) (string, error) {
	if v, ok := c[key]; ok {
		return v, nil
	}
	return "", secrets.ErrNotFound
}

type staticTokens struct{}

func (staticTokens) EnsureFresh(ctx context.Context, userID string) (oauth.Token, error) {
	return oauth.Token{}, oauth.ErrNotConnected
}

func TestRunTurnHistoryStaysCredentialFree(t *testing.T) {
	booking := &recordingInvoker{tools: []mcp.Tool{{
		Name:        "book_room",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"meeting_room_name":{"type":"string"}},"required":["meeting_room_name"],"additionalProperties":true}`),
	}}}
	calendar := &recordingInvoker{}
	gw := toolgateway.New(booking, calendar, staticCreds{
		secrets.KeyDishCookie: "session=abc",
		secrets.KeyTeamID:     "team-1",
		secrets.KeyMemberID:   "member-9",
	}, staticTokens{})
	require.NoError(t, gw.LoadCatalog(context.Background()))

	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "dish_mcp_book_room", Arguments: map[string]interface{}{"meeting_room_name": "Orion"}}}},
		{Content: "Booked."},
	}}
	store := session.NewStore()
	runner, err := NewRunner([]LLMProvider{provider}, gw, store, Config{
		Model:        "test-model",
		MaxTokens:    1024,
		MaxToolTurns: 8,
	})
	require.NoError(t, err)

	ch, err := runner.RunTurn(context.Background(), "alice:default", "alice", "book Orion")
	require.NoError(t, err)
	collect(t, ch)

	// The provider got the injected credentials.
	require.Len(t, booking.calls, 1)
	assert.Contains(t, booking.calls[0], "cookie")
	assert.Contains(t, booking.calls[0], "user_info")

	// Stored history did not.
	sess, _, _ := store.GetOrCreate("alice:default")
	history := sess.History()
	require.Len(t, history, 4)
	args := history[1].ToolCalls[0].Arguments
	assert.NotContains(t, args, "cookie")
	assert.NotContains(t, args, "user_info")

	// Neither did the messages replayed to the model within the turn.
	require.Len(t, provider.requests, 2)
	for _, msg := range provider.requests[1].Messages {
		for _, tc := range msg.ToolCalls {
			assert.NotContains(t, tc.Arguments, "cookie")
			assert.NotContains(t, tc.Arguments, "user_info")
		}
	}
}

func TestRunTurnToolErrorFedBack(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: "dish_mcp_book_room", Arguments: map[string]interface{}{"meeting_room_name": "Orion"}}}},
		{Content: "Orion is taken at that time."},
	}}
	gateway := &fakeGateway{err: &toolgateway.InvocationError{Tool: "dish_mcp_book_room", Reason: "room already booked"}}
	runner, _ := setupTestRunner(t, provider, gateway)

	ch, err := runner.RunTurn(context.Background(), "alice:s1", "alice", "book Orion")
	require.NoError(t, err)
	chunks := collect(t, ch)
	assert.Equal(t, ChunkDone, chunks[len(chunks)-1].Kind)

	// The provider-reported failure reaches the model as a tool result, not
	// the operator.
	require.Len(t, provider.requests, 2)
	last := provider.requests[1].Messages
	toolMsg := last[len(last)-1]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "room already booked")
}

func TestRunTurnCredentialMissingEndsTurn(t *testing.T) {
	loop := &LLMResponse{ToolCalls: []ToolCall{{ID: "c", Name: "dish_mcp_book_room", Arguments: map[string]interface{}{"meeting_room_name": "Orion"}}}}
	provider := &scriptedProvider{}
	for i := 0; i < 20; i++ {
		provider.responses = append(provider.responses, loop)
	}
	gateway := &fakeGateway{err: fmt.Errorf("%w: DISH_COOKIE", toolgateway.ErrCredentialMissing)}
	runner, store := setupTestRunner(t, provider, gateway)

	ch, err := runner.RunTurn(context.Background(), "alice:s1", "alice", "book Orion")
	require.NoError(t, err)
	chunks := collect(t, ch)

	assert.Equal(t, 1, provider.calls, "turn must end on the first missing credential")
	assert.Len(t, gateway.invocations, 1)
	final := chunks[len(chunks)-1]
	assert.Equal(t, ChunkError, final.Kind)
	assert.Contains(t, final.Content, "DISH_COOKIE")
	assert.Contains(t, final.Content, "secrets endpoint")

	sess, _, _ := store.GetOrCreate("alice:s1")
	assert.Empty(t, sess.History(), "failed turn must not be persisted")
}

func TestRunTurnCredentialRevokedEndsTurn(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "c", Name: "google_calendar_list-events", Arguments: map[string]interface{}{}}}},
	}}
	gateway := &fakeGateway{err: fmt.Errorf("%w: GOOGLE_CALENDAR_ACCESS_TOKEN", toolgateway.ErrCredentialRevoked)}
	runner, store := setupTestRunner(t, provider, gateway)

	ch, err := runner.RunTurn(context.Background(), "alice:s1", "alice", "what's on today?")
	require.NoError(t, err)
	chunks := collect(t, ch)

	assert.Equal(t, 1, provider.calls)
	final := chunks[len(chunks)-1]
	assert.Equal(t, ChunkError, final.Kind)
	assert.Contains(t, final.Content, "reconnect")

	sess, _, _ := store.GetOrCreate("alice:s1")
	assert.Empty(t, sess.History())
}

func TestRunTurnStopsAtBound(t *testing.T) {
	loop := &LLMResponse{ToolCalls: []ToolCall{{ID: "c", Name: "google_calendar_list-events", Arguments: map[string]interface{}{}}}}
	provider := &scriptedProvider{}
	for i := 0; i < 20; i++ {
		provider.responses = append(provider.responses, loop)
	}
	gateway := &fakeGateway{}
	runner, store := setupTestRunner(t, provider, gateway)

	ch, err := runner.RunTurn(context.Background(), "alice:s1", "alice", "keep checking")
	require.NoError(t, err)
	chunks := collect(t, ch)

	assert.Equal(t, 8, provider.calls, "no model call past the bound")
	assert.Len(t, gateway.invocations, 8)
	require.GreaterOrEqual(t, len(chunks), 2)
	final := chunks[len(chunks)-2]
	assert.Equal(t, ChunkText, final.Kind)
	assert.Contains(t, final.Content, "tool steps")
	assert.Equal(t, ChunkDone, chunks[len(chunks)-1].Kind)

	sess, _, _ := store.GetOrCreate("alice:s1")
	history := sess.History()
	assert.Equal(t, final.Content, history[len(history)-1].Content)
}

func TestRunTurnBusySession(t *testing.T) {
	provider := &scriptedProvider{block: true}
	runner, _ := setupTestRunner(t, provider, &fakeGateway{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := runner.RunTurn(ctx, "alice:s1", "alice", "first")
	require.NoError(t, err)

	_, err = runner.RunTurn(context.Background(), "alice:s1", "alice", "second")
	assert.ErrorIs(t, err, session.ErrSessionBusy)

	cancel()
	collect(t, ch)
}

func TestRunTurnCancelledAppendsNothing(t *testing.T) {
	provider := &scriptedProvider{block: true}
	runner, store := setupTestRunner(t, provider, &fakeGateway{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := runner.RunTurn(ctx, "alice:s1", "alice", "hi")
	require.NoError(t, err)
	cancel()
	collect(t, ch)

	sess, created, err := store.GetOrCreate("alice:s1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, sess.History(), "cancelled turn must leave no partial history")
}

func TestRunTurnDisconnectMidStreamAppendsNothing(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{
		{Content: "Let me check.", ToolCalls: []ToolCall{{ID: "c1", Name: "google_calendar_list-events", Arguments: map[string]interface{}{}}}},
		{Content: "Nothing on your calendar today."},
	}}
	gateway := &fakeGateway{block: true}
	runner, store := setupTestRunner(t, provider, gateway)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := runner.RunTurn(ctx, "alice:s1", "alice", "what's on today?")
	require.NoError(t, err)

	readChunk := func() Chunk {
		select {
		case chunk := <-ch:
			return chunk
		case <-time.After(5 * time.Second):
			t.Fatal("expected a chunk before disconnect")
		}
		return Chunk{}
	}

	// Two chunks are delivered, then the client goes away while the tool
	// call is still in flight.
	assert.Equal(t, ChunkText, readChunk().Kind)
	assert.Equal(t, ChunkToolCall, readChunk().Kind)
	cancel()
	collect(t, ch)

	sess, _, _ := store.GetOrCreate("alice:s1")
	assert.Empty(t, sess.History(), "interrupted turn must not be persisted")

	// A retried message starts a fresh turn from the last complete history.
	gateway.block = false
	ch, err = runner.RunTurn(context.Background(), "alice:s1", "alice", "what's on today?")
	require.NoError(t, err)
	chunks := collect(t, ch)
	assert.Equal(t, ChunkDone, chunks[len(chunks)-1].Kind)

	retry := provider.requests[len(provider.requests)-1]
	require.Len(t, retry.Messages, 1, "retry must not see the interrupted turn")
	assert.Equal(t, "user", retry.Messages[0].Role)
}

func TestRunTurnProviderFailover(t *testing.T) {
	broken := &scriptedProvider{name: "primary", errs: []error{errors.New("rate limited"), errors.New("rate limited")}}
	healthy := &scriptedProvider{name: "fallback", responses: []*LLMResponse{{Content: "hello"}}}
	store := session.NewStore()
	runner, err := NewRunner([]LLMProvider{broken, healthy}, &fakeGateway{}, store, Config{
		Model:        "test-model",
		MaxTokens:    1024,
		MaxToolTurns: 8,
	})
	require.NoError(t, err)

	ch, err := runner.RunTurn(context.Background(), "alice:s1", "alice", "hi")
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Len(t, chunks, 2)
	assert.Equal(t, "hello", chunks[0].Content)
}

func TestRunTurnAllProvidersFail(t *testing.T) {
	provider := &scriptedProvider{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	runner, store := setupTestRunner(t, provider, &fakeGateway{})

	ch, err := runner.RunTurn(context.Background(), "alice:s1", "alice", "hi")
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkError, chunks[0].Kind)

	sess, _, _ := store.GetOrCreate("alice:s1")
	assert.Empty(t, sess.History())
}

func TestRunTurnSessionReleasedAfterCompletion(t *testing.T) {
	provider := &scriptedProvider{responses: []*LLMResponse{{Content: "one"}, {Content: "two"}}}
	runner, _ := setupTestRunner(t, provider, &fakeGateway{})

	ch, err := runner.RunTurn(context.Background(), "alice:s1", "alice", "first")
	require.NoError(t, err)
	collect(t, ch)

	ch, err = runner.RunTurn(context.Background(), "alice:s1", "alice", "second")
	require.NoError(t, err)
	collect(t, ch)
}
