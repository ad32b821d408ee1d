package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roomly/concierge/internal/observability"
	"github.com/roomly/concierge/pkg/session"
	"github.com/roomly/concierge/pkg/toolgateway"
)

var (
	// ErrToolBoundExceeded means a turn hit the tool-call ceiling before the
	// model produced a final answer.
	ErrToolBoundExceeded = errors.New("tool call bound exceeded")

	// ErrUpstreamUnavailable means every configured model provider failed.
	ErrUpstreamUnavailable = errors.New("no model provider available")

	// ErrNoProviders means the runner was built with an empty provider list.
	ErrNoProviders = errors.New("no model providers configured")
)

const boundApology = "I wasn't able to finish that within the number of tool steps I'm allowed. " +
	"Could you break the request into smaller parts?"

// Gateway is the tool dispatch surface the runner depends on.
type Gateway interface {
	Tools() []toolgateway.Descriptor
	ProviderOf(name string) (toolgateway.Provider, bool)
	Invoke(ctx context.Context, userID, name string, args map[string]interface{}) (string, error)
}

// Config holds the model parameters for conversation turns.
type Config struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	MaxToolTurns int
}

// Runner executes conversation turns against a session store.
type Runner struct {
	providers []LLMProvider
	gateway   Gateway
	sessions  *session.Store
	cfg       Config

	now func() time.Time

	toolsOnce sync.Once
	toolSpecs []ToolSpec
	toolsErr  error
}

// NewRunner wires the runner. Providers are tried in order, the first is
// the primary.
func NewRunner(providers []LLMProvider, gateway Gateway, sessions *session.Store, cfg Config) (*Runner, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	return &Runner{
		providers: providers,
		gateway:   gateway,
		sessions:  sessions,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// RunTurn starts one conversation turn for the session and returns a
// channel of streamed chunks. The channel closes when the turn ends. A
// second turn on a session with one already in flight fails with
// session.ErrSessionBusy.
func (r *Runner) RunTurn(ctx context.Context, sessionKey, userID, message string) (<-chan Chunk, error) {
	specs, err := r.tools()
	if err != nil {
		return nil, err
	}

	sess, created, err := r.sessions.GetOrCreate(sessionKey)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info().
			Str("session", sessionKey).
			Msg("Created session")
	}
	if err := r.sessions.BeginTurn(sessionKey); err != nil {
		return nil, err
	}

	history := sess.History()
	ch := make(chan Chunk, 32)
	go r.run(ctx, sessionKey, userID, message, history, specs, ch)
	return ch, nil
}

func (r *Runner) run(ctx context.Context, sessionKey, userID, message string, history []session.Turn, specs []ToolSpec, ch chan Chunk) {
	defer close(ch)
	defer r.sessions.EndTurn(sessionKey)

	start := r.now()
	providerName := r.providers[0].Provider()

	messages := toMessages(history)
	messages = append(messages, Message{Role: "user", Content: message})
	newTurns := []session.Turn{{Role: session.RoleUser, Content: message}}

	request := LLMRequest{
		Model:        r.cfg.Model,
		Tools:        specs,
		Temperature:  r.cfg.Temperature,
		MaxTokens:    r.cfg.MaxTokens,
		SystemPrompt: SystemPrompt(r.now()),
	}

	for i := 0; i < r.cfg.MaxToolTurns; i++ {
		request.Messages = messages
		resp, name, err := r.callModel(ctx, request)
		if err != nil {
			r.fail(ctx, ch, providerName, start, err)
			return
		}
		providerName = name

		if len(resp.ToolCalls) == 0 {
			if resp.Content != "" && !r.emit(ctx, ch, Chunk{Kind: ChunkText, Content: resp.Content}) {
				return
			}
			newTurns = append(newTurns, session.Turn{Role: session.RoleAssistant, Content: resp.Content})
			r.finish(ctx, ch, sessionKey, providerName, start, newTurns)
			return
		}

		if resp.Content != "" && !r.emit(ctx, ch, Chunk{Kind: ChunkText, Content: resp.Content}) {
			return
		}

		assistantMsg := Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		assistantTurn := session.Turn{Role: session.RoleAssistant, Content: resp.Content}

		toolMsgs := make([]Message, 0, len(resp.ToolCalls))
		toolTurns := make([]session.Turn, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			desc := toolgateway.Describe(tc.Name, tc.Arguments)
			if !r.emit(ctx, ch, Chunk{Kind: ChunkToolCall, Content: desc}) {
				return
			}

			record := session.ToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			}
			if p, ok := r.gateway.ProviderOf(tc.Name); ok {
				record.Provider = string(p)
			}

			result, err := r.gateway.Invoke(ctx, userID, tc.Name, tc.Arguments)
			if err != nil {
				if ctx.Err() != nil {
					r.fail(ctx, ch, providerName, start, ctx.Err())
					return
				}
				var invErr *toolgateway.InvocationError
				if !errors.As(err, &invErr) {
					// Missing or revoked credentials and dead transports
					// cannot be recovered by the model. End the turn with
					// something the caller can act on.
					log.Warn().
						Err(err).
						Str("tool", tc.Name).
						Str("session", sessionKey).
						Msg("Tool call failed, ending turn")
					r.fail(ctx, ch, providerName, start, userFacing(err))
					return
				}
				// Provider-reported failure, fed back so the model can
				// recover or explain.
				result = "Error: " + err.Error()
				record.Error = err.Error()
				log.Warn().
					Err(err).
					Str("tool", tc.Name).
					Str("session", sessionKey).
					Msg("Tool call failed")
			} else {
				record.Result = result
			}

			assistantTurn.ToolCalls = append(assistantTurn.ToolCalls, record)
			toolMsgs = append(toolMsgs, Message{Role: "tool", Content: result, ToolCallID: tc.ID})
			toolTurns = append(toolTurns, session.Turn{Role: session.RoleTool, Content: result, ToolCallID: tc.ID})
		}

		messages = append(messages, assistantMsg)
		messages = append(messages, toolMsgs...)
		newTurns = append(newTurns, assistantTurn)
		newTurns = append(newTurns, toolTurns...)
	}

	log.Warn().
		Err(ErrToolBoundExceeded).
		Str("session", sessionKey).
		Int("bound", r.cfg.MaxToolTurns).
		Msg("Turn stopped at tool call bound")
	if !r.emit(ctx, ch, Chunk{Kind: ChunkText, Content: boundApology}) {
		return
	}
	newTurns = append(newTurns, session.Turn{Role: session.RoleAssistant, Content: boundApology})
	r.finish(ctx, ch, sessionKey, providerName, start, newTurns)
}

// callModel tries each provider in order and makes one more round before
// giving up.
func (r *Runner) callModel(ctx context.Context, request LLMRequest) (*LLMResponse, string, error) {
	var lastErr error
	for round := 0; round < 2; round++ {
		for _, p := range r.providers {
			resp, err := p.Call(ctx, request)
			if err == nil {
				return resp, p.Provider(), nil
			}
			if ctx.Err() != nil {
				return nil, p.Provider(), ctx.Err()
			}
			lastErr = err
			log.Warn().
				Err(err).
				Str("provider", p.Provider()).
				Msg("Model call failed")
		}
	}
	return nil, r.providers[0].Provider(), fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

func (r *Runner) finish(ctx context.Context, ch chan Chunk, sessionKey, providerName string, start time.Time, turns []session.Turn) {
	if err := r.sessions.Append(sessionKey, turns...); err != nil {
		r.fail(ctx, ch, providerName, start, err)
		return
	}
	r.emit(ctx, ch, Chunk{Kind: ChunkDone})
	observability.RecordTurn(providerName, r.now().Sub(start), true)
}

func (r *Runner) fail(ctx context.Context, ch chan Chunk, providerName string, start time.Time, err error) {
	log.Error().
		Err(err).
		Msg("Turn failed")
	r.emit(ctx, ch, Chunk{Kind: ChunkError, Content: err.Error()})
	observability.RecordTurn(providerName, r.now().Sub(start), false)
}

// userFacing rewrites credential failures into an instruction the caller
// can act on.
func userFacing(err error) error {
	switch {
	case errors.Is(err, toolgateway.ErrCredentialRevoked):
		return errors.New("your Google Calendar authorization was revoked, reconnect it and try again")
	case errors.Is(err, toolgateway.ErrCredentialMissing):
		return fmt.Errorf("%v, store it via the secrets endpoint and try again", err)
	}
	return err
}

func (r *Runner) emit(ctx context.Context, ch chan Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		observability.RecordStreamChunk(string(chunk.Kind))
		return true
	case <-ctx.Done():
		return false
	}
}

// tools converts the gateway catalog to provider tool specs once.
func (r *Runner) tools() ([]ToolSpec, error) {
	r.toolsOnce.Do(func() {
		for _, d := range r.gateway.Tools() {
			spec := ToolSpec{Name: d.Name, Description: d.Description}
			if len(d.InputSchema) > 0 {
				if err := json.Unmarshal(d.InputSchema, &spec.InputSchema); err != nil {
					r.toolsErr = fmt.Errorf("invalid schema for tool %s: %w", d.Name, err)
					return
				}
			}
			r.toolSpecs = append(r.toolSpecs, spec)
		}
	})
	return r.toolSpecs, r.toolsErr
}

func toMessages(history []session.Turn) []Message {
	messages := make([]Message, 0, len(history))
	for _, turn := range history {
		msg := Message{
			Role:       string(turn.Role),
			Content:    turn.Content,
			ToolCallID: turn.ToolCallID,
		}
		for _, tc := range turn.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		messages = append(messages, msg)
	}
	return messages
}
