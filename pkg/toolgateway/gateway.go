// Package toolgateway merges the tool catalogs of the booking and calendar
// providers into one namespace, validates arguments, injects per-user
// credentials, and routes calls to the right provider.
package toolgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/roomly/concierge/internal/observability"
	"github.com/roomly/concierge/pkg/mcp"
	"github.com/roomly/concierge/pkg/oauth"
	"github.com/roomly/concierge/pkg/secrets"
)

// Provider identifies which backend a tool belongs to.
type Provider string

const (
	ProviderBooking  Provider = "dish_mcp"
	ProviderCalendar Provider = "google_calendar"
)

var (
	// ErrUnknownTool is returned when a call names a tool absent from the
	// merged catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrCredentialMissing is returned when the caller has not stored the
	// credentials a provider requires.
	ErrCredentialMissing = errors.New("required credential is not configured")

	// ErrCredentialRevoked is returned when the calendar provider rejected
	// the stored refresh token. Reconnecting is the only recovery.
	ErrCredentialRevoked = errors.New("calendar authorization has been revoked")
)

// InvocationError is a tool-level failure meant to be fed back to the model
// as a tool result rather than aborting the conversation turn.
type InvocationError struct {
	Tool   string
	Reason string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Reason)
}

// Invoker is the provider connection surface the gateway depends on.
type Invoker interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.Result, error)
	Alive() bool
}

// CredentialSource reads stored per-user secrets.
type CredentialSource interface {
	Get(ctx context.Context, userID, key string) (string, error)
}

// TokenSource yields a fresh calendar access token for a user.
type TokenSource interface {
	EnsureFresh(ctx context.Context, userID string) (oauth.Token, error)
}

// Descriptor is a catalog entry exposed to the model.
type Descriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

type entry struct {
	provider Provider
	invoker  Invoker
	tool     mcp.Tool
	schema   *gojsonschema.Schema
}

// Gateway owns the merged tool catalog and dispatches calls.
type Gateway struct {
	creds     CredentialSource
	tokens    TokenSource
	providers map[Provider]Invoker
	entries   map[string]*entry
	catalog   []Descriptor
}

// New builds a gateway over the two provider connections. LoadCatalog must
// be called before Invoke.
func New(booking, calendar Invoker, creds CredentialSource, tokens TokenSource) *Gateway {
	return &Gateway{
		creds:  creds,
		tokens: tokens,
		providers: map[Provider]Invoker{
			ProviderBooking:  booking,
			ProviderCalendar: calendar,
		},
		entries: make(map[string]*entry),
	}
}

// LoadCatalog fetches both providers' tool lists, prefixes every name with
// its provider tag, and compiles the argument schema for each tool.
func (g *Gateway) LoadCatalog(ctx context.Context) error {
	g.entries = make(map[string]*entry)
	g.catalog = nil

	for _, p := range []Provider{ProviderBooking, ProviderCalendar} {
		invoker := g.providers[p]
		tools, err := invoker.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("failed to load catalog from %s: %w", p, err)
		}
		for _, tool := range tools {
			name := fmt.Sprintf("%s_%s", p, tool.Name)

			var schema *gojsonschema.Schema
			if len(tool.InputSchema) > 0 {
				schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
				if err != nil {
					return fmt.Errorf("invalid input schema for %s: %w", name, err)
				}
			}

			g.entries[name] = &entry{
				provider: p,
				invoker:  invoker,
				tool:     tool,
				schema:   schema,
			}
			g.catalog = append(g.catalog, Descriptor{
				Name:        name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
		log.Info().
			Str("provider", string(p)).
			Int("tools", len(tools)).
			Msg("Loaded tool catalog")
	}
	return nil
}

// Tools returns the merged catalog in load order.
func (g *Gateway) Tools() []Descriptor {
	return g.catalog
}

// ProviderOf resolves the provider tag of a prefixed tool name.
func (g *Gateway) ProviderOf(name string) (Provider, bool) {
	e, ok := g.entries[name]
	if !ok {
		return "", false
	}
	return e.provider, true
}

// Invoke validates args against the tool's schema, injects the caller's
// credentials, and calls the provider. Validation failures and
// provider-reported errors come back as *InvocationError so the model can
// recover; everything else is an operational error.
func (g *Gateway) Invoke(ctx context.Context, userID, name string, args map[string]interface{}) (string, error) {
	e, ok := g.entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if !e.invoker.Alive() {
		return "", fmt.Errorf("%w: %s", mcp.ErrNotRunning, e.provider)
	}

	if args == nil {
		args = make(map[string]interface{})
	}
	if e.schema != nil {
		result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return "", fmt.Errorf("failed to validate arguments for %s: %w", name, err)
		}
		if !result.Valid() {
			var reasons []string
			for _, desc := range result.Errors() {
				reasons = append(reasons, desc.String())
			}
			return "", &InvocationError{Tool: name, Reason: "invalid arguments: " + strings.Join(reasons, "; ")}
		}
	}

	// Credentials go into a copy. The caller's map ends up in session
	// history and model replays, so it must stay credential-free.
	callArgs := make(map[string]interface{}, len(args)+2)
	for k, v := range args {
		callArgs[k] = v
	}
	if err := g.injectCredentials(ctx, userID, e, callArgs); err != nil {
		return "", err
	}

	start := time.Now()
	result, err := e.invoker.CallTool(ctx, e.tool.Name, callArgs)
	if err != nil && errors.Is(err, mcp.ErrNotDelivered) {
		// The provider never saw the request, retrying cannot double a
		// booking or calendar write.
		log.Warn().
			Str("tool", name).
			Msg("Retrying tool call that was not delivered")
		result, err = e.invoker.CallTool(ctx, e.tool.Name, callArgs)
	}
	observability.RecordToolInvocation(string(e.provider), time.Since(start), err == nil)
	if err != nil {
		return "", fmt.Errorf("call to %s failed: %w", name, err)
	}
	if result.IsError {
		return "", &InvocationError{Tool: name, Reason: result.Content}
	}

	log.Debug().
		Str("tool", name).
		Str("provider", string(e.provider)).
		Dur("duration", time.Since(start)).
		Msg("Tool call completed")
	return result.Content, nil
}

func (g *Gateway) injectCredentials(ctx context.Context, userID string, e *entry, args map[string]interface{}) error {
	switch e.provider {
	case ProviderBooking:
		cookie, err := g.creds.Get(ctx, userID, secrets.KeyDishCookie)
		if err != nil {
			if errors.Is(err, secrets.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrCredentialMissing, secrets.KeyDishCookie)
			}
			return fmt.Errorf("failed to read booking credentials: %w", err)
		}
		args["cookie"] = cookie

		// Only room booking identifies who the reservation is for.
		if strings.HasSuffix(e.tool.Name, "book_room") {
			teamID, err := g.creds.Get(ctx, userID, secrets.KeyTeamID)
			if err != nil {
				if errors.Is(err, secrets.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrCredentialMissing, secrets.KeyTeamID)
				}
				return fmt.Errorf("failed to read booking credentials: %w", err)
			}
			memberID, err := g.creds.Get(ctx, userID, secrets.KeyMemberID)
			if err != nil {
				if errors.Is(err, secrets.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrCredentialMissing, secrets.KeyMemberID)
				}
				return fmt.Errorf("failed to read booking credentials: %w", err)
			}
			args["user_info"] = map[string]interface{}{
				"team_id":   teamID,
				"member_id": memberID,
			}
		}

	case ProviderCalendar:
		token, err := g.tokens.EnsureFresh(ctx, userID)
		if err != nil {
			if errors.Is(err, oauth.ErrRevoked) {
				return fmt.Errorf("%w: %s", ErrCredentialRevoked, secrets.KeyCalendarToken)
			}
			if errors.Is(err, oauth.ErrNotConnected) {
				return fmt.Errorf("%w: %s", ErrCredentialMissing, secrets.KeyCalendarToken)
			}
			return fmt.Errorf("failed to refresh calendar credentials: %w", err)
		}
		args["oauth_credentials"] = map[string]interface{}{
			"access_token":  token.AccessToken,
			"refresh_token": token.RefreshToken,
			"expiry_date":   token.ExpiryDate,
		}
	}
	return nil
}
