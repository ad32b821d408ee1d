package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/roomly/concierge/internal/config"
)

// LLMProvider is an interface for LLM API providers.
type LLMProvider interface {
	// Call makes an LLM API call.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name.
	Provider() string
}

// LLMRequest contains the request parameters for an LLM call.
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from the LLM.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// NewProvider creates an LLM provider from a configured profile.
func NewProvider(profile config.AIProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// NewProviders builds providers for every configured profile, ordered by
// ascending priority. The first entry is the primary, the rest are
// fallbacks.
func NewProviders(profiles []config.AIProfile) ([]LLMProvider, error) {
	sorted := make([]config.AIProfile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	providers := make([]LLMProvider, 0, len(sorted))
	for _, profile := range sorted {
		p, err := NewProvider(profile)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", profile.ID, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}
