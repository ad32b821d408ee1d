package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Concierge configuration
type Config struct {
	// HTTP server
	HTTP HTTPConfig `json:"http" mapstructure:"http"`

	// Model selection and limits
	Model ModelConfig `json:"model" mapstructure:"model"`

	// AI provider credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Tool providers (room booking and calendar)
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Google OAuth client for the calendar connection
	OAuth OAuthConfig `json:"oauth" mapstructure:"oauth"`

	// Per-user secret storage
	Secrets SecretsConfig `json:"secrets" mapstructure:"secrets"`

	// Session lifecycle
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Identity propagation from the fronting proxy
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	RequestTimeout     int    `json:"request_timeout" mapstructure:"request_timeout"` // seconds
}

// ModelConfig holds model selection and turn limits
type ModelConfig struct {
	Name         string  `json:"name" mapstructure:"name"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxToolTurns int     `json:"max_tool_turns" mapstructure:"max_tool_turns"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ProvidersConfig holds the two tool provider adapter commands
type ProvidersConfig struct {
	Booking  MCPServerConfig `json:"booking" mapstructure:"booking"`
	Calendar MCPServerConfig `json:"calendar" mapstructure:"calendar"`
}

// MCPServerConfig describes how to launch a tool provider process
type MCPServerConfig struct {
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args" mapstructure:"args"`
	Env     map[string]string `json:"env" mapstructure:"env"`
	Cwd     string            `json:"cwd" mapstructure:"cwd"`
}

// OAuthConfig holds the OAuth client used for calendar connections
type OAuthConfig struct {
	ClientID     string   `json:"client_id" mapstructure:"client_id"`
	ClientSecret string   `json:"client_secret" mapstructure:"client_secret"`
	AuthURL      string   `json:"auth_url" mapstructure:"auth_url"`
	TokenURL     string   `json:"token_url" mapstructure:"token_url"`
	RedirectURI  string   `json:"redirect_uri" mapstructure:"redirect_uri"`
	Scopes       []string `json:"scopes" mapstructure:"scopes"`
}

// SecretsConfig holds the credential store configuration
type SecretsConfig struct {
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	EncryptionKey string `json:"encryption_key" mapstructure:"encryption_key"` // base64, 32 bytes
}

// SessionConfig holds session lifecycle configuration
type SessionConfig struct {
	IdleWindowMinutes    int `json:"idle_window_minutes" mapstructure:"idle_window_minutes"`
	SweepIntervalMinutes int `json:"sweep_interval_minutes" mapstructure:"sweep_interval_minutes"`
}

// AuthConfig holds identity propagation configuration
type AuthConfig struct {
	SubjectHeader string `json:"subject_header" mapstructure:"subject_header"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:               "0.0.0.0",
			Port:               8000,
			RateLimitPerMinute: 120,
			RequestTimeout:     120,
		},
		Model: ModelConfig{
			Name:         "gpt-4o-mini",
			Temperature:  0.3,
			MaxTokens:    4096,
			MaxToolTurns: 8,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		OAuth: OAuthConfig{
			AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			RedirectURI: "http://localhost:3000/auth/google/callback",
			Scopes:      []string{"https://www.googleapis.com/auth/calendar"},
		},
		Session: SessionConfig{
			IdleWindowMinutes:    240,
			SweepIntervalMinutes: 15,
		},
		Auth: AuthConfig{
			SubjectHeader: "X-Auth-Subject",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Providers.Booking.Command == "" {
		return fmt.Errorf("booking provider command is required")
	}
	if c.Providers.Calendar.Command == "" {
		return fmt.Errorf("calendar provider command is required")
	}

	if c.Secrets.EncryptionKey == "" {
		return fmt.Errorf("secrets encryption key is required")
	}

	if c.Model.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if c.Model.MaxToolTurns <= 0 {
		return fmt.Errorf("max tool turns must be positive")
	}

	if c.Session.IdleWindowMinutes <= 0 {
		return fmt.Errorf("session idle window must be positive")
	}

	return nil
}
