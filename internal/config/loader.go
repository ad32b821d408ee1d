package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/viper"
)

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".concierge", "concierge.json")
	}

	var cfg *Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
	} else {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("json")

		v.SetEnvPrefix("CONCIERGE")
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		cfg = DefaultConfig()
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".concierge")
	}

	if cfg.Secrets.DBPath == "" {
		cfg.Secrets.DBPath = filepath.Join(cfg.DataDir, "secrets.db")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "concierge.log")
	}

	expandProviderEnv(&cfg.Providers.Booking)
	expandProviderEnv(&cfg.Providers.Calendar)

	if cfg.Secrets.EncryptionKey == "" {
		cfg.Secrets.EncryptionKey = os.Getenv("SECRETS_ENCRYPTION_KEY")
	}

	return cfg, nil
}

// expandProviderEnv substitutes ${VAR} references in a provider's launch
// config with values from the process environment.
func expandProviderEnv(mc *MCPServerConfig) {
	mc.Command = expandEnvRefs(mc.Command)
	for i, arg := range mc.Args {
		mc.Args[i] = expandEnvRefs(arg)
	}
	for k, v := range mc.Env {
		mc.Env[k] = expandEnvRefs(v)
	}
	mc.Cwd = expandEnvRefs(mc.Cwd)
}

func expandEnvRefs(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".concierge", "concierge.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
