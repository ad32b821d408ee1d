package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/roomly/concierge/internal/config"
	"github.com/roomly/concierge/internal/logger"
	"github.com/roomly/concierge/internal/observability"
	"github.com/roomly/concierge/pkg/agent"
	"github.com/roomly/concierge/pkg/httpapi"
	"github.com/roomly/concierge/pkg/mcp"
	"github.com/roomly/concierge/pkg/oauth"
	"github.com/roomly/concierge/pkg/secrets"
	"github.com/roomly/concierge/pkg/session"
	"github.com/roomly/concierge/pkg/toolgateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the concierge service",
	Long: `Run the concierge service in the foreground. This launches both tool
provider processes, opens the credential store, and serves the HTTP API
until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	lg, err := logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer lg.Close()

	observability.EnsureRegistered()

	store, err := secrets.Open(cfg.Secrets.DBPath, cfg.Secrets.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	booking, err := startProvider(ctx, string(toolgateway.ProviderBooking), cfg.Providers.Booking)
	if err != nil {
		return err
	}
	defer booking.Stop()

	calendar, err := startProvider(ctx, string(toolgateway.ProviderCalendar), cfg.Providers.Calendar)
	if err != nil {
		return err
	}
	defer calendar.Stop()

	refresher := oauth.NewRefresher(store, oauth.ClientConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RedirectURI:  cfg.OAuth.RedirectURI,
		Scopes:       cfg.OAuth.Scopes,
	})

	gateway := toolgateway.New(booking, calendar, store, refresher)
	if err := gateway.LoadCatalog(ctx); err != nil {
		return fmt.Errorf("failed to load tool catalogs: %w", err)
	}

	providers, err := agent.NewProviders(cfg.AI.Profiles)
	if err != nil {
		return fmt.Errorf("failed to build model providers: %w", err)
	}

	sessions := session.NewStore()
	sweeper := session.NewSweeper(sessions,
		time.Duration(cfg.Session.IdleWindowMinutes)*time.Minute,
		time.Duration(cfg.Session.SweepIntervalMinutes)*time.Minute)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}
	defer sweeper.Stop()

	runner, err := agent.NewRunner(providers, gateway, sessions, agent.Config{
		Model:        cfg.Model.Name,
		Temperature:  cfg.Model.Temperature,
		MaxTokens:    cfg.Model.MaxTokens,
		MaxToolTurns: cfg.Model.MaxToolTurns,
	})
	if err != nil {
		return fmt.Errorf("failed to build turn runner: %w", err)
	}

	server, err := httpapi.NewServer(httpapi.ServerOptions{
		Host:               cfg.HTTP.Host,
		Port:               cfg.HTTP.Port,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
		RequestTimeout:     time.Duration(cfg.HTTP.RequestTimeout) * time.Second,
		SubjectHeader:      cfg.Auth.SubjectHeader,
	}, runner, store, refresher, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to build HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().
			Str("signal", sig.String()).
			Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	return nil
}

// startProvider launches one tool provider process. Startup fails if the
// provider does not come up.
func startProvider(ctx context.Context, name string, cfg config.MCPServerConfig) (*mcp.Adapter, error) {
	adapter := mcp.NewAdapter(name, &mcp.StdioTransport{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		Cwd:     cfg.Cwd,
	})
	if err := adapter.Start(ctx); err != nil {
		return nil, fmt.Errorf("tool provider %s failed to start: %w", name, err)
	}
	return adapter, nil
}
