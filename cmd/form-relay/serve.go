package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/form-relay-lite/internal/config"
	"github.com/shineum/form-relay-lite/internal/dispatch"
	"github.com/shineum/form-relay-lite/internal/server"
	"github.com/shineum/form-relay-lite/internal/submission"
	"github.com/shineum/form-relay-lite/internal/tenant"
	relaytls "github.com/shineum/form-relay-lite/internal/tls"
	"github.com/shineum/form-relay-lite/internal/turnstile"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	registry, err := tenant.Load(cfg.Tenants.File)
	if err != nil {
		return err
	}

	prov, err := selectProvider(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	sender := dispatch.New(prov, dispatch.Config{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseDelay:   cfg.Delivery.RetryDelay,
	})
	verifier := turnstile.New(turnstile.Config{
		VerifyURL: cfg.Turnstile.VerifyURL,
		Timeout:   cfg.Turnstile.Timeout,
	})
	svc := submission.NewService(registry, verifier, sender, submission.Options{
		Production: cfg.IsProduction(),
	})

	tlsConfig, tlsMode, err := loadTLS(cfg, registry.Hosts())
	if err != nil {
		return err
	}

	srv := server.New(server.ServerConfig{
		ListenAddr:      cfg.Server.Listen,
		TLSConfig:       tlsConfig,
		Submitter:       svc,
		Tenants:         registry,
		Environment:     cfg.Server.Environment,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimitWindow: cfg.RateLimit.Window,
		RateLimitMax:    cfg.RateLimit.MaxRequests,
	})

	slog.Info("starting form-relay-lite",
		"listen", cfg.Server.Listen,
		"environment", cfg.Server.Environment,
		"provider", prov.Name(),
		"tenants", registry.Len(),
		"tls_mode", tlsMode,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("form-relay-lite stopped")
	return nil
}

// loadTLS returns the listener TLS configuration, or nil when TLS is off.
func loadTLS(cfg *config.Config, hosts []string) (*tls.Config, string, error) {
	if !cfg.TLS.Enabled {
		return nil, "disabled", nil
	}
	tlsConfig, source, err := relaytls.Load(relaytls.Options{
		CertFile: cfg.TLS.CertFile,
		KeyFile:  cfg.TLS.KeyFile,
		Hosts:    hosts,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to setup TLS: %w", err)
	}
	return tlsConfig, string(source), nil
}
