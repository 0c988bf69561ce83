// Package main is the entry point for the form relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shineum/form-relay-lite/internal/config"
	"github.com/shineum/form-relay-lite/internal/provider"
	"github.com/shineum/form-relay-lite/internal/provider/graph"
	"github.com/shineum/form-relay-lite/internal/provider/resend"
	"github.com/shineum/form-relay-lite/internal/provider/ses"
	"github.com/shineum/form-relay-lite/internal/provider/stdout"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "form-relay",
	Short: "Multi-tenant form submission relay",
	Long: `form-relay accepts contact form submissions from registered websites,
verifies their Turnstile challenge and delivers them by email.

Run without a subcommand to start the HTTP server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file (optional)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(sendTestCmd)
	rootCmd.AddCommand(verifyTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("form-relay failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// bootstrap loads and validates configuration and installs the logger.
func bootstrap() (*config.Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogger(cfg.Logging.Level, cfg.IsDevelopment())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parseLevel maps a level name to a slog level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger configures the global slog logger. Development uses readable
// text output; everything else logs JSON.
func setupLogger(level string, development bool) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if development {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// selectProvider builds the email delivery backend named by the configuration.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderResend:
		slog.Info("using Resend provider")
		return resend.New(resend.ResendProviderConfig{
			APIKey: cfg.Resend.APIKey,
			APIURL: cfg.Resend.APIURL,
		}), nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider", "region", cfg.SES.Region)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
