// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the form relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported delivery providers.
const (
	ProviderResend = "resend"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  string          `yaml:"provider"`
	Resend    ResendConfig    `yaml:"resend"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	Tenants   TenantsConfig   `yaml:"tenants"`
	Turnstile TurnstileConfig `yaml:"turnstile"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	Environment string `yaml:"environment"`
	// AllowedOrigins are extra CORS origins on top of the registered tenants.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ResendConfig holds Resend API configuration.
type ResendConfig struct {
	APIKey string `yaml:"api_key"`
	APIURL string `yaml:"api_url"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// Sender overrides the per-tenant from address as the sending mailbox.
	Sender string `yaml:"sender"`
}

// TenantsConfig locates the tenant registry file.
type TenantsConfig struct {
	File string `yaml:"file"`
}

// TurnstileConfig holds challenge verification settings.
type TurnstileConfig struct {
	VerifyURL string        `yaml:"verify_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DeliveryConfig holds dispatcher retry settings.
type DeliveryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// RateLimitConfig bounds submissions per client address.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// TLSConfig holds TLS settings for the HTTP listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first when present.
// Environment variables always take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate checks that the selected provider has its credentials and that a
// tenants file is configured.
func (c *Config) Validate() error {
	if c.Tenants.File == "" {
		return fmt.Errorf("TENANTS_FILE is required")
	}

	switch c.Provider {
	case ProviderResend:
		if c.Resend.APIKey == "" {
			return fmt.Errorf("RESEND_API_KEY is required for provider %q", c.Provider)
		}
	case ProviderSES:
		if !c.SESConfigured() {
			return fmt.Errorf("SES_REGION is required for provider %q", c.Provider)
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			return fmt.Errorf("GRAPH_TENANT_ID, GRAPH_CLIENT_ID and GRAPH_CLIENT_SECRET are required for provider %q", c.Provider)
		}
	case ProviderStdout:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

// GraphConfigured returns true if all three Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != ""
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// IsProduction reports whether internal error detail must be hidden.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// IsDevelopment reports whether development conveniences (open CORS, text
// logs) apply.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Server.Listen = ":3000"
	c.Server.Environment = "production"
	c.Provider = ProviderResend
	c.Tenants.File = "tenants.yaml"
	c.Turnstile.Timeout = 10 * time.Second
	c.Delivery.MaxAttempts = 3
	c.Delivery.RetryDelay = time.Second
	c.RateLimit.Window = 15 * time.Minute
	c.RateLimit.MaxRequests = 100
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Listen = ":" + v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		c.Server.Environment = strings.ToLower(v)
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Environment = strings.ToLower(v)
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("RESEND_API_KEY"); v != "" {
		c.Resend.APIKey = v
	}
	if v := os.Getenv("RESEND_API_URL"); v != "" {
		c.Resend.APIURL = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_CONFIGURATION_SET"); v != "" {
		c.SES.ConfigurationSet = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("TENANTS_FILE"); v != "" {
		c.Tenants.File = v
	}

	if v := os.Getenv("TURNSTILE_VERIFY_URL"); v != "" {
		c.Turnstile.VerifyURL = v
	}
	if v := os.Getenv("TURNSTILE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Turnstile.Timeout = d
		}
	}

	if v := os.Getenv("DELIVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Delivery.MaxAttempts = n
		}
	}
	if v := os.Getenv("DELIVERY_RETRY_DELAY_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			c.Delivery.RetryDelay = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("RATE_LIMIT_WINDOW_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			c.RateLimit.Window = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.MaxRequests = n
		}
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TLS.Enabled = b
		}
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
