// Package tenant holds the registry of web origins allowed to submit forms,
// keyed by hostname, with each tenant's delivery and Turnstile settings.
package tenant

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"dario.cat/mergo"
	goerrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// TextCodeInvalid marks tenant configuration errors.
const TextCodeInvalid = "TENANT_CONFIG_INVALID"

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Turnstile holds a tenant's challenge keys. SiteKey is public; SecretKey is not.
type Turnstile struct {
	SiteKey   string `yaml:"siteKey"`
	SecretKey string `yaml:"secretKey"`
}

// Config is the delivery configuration of one tenant.
type Config struct {
	To          string    `yaml:"to"`
	Cc          string    `yaml:"cc,omitempty"`
	Bcc         string    `yaml:"bcc,omitempty"`
	FromAddress string    `yaml:"fromAddress"`
	FromName    string    `yaml:"fromName"`
	Turnstile   Turnstile `yaml:"turnstile"`
}

// file is the on-disk layout of a tenants file.
type file struct {
	Defaults Config            `yaml:"defaults"`
	Tenants  map[string]Config `yaml:"tenants"`
}

// Registry maps hostnames to tenant configuration. It is immutable once
// built and safe for concurrent use.
type Registry struct {
	tenants map[string]Config
}

// Load reads a tenants YAML file, merges the defaults block into every
// tenant and builds a validated Registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenants file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Registry from YAML tenants data.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tenants file: %w", err)
	}

	tenants := make(map[string]Config, len(f.Tenants))
	for host, cfg := range f.Tenants {
		if err := mergo.Merge(&cfg, f.Defaults); err != nil {
			return nil, fmt.Errorf("failed to merge defaults for %s: %w", host, err)
		}
		tenants[host] = cfg
	}

	return NewRegistry(tenants)
}

// NewRegistry validates every entry and returns the registry. The first
// invalid tenant aborts construction with a TENANT_CONFIG_INVALID error.
func NewRegistry(tenants map[string]Config) (*Registry, error) {
	hosts := make([]string, 0, len(tenants))
	for host := range tenants {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	normalized := make(map[string]Config, len(tenants))
	for _, host := range hosts {
		cfg := tenants[host]
		key := strings.ToLower(strings.TrimSpace(host))
		if key == "" {
			return nil, invalid("tenant hostname is empty", map[string]any{"tenant": host})
		}
		if _, dup := normalized[key]; dup {
			return nil, invalid(
				fmt.Sprintf("duplicate tenant hostname %s", key),
				map[string]any{"tenant": host},
			)
		}
		if err := validate(key, cfg); err != nil {
			return nil, err
		}
		normalized[key] = cfg
	}

	return &Registry{tenants: normalized}, nil
}

// validate checks one tenant: required fields, then Turnstile keys, then
// address syntax.
func validate(host string, cfg Config) error {
	var missing []string
	if cfg.To == "" {
		missing = append(missing, "to")
	}
	if cfg.FromAddress == "" {
		missing = append(missing, "fromAddress")
	}
	if cfg.FromName == "" {
		missing = append(missing, "fromName")
	}
	if len(missing) > 0 {
		return invalid(
			fmt.Sprintf("missing required fields for %s: %s", host, strings.Join(missing, ", ")),
			map[string]any{"tenant": host, "missing": missing},
		)
	}

	if cfg.Turnstile.SiteKey == "" || cfg.Turnstile.SecretKey == "" {
		return invalid(
			fmt.Sprintf("missing Turnstile configuration for %s", host),
			map[string]any{"tenant": host, "missing": []string{"turnstile"}},
		)
	}

	checks := []struct {
		field string
		value string
	}{
		{field: "to", value: cfg.To},
		{field: "fromAddress", value: cfg.FromAddress},
		{field: "cc", value: cfg.Cc},
		{field: "bcc", value: cfg.Bcc},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		if !emailPattern.MatchString(c.value) {
			return invalid(
				fmt.Sprintf("invalid %s email format for %s", c.field, host),
				map[string]any{"tenant": host, "field": c.field},
			)
		}
	}

	return nil
}

func invalid(message string, metadata map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryValidation).
		WithCode(http.StatusInternalServerError).
		WithTextCode(TextCodeInvalid)
	err.WithMetadata(metadata)
	return err
}

// Resolve maps an origin URL to its tenant. Unparsable origins and
// unregistered hosts report false.
func (r *Registry) Resolve(origin string) (Config, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		slog.Debug("origin not resolvable", "origin", origin)
		return Config{}, false
	}

	cfg, ok := r.tenants[strings.ToLower(u.Hostname())]
	if !ok {
		slog.Debug("no tenant for origin", "origin", origin, "host", u.Hostname())
	}
	return cfg, ok
}

// SiteKey returns the public Turnstile site key registered for host.
func (r *Registry) SiteKey(host string) (string, bool) {
	cfg, ok := r.tenants[strings.ToLower(strings.TrimSpace(host))]
	if !ok || cfg.Turnstile.SiteKey == "" {
		return "", false
	}
	return cfg.Turnstile.SiteKey, true
}

// Hosts returns the registered hostnames in sorted order.
func (r *Registry) Hosts() []string {
	hosts := make([]string, 0, len(r.tenants))
	for host := range r.tenants {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Len returns the number of registered tenants.
func (r *Registry) Len() int {
	return len(r.tenants)
}
