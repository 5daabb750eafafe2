// Package config loads the server's runtime configuration: environment
// variables (spec §6's enumerated table) are authoritative, with an
// optional YAML/JSON file providing defaults that env vars override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the server's full runtime configuration, assembled from
// environment variables and an optional config file.
type Config struct {
	GoogleSearchAPIKey string `json:"google_custom_search_api_key,omitempty" yaml:"google_custom_search_api_key,omitempty"`
	GoogleSearchID     string `json:"google_custom_search_id,omitempty" yaml:"google_custom_search_id,omitempty"`

	OAuthIssuerURL string `json:"oauth_issuer_url,omitempty" yaml:"oauth_issuer_url,omitempty"`
	OAuthAudience  string `json:"oauth_audience,omitempty" yaml:"oauth_audience,omitempty"`

	Port           int      `json:"port,omitempty" yaml:"port,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
	EnforceHTTPS   bool     `json:"enforce_https,omitempty" yaml:"enforce_https,omitempty"`

	CacheStoragePath      string        `json:"cache_storage_path,omitempty" yaml:"cache_storage_path,omitempty"`
	EventStoreStoragePath string        `json:"event_store_storage_path,omitempty" yaml:"event_store_storage_path,omitempty"`
	CacheDefaultTTL       time.Duration `json:"cache_default_ttl,omitempty" yaml:"cache_default_ttl,omitempty"`
	CacheMaxSize          int           `json:"cache_max_size,omitempty" yaml:"cache_max_size,omitempty"`
	CacheAdminKey         string        `json:"cache_admin_key,omitempty" yaml:"cache_admin_key,omitempty"`

	// EventStoreTTLSet distinguishes "EVENT_STORE_TTL_MS=0" (explicit,
	// reap-immediately) from the variable being absent entirely (apply the
	// 24h convenience default). A plain zero-value Duration can't carry
	// that distinction on its own.
	EventStoreTTL    time.Duration `json:"event_store_ttl,omitempty" yaml:"event_store_ttl,omitempty"`
	EventStoreTTLSet bool          `json:"-" yaml:"-"`

	AllowPrivateIPs bool `json:"allow_private_ips,omitempty" yaml:"allow_private_ips,omitempty"`
}

// ApplyDefaults fills in the defaults named in spec §6's environment
// variable table.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.CacheDefaultTTL == 0 {
		c.CacheDefaultTTL = 30 * time.Minute
	}
	if c.CacheMaxSize == 0 {
		c.CacheMaxSize = 5000
	}
	if !c.EventStoreTTLSet {
		c.EventStoreTTL = 24 * time.Hour
	}
}

// Validate reports configuration errors that should abort startup with
// exit code 1 (spec §6: "1 configuration error (missing required env)").
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if (c.GoogleSearchAPIKey == "") != (c.GoogleSearchID == "") {
		return fmt.Errorf("GOOGLE_CUSTOM_SEARCH_API_KEY and GOOGLE_CUSTOM_SEARCH_ID must be set together")
	}
	if c.OAuthIssuerURL != "" && c.OAuthAudience == "" {
		return fmt.Errorf("OAUTH_AUDIENCE is required when OAUTH_ISSUER_URL is set")
	}
	return nil
}

// GoogleSearchEnabled reports whether the google_search and
// search_and_scrape tools have the Google Custom Search credentials they
// need.
func (c *Config) GoogleSearchEnabled() bool {
	return c.GoogleSearchAPIKey != "" && c.GoogleSearchID != ""
}

// OAuthEnabled reports whether bearer-token validation should be enforced
// on the HTTP transport.
func (c *Config) OAuthEnabled() bool {
	return c.OAuthIssuerURL != ""
}

// Secrets returns every credential value that must never appear in logs
// (wired into internal/redact's scrubber).
func (c *Config) Secrets() []string {
	var secrets []string
	if c.GoogleSearchAPIKey != "" {
		secrets = append(secrets, c.GoogleSearchAPIKey)
	}
	if c.CacheAdminKey != "" {
		secrets = append(secrets, c.CacheAdminKey)
	}
	return secrets
}

// FromEnv reads every variable in spec §6's table, falling back to
// whatever base already holds (typically populated from a config file).
func FromEnv(base Config) (Config, error) {
	cfg := base

	if v, ok := os.LookupEnv("GOOGLE_CUSTOM_SEARCH_API_KEY"); ok {
		cfg.GoogleSearchAPIKey = v
	}
	if v, ok := os.LookupEnv("GOOGLE_CUSTOM_SEARCH_ID"); ok {
		cfg.GoogleSearchID = v
	}
	if v, ok := os.LookupEnv("OAUTH_ISSUER_URL"); ok {
		cfg.OAuthIssuerURL = v
	}
	if v, ok := os.LookupEnv("OAUTH_AUDIENCE"); ok {
		cfg.OAuthAudience = v
	}
	if v, ok := os.LookupEnv("PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("PORT: %w", err)
		}
		cfg.Port = n
	}
	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v, ok := os.LookupEnv("ENFORCE_HTTPS"); ok {
		cfg.EnforceHTTPS = isTruthy(v)
	}
	if v, ok := os.LookupEnv("CACHE_STORAGE_PATH"); ok {
		cfg.CacheStoragePath = v
	}
	if v, ok := os.LookupEnv("EVENT_STORE_STORAGE_PATH"); ok {
		cfg.EventStoreStoragePath = v
	}
	if v, ok := os.LookupEnv("CACHE_DEFAULT_TTL"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("CACHE_DEFAULT_TTL: %w", err)
		}
		cfg.CacheDefaultTTL = time.Duration(ms) * time.Millisecond
	}
	if v, ok := os.LookupEnv("EVENT_STORE_TTL_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("EVENT_STORE_TTL_MS: %w", err)
		}
		if ms < 0 {
			return cfg, fmt.Errorf("EVENT_STORE_TTL_MS: must not be negative")
		}
		cfg.EventStoreTTL = time.Duration(ms) * time.Millisecond
		cfg.EventStoreTTLSet = true
	}
	if v, ok := os.LookupEnv("CACHE_MAX_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("CACHE_MAX_SIZE: %w", err)
		}
		cfg.CacheMaxSize = n
	}
	if v, ok := os.LookupEnv("CACHE_ADMIN_KEY"); ok {
		cfg.CacheAdminKey = v
	}
	if v, ok := os.LookupEnv("ALLOW_PRIVATE_IPS"); ok {
		cfg.AllowPrivateIPs = isTruthy(v)
	}

	return cfg, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
