// Package config handles loading and validating the boopd.yaml configuration.
// boopd runs with zero config in dev mode; production deployments declare the
// store, token service and janitor schedule either in the file or through
// environment variables (which win over the file).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level boopd configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL points the store adapter at Postgres.
	DatabaseURL string `yaml:"database_url"`

	// TokenEndpoint is the base URL of the token service.
	TokenEndpoint string `yaml:"token_endpoint"`

	// TokenPrefix namespaces token cache keys.
	TokenPrefix string `yaml:"token_prefix"`

	// TokenCachePath locates the durable token cache. Empty disables the
	// durable tier.
	TokenCachePath string `yaml:"token_cache_path"`

	// JanitorSchedule is the cron expression driving ledger sweeps.
	JanitorSchedule string `yaml:"janitor_schedule"`

	// AdminAPIKey gates the admin endpoints when non-empty.
	AdminAPIKey string `yaml:"admin_api_key"`

	// AllowedOrigins restricts CORS and websocket origins. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxConns caps concurrently accepted TCP connections.
	MaxConns int `yaml:"max_conns"`

	// Dev runs against the in-memory store with no token service.
	Dev bool `yaml:"dev"`
}

// Default returns the dev-friendly defaults.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8080",
		TokenPrefix:     "boopd",
		TokenCachePath:  "boopd-tokens.db",
		JanitorSchedule: "@every 1h",
		MaxConns:        8192,
	}
}

// Load parses a boopd.yaml file, applies env overrides, and validates.
// An empty path skips the file and uses defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: BOOPD_CONFIG env var > ./boopd.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("BOOPD_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("boopd.yaml"); err == nil {
		return "boopd.yaml"
	}
	return ""
}

// applyEnv lets environment variables override the file.
func (c *Config) applyEnv() {
	setString := func(dst *string, name string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setString(&c.ListenAddr, "BOOP_LISTEN_ADDR")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.TokenEndpoint, "BOOP_TOKEN_ENDPOINT")
	setString(&c.TokenPrefix, "BOOP_TOKEN_PREFIX")
	setString(&c.TokenCachePath, "BOOP_TOKEN_CACHE")
	setString(&c.JanitorSchedule, "BOOP_JANITOR_SCHEDULE")
	setString(&c.AdminAPIKey, "BOOP_ADMIN_API_KEY")
	if v := os.Getenv("BOOP_DEV"); v == "1" || v == "true" {
		c.Dev = true
	}
}

// validate checks the required settings for the chosen mode.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Dev {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required outside dev mode")
	}
	if c.TokenEndpoint == "" {
		return fmt.Errorf("token_endpoint is required outside dev mode")
	}
	return nil
}
