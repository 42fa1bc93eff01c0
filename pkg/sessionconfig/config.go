// Package sessionconfig loads the Session Agent's YAML configuration,
// following the teacher's Config/DefaultConfig/LoadConfig shape (see
// pkg/config/config.go, pkg/session/config.go) rather than a flag-only
// setup.
package sessionconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the Session Agent's top-level configuration.
type Config struct {
	// Server is the HTTP(+WS) listen configuration.
	Server ServerConfig `yaml:"server"`

	// Sandbox is the sandbox provider's HTTP API root.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// DB is the database of record's HTTP API root.
	DB DBConfig `yaml:"db"`

	// Storage selects and configures the durable KV backend.
	Storage StorageConfig `yaml:"storage"`

	// RateLimit configures the per-user token bucket (spec §4.6).
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// CORS is the preflight allow-list (spec §6).
	CORS CORSConfig `yaml:"cors"`
}

// ServerConfig is the HTTP listen configuration.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// SandboxConfig points at the sandbox provider.
type SandboxConfig struct {
	ProviderBaseURL string `yaml:"provider_base_url"`
}

// DBConfig points at the database of record. SiteURL is a process-wide
// default: spec §6's `POST /sessions` body carries only
// `{sessionId, repo}`, not a per-request DB URL, so the router passes
// this value (not one derived from the request) into every
// `sessionactor.Initialize` call.
type DBConfig struct {
	SiteURL string `yaml:"site_url"`
}

// StorageConfig selects the durable-store backend.
type StorageConfig struct {
	// Backend is "redis" or "memory".
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig is forwarded into sessionstate.NewRedisBackend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	TTLHours int    `yaml:"ttl_hours"`
}

// RateLimitConfig configures the per-user token bucket of spec §4.6:
// 100 requests per rolling 60 s by default.
type RateLimitConfig struct {
	RequestsPerWindow int `yaml:"requests_per_window"`
	WindowSeconds     int `yaml:"window_seconds"`
}

// CORSConfig is the preflight allow-list of spec §6.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig returns the configuration used when no file is
// supplied, mirroring session.DefaultConfig()'s role for local/dev use.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Sandbox: SandboxConfig{
			ProviderBaseURL: os.Getenv("SANDBOX_PROVIDER_URL"),
		},
		DB: DBConfig{
			SiteURL: os.Getenv("DB_SITE_URL"),
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 100,
			WindowSeconds:     60,
		},
		CORS: CORSConfig{
			AllowedOrigins: nil,
		},
	}
}

// Load reads and parses a YAML config file, applying defaults for any
// zero-valued field and falling back to environment variables for the
// two external base URLs, same as LoadConfig's API-key fallback.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("sessionconfig: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("sessionconfig: parse %s: %w", path, err)
		}
	}

	if cfg.Sandbox.ProviderBaseURL == "" {
		cfg.Sandbox.ProviderBaseURL = os.Getenv("SANDBOX_PROVIDER_URL")
	}
	if cfg.DB.SiteURL == "" {
		cfg.DB.SiteURL = os.Getenv("DB_SITE_URL")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.RateLimit.RequestsPerWindow == 0 {
		cfg.RateLimit.RequestsPerWindow = 100
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}

	return &cfg, cfg.Validate()
}

// Validate checks the minimum configuration needed to serve traffic.
func (c *Config) Validate() error {
	if c.Sandbox.ProviderBaseURL == "" {
		return fmt.Errorf("sessionconfig: sandbox.provider_base_url (or SANDBOX_PROVIDER_URL) is required")
	}
	if c.DB.SiteURL == "" {
		return fmt.Errorf("sessionconfig: db.site_url (or DB_SITE_URL) is required")
	}
	if c.Storage.Backend != "redis" && c.Storage.Backend != "memory" {
		return fmt.Errorf("sessionconfig: storage.backend must be \"redis\" or \"memory\", got %q", c.Storage.Backend)
	}
	return nil
}
