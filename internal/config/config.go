// Package config loads and validates the CalendarRelay YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied by validate.
const (
	DefaultBackend        = "file"
	DefaultRedisAddr      = "localhost:6379"
	DefaultSyncInterval   = 60 * time.Minute
	DefaultFailureBackoff = 60 * time.Second
	DefaultListen         = "127.0.0.1:8000"

	// MinSyncInterval is the shortest accepted sync.interval.
	MinSyncInterval = time.Minute
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Sync      SyncConfig      `yaml:"sync"`
	HTTP      HTTPConfig      `yaml:"http"`
	Providers ProvidersConfig `yaml:"providers"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is one of "redis", "file" or "sqlite". Defaults to "file".
	// An unreachable redis falls back to the file backend at File.Path.
	Backend string       `yaml:"backend"`
	Redis   RedisConfig  `yaml:"redis"`
	File    FileConfig   `yaml:"file"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

type FileConfig struct {
	// Path is the data directory. Defaults to ~/.local/share/calendarrelay.
	Path string `yaml:"path"`
}

type SQLiteConfig struct {
	// Path is the database file. Defaults to calendarrelay.db in the file
	// backend directory.
	Path string `yaml:"path"`
}

// SyncConfig controls the periodic engine.
type SyncConfig struct {
	// Interval between scheduled runs. Minimum 1m, defaults to 60m.
	Interval time.Duration `yaml:"interval"`

	// Schedule is an optional five-field cron expression. When set it
	// replaces Interval.
	Schedule string `yaml:"schedule,omitempty"`

	// FailureBackoff is the pause after a failed run. Defaults to 60s.
	FailureBackoff time.Duration `yaml:"failure_backoff"`
}

// MarshalYAML writes durations as strings; yaml.v3 does not decode bare
// integers into time.Duration.
func (s SyncConfig) MarshalYAML() (any, error) {
	return struct {
		Interval       string `yaml:"interval"`
		Schedule       string `yaml:"schedule,omitempty"`
		FailureBackoff string `yaml:"failure_backoff"`
	}{s.Interval.String(), s.Schedule, s.FailureBackoff.String()}, nil
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// ProvidersConfig holds the application credentials for each provider.
// Per-account tokens live in the sync configuration, not here.
type ProvidersConfig struct {
	Google    GoogleConfig    `yaml:"google"`
	Microsoft MicrosoftConfig `yaml:"microsoft"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	CalDAV    CalDAVConfig    `yaml:"caldav"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type MicrosoftConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// TenantID defaults to "common".
	TenantID string `yaml:"tenant_id,omitempty"`
	// BaseURL overrides the Graph endpoint.
	BaseURL string `yaml:"base_url,omitempty"`
}

type ExchangeConfig struct {
	// BaseURL is the Graph-compatible endpoint of the Exchange server.
	BaseURL string `yaml:"base_url,omitempty"`
}

type CalDAVConfig struct {
	// Endpoint defaults to iCloud.
	Endpoint string `yaml:"endpoint,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "calendarrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/calendarrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calendarrelay", "config.yaml"), nil
}

// DefaultDataDir returns ~/.local/share/calendarrelay.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "calendarrelay"), nil
}

// Load reads and validates the configuration file at the given path.
// ${VAR} references are expanded from the environment before decoding.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories. The file is
// readable by the owner only since it can hold client secrets.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate fills defaults and checks that every field is well-formed.
func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = DefaultBackend
	case "redis", "file", "sqlite":
	default:
		return fmt.Errorf("storage.backend %q must be one of redis, file, sqlite", c.Storage.Backend)
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = DefaultRedisAddr
	}
	if c.Storage.Redis.DB < 0 {
		return fmt.Errorf("storage.redis.db %d must not be negative", c.Storage.Redis.DB)
	}
	if c.Storage.File.Path == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.Storage.File.Path = dir
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = filepath.Join(c.Storage.File.Path, "calendarrelay.db")
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = DefaultSyncInterval
	}
	if c.Sync.Interval < MinSyncInterval {
		return fmt.Errorf("sync.interval %v is too short (minimum 1m)", c.Sync.Interval)
	}
	if c.Sync.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			return fmt.Errorf("sync.schedule %q: %w", c.Sync.Schedule, err)
		}
	}
	if c.Sync.FailureBackoff == 0 {
		c.Sync.FailureBackoff = DefaultFailureBackoff
	}
	if c.Sync.FailureBackoff < 0 {
		return fmt.Errorf("sync.failure_backoff %v must not be negative", c.Sync.FailureBackoff)
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = DefaultListen
	}
	if _, _, err := net.SplitHostPort(c.HTTP.Listen); err != nil {
		return fmt.Errorf("http.listen %q must be host:port: %w", c.HTTP.Listen, err)
	}

	g := c.Providers.Google
	if (g.ClientID == "") != (g.ClientSecret == "") {
		return fmt.Errorf("providers.google needs both client_id and client_secret")
	}
	m := c.Providers.Microsoft
	if (m.ClientID == "") != (m.ClientSecret == "") {
		return fmt.Errorf("providers.microsoft needs both client_id and client_secret")
	}
	for name, raw := range map[string]string{
		"providers.microsoft.base_url": m.BaseURL,
		"providers.exchange.base_url":  c.Providers.Exchange.BaseURL,
		"providers.caldav.endpoint":    c.Providers.CalDAV.Endpoint,
	} {
		if raw == "" {
			continue
		}
		u, err := url.ParseRequestURI(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%s %q must be a valid http or https URL", name, raw)
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
