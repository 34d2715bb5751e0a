// Package config loads and validates the editionsync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Bounds applied by validate.
const (
	DefaultListenAddr      = ":8080"
	DefaultSourceTimeout   = 30 * time.Second
	DefaultDuplicateWindow = time.Minute
	DefaultProductTimeout  = 60 * time.Second
	DefaultLockTTL         = 2 * time.Minute
	MaxConcurrency         = 16
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ListenAddr is the HTTP listen address of the serve command. Defaults to ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the SQLite file holding line items and sync runs.
	// Defaults to ~/.local/share/editionsync/editions.db when empty.
	DatabasePath string `yaml:"database_path"`

	// OrderSource configures the commerce API that owns orders and products.
	OrderSource OrderSourceConfig `yaml:"order_source"`

	// CertificateBaseURL prefixes the certificate URL issued to each new line item.
	CertificateBaseURL string `yaml:"certificate_base_url"`

	Sync SyncConfig `yaml:"sync"`
	Lock LockConfig `yaml:"lock"`

	// CORSOrigins lists admin UI origins allowed to call the API.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// OrderSourceConfig holds the order source connection settings.
type OrderSourceConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	// Timeout bounds a single HTTP request. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig tunes the edition pipeline.
type SyncConfig struct {
	// DuplicateWindow is the created_at bucket used to group duplicates. Defaults to 1m.
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	// ProductTimeout bounds each order source call for one product. Defaults to 60s.
	ProductTimeout time.Duration `yaml:"product_timeout"`
	// Concurrency is the number of products synced in parallel (1-16). Defaults to 1.
	Concurrency int `yaml:"concurrency"`

	// ScheduleInterval enables periodic resyncs of ScheduledProducts in serve
	// mode. Zero disables the scheduler; minimum 1m.
	ScheduleInterval  time.Duration `yaml:"schedule_interval"`
	ScheduledProducts []string      `yaml:"scheduled_products,omitempty"`
	// ScheduledForce refetches orders on every scheduled pass.
	ScheduledForce bool `yaml:"scheduled_force"`
}

// LockConfig selects the per-product lock implementation.
type LockConfig struct {
	// RedisAddr enables the distributed Redis lock when set (e.g. "localhost:6379").
	// Leave empty for an in-process lock.
	RedisAddr string `yaml:"redis_addr"`
	// TTL is the Redis lock expiry, renewed every TTL/3 while a sync holds
	// the lock. Defaults to 2m.
	TTL time.Duration `yaml:"ttl"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "editionsync".
	ServiceName string `yaml:"service_name"`

	// Headers are sent as gRPC metadata on every OTLP request, e.g.
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/editionsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "editionsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks required fields and fills in defaults.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}

	if err := validHTTPURL("order_source.base_url", c.OrderSource.BaseURL); err != nil {
		return err
	}
	if c.OrderSource.Token == "" {
		return fmt.Errorf("order_source.token is required")
	}
	if c.OrderSource.Timeout == 0 {
		c.OrderSource.Timeout = DefaultSourceTimeout
	}
	if c.OrderSource.Timeout < 0 {
		return fmt.Errorf("order_source.timeout %v must be positive", c.OrderSource.Timeout)
	}

	if err := validHTTPURL("certificate_base_url", c.CertificateBaseURL); err != nil {
		return err
	}

	if c.Sync.DuplicateWindow == 0 {
		c.Sync.DuplicateWindow = DefaultDuplicateWindow
	}
	if c.Sync.DuplicateWindow < time.Second {
		return fmt.Errorf("sync.duplicate_window %v is too short (minimum 1s)", c.Sync.DuplicateWindow)
	}
	if c.Sync.ProductTimeout == 0 {
		c.Sync.ProductTimeout = DefaultProductTimeout
	}
	if c.Sync.ProductTimeout < 0 {
		return fmt.Errorf("sync.product_timeout %v must be positive", c.Sync.ProductTimeout)
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 1
	}
	if c.Sync.Concurrency < 1 || c.Sync.Concurrency > MaxConcurrency {
		return fmt.Errorf("sync.concurrency %d is out of range (1-%d)", c.Sync.Concurrency, MaxConcurrency)
	}

	switch {
	case c.Sync.ScheduleInterval < 0:
		return fmt.Errorf("sync.schedule_interval %v must not be negative", c.Sync.ScheduleInterval)
	case c.Sync.ScheduleInterval > 0 && c.Sync.ScheduleInterval < time.Minute:
		return fmt.Errorf("sync.schedule_interval %v is too short (minimum 1m)", c.Sync.ScheduleInterval)
	case c.Sync.ScheduleInterval > 0 && len(c.Sync.ScheduledProducts) == 0:
		return fmt.Errorf("sync.scheduled_products must contain at least one entry when schedule_interval is set")
	}
	for _, id := range c.Sync.ScheduledProducts {
		if id == "" {
			return fmt.Errorf("sync.scheduled_products contains an empty product ID")
		}
	}

	if c.Lock.TTL == 0 {
		c.Lock.TTL = DefaultLockTTL
	}
	if c.Lock.TTL < time.Second {
		return fmt.Errorf("lock.ttl %v is too short (minimum 1s)", c.Lock.TTL)
	}

	for _, o := range c.CORSOrigins {
		if o == "" {
			return fmt.Errorf("cors_origins contains an empty origin")
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func validHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be a valid http or https URL", field, raw)
	}
	return nil
}
