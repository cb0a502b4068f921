// Package config loads and validates the YAML run configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full run configuration.
type Config struct {
	Proxy   ProxyConfig   `yaml:"proxy"`
	CA      CAConfig      `yaml:"ca"`
	Plugins PluginConfig  `yaml:"plugins"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	OTel    OTelConfig    `yaml:"otel"`
	Log     LogConfig     `yaml:"log"`
}

// ProxyConfig configures the listener and interception behavior.
type ProxyConfig struct {
	// Addr is the listen address (default "127.0.0.1:4201").
	Addr string `yaml:"addr"`

	// MITMEnabled turns HTTPS interception on (default true).
	MITMEnabled bool `yaml:"mitm_enabled"`

	// MaxBodySize bounds captured body bytes (default 2 MiB).
	MaxBodySize int `yaml:"max_body_size"`

	// BypassThreshold is handshake failures per host before MITM is
	// bypassed for it (default 3).
	BypassThreshold int `yaml:"bypass_threshold"`

	// RatePerSec limits accepted connections per second; 0 means
	// unlimited.
	RatePerSec float64 `yaml:"rate_per_sec"`

	// Upstream is an optional upstream proxy URL (http, https,
	// socks4, socks5, socks5h).
	Upstream string `yaml:"upstream"`
}

// CAConfig configures the certificate authority.
type CAConfig struct {
	// Dir is where the root certificate and key are persisted
	// (default "~/.mitmscan/ca", expanded at load).
	Dir string `yaml:"dir"`

	// LeafTTL is the per-host certificate lifetime (default 168h).
	LeafTTL time.Duration `yaml:"leaf_ttl"`
}

// PluginConfig configures the plugin engine.
type PluginConfig struct {
	// Dir holds user plugin scripts (*.tengo). Empty disables user
	// plugin loading; built-ins always register.
	Dir string `yaml:"dir"`

	// ScanTimeout bounds each plugin call (default 5s).
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// AutoDisableAfter disables a plugin after this many consecutive
	// failures; 0 keeps failing plugins enabled (default 0).
	AutoDisableAfter int `yaml:"auto_disable_after"`
}

// StorageConfig configures finding persistence.
type StorageConfig struct {
	// Path is the SQLite database file. Empty disables persistence.
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// OTelConfig configures trace export.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error (default "info").
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Addr:            "127.0.0.1:4201",
			MITMEnabled:     true,
			MaxBodySize:     2 * 1024 * 1024,
			BypassThreshold: 3,
		},
		CA: CAConfig{
			LeafTTL: 7 * 24 * time.Hour,
		},
		Plugins: PluginConfig{
			ScanTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		OTel: OTelConfig{
			Endpoint: "localhost:4317",
			Insecure: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks semantic constraints. Default() always validates.
func (c *Config) Validate() error {
	if c.Proxy.Addr == "" {
		return fmt.Errorf("%w: proxy.addr", ErrMissingRequired)
	}
	if c.Proxy.MaxBodySize < 0 {
		return fmt.Errorf("%w: proxy.max_body_size must be >= 0", ErrInvalidConfig)
	}
	if c.Proxy.RatePerSec < 0 {
		return fmt.Errorf("%w: proxy.rate_per_sec must be >= 0", ErrInvalidConfig)
	}
	if c.Plugins.ScanTimeout < 0 {
		return fmt.Errorf("%w: plugins.scan_timeout must be >= 0", ErrInvalidConfig)
	}
	if c.Plugins.AutoDisableAfter < 0 {
		return fmt.Errorf("%w: plugins.auto_disable_after must be >= 0", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr", ErrMissingRequired)
	}
	if c.OTel.Enabled && c.OTel.Endpoint == "" {
		return fmt.Errorf("%w: otel.endpoint", ErrMissingRequired)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}
