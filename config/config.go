// Package config loads the mesh configuration.
//
// Precedence: defaults, then the YAML file, then AGENTMESH_* environment
// variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/mesh/discovery"
	"github.com/agentmesh/agentmesh/mesh/registry"
	"github.com/agentmesh/agentmesh/mesh/router"
	"github.com/agentmesh/agentmesh/mesh/rpc"
)

// envPrefix is the prefix of all environment overrides.
const envPrefix = "AGENTMESH_"

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Development switches to a human-friendly console encoder.
	Development bool `yaml:"development"`
}

// Build constructs a zap logger from the config.
func (c LogConfig) Build() (*zap.Logger, error) {
	var cfg zap.Config
	if c.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
		cfg.Level = level
	}
	return cfg.Build()
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	// Enabled turns tracing on; when false no exporter is created.
	Enabled bool `yaml:"enabled"`
	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// SampleRate is the trace sampling ratio (0-1).
	SampleRate float64 `yaml:"sample_rate"`
}

// Config is the complete mesh configuration.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Discovery discovery.Config `yaml:"discovery"`
	Registry  registry.Config  `yaml:"registry"`
	RPC       rpc.Config       `yaml:"rpc"`
	Router    router.Config    `yaml:"router"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName:  "agentmesh",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Discovery: *discovery.DefaultConfig(),
		Registry:  *registry.DefaultConfig(),
		RPC:       *rpc.DefaultConfig(),
		Router:    *router.DefaultConfig(),
	}
}

// Load reads the config file at path, applies environment overrides, and
// validates the result. A missing file yields the defaults; an empty path
// skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides select fields from AGENTMESH_* variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(envPrefix + "DISCOVERY_URLS"); v != "" {
		urls := strings.Split(v, ",")
		c.Discovery.URLs = c.Discovery.URLs[:0]
		for _, u := range urls {
			if u = strings.TrimSpace(u); u != "" {
				c.Discovery.URLs = append(c.Discovery.URLs, u)
			}
		}
	}
	if v := os.Getenv(envPrefix + "SCAN_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sSCAN_INTERVAL %q: %w", envPrefix, v, err)
		}
		c.Discovery.ScanInterval = d
	}
	if v := os.Getenv(envPrefix + "RPC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sRPC_TIMEOUT %q: %w", envPrefix, v, err)
		}
		c.RPC.DefaultTimeout = d
	}
	if v := os.Getenv(envPrefix + "RPC_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sRPC_MAX_CONCURRENT %q: %w", envPrefix, v, err)
		}
		c.RPC.MaxConcurrent = n
	}
	if v := os.Getenv(envPrefix + "CALLER_ID"); v != "" {
		c.RPC.CallerID = v
	}
	if v := os.Getenv(envPrefix + "OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
	return nil
}

// Validate checks the configuration for values the mesh cannot run with.
func (c *Config) Validate() error {
	if c.Discovery.ScanInterval <= 0 {
		return fmt.Errorf("discovery scan_interval must be positive, got %s", c.Discovery.ScanInterval)
	}
	if c.RPC.DefaultTimeout <= 0 {
		return fmt.Errorf("rpc default_timeout must be positive, got %s", c.RPC.DefaultTimeout)
	}
	if c.RPC.MaxConcurrent <= 0 {
		return fmt.Errorf("rpc max_concurrent must be positive, got %d", c.RPC.MaxConcurrent)
	}
	if c.Registry.EventBufferSize <= 0 {
		return fmt.Errorf("registry event_buffer_size must be positive, got %d", c.Registry.EventBufferSize)
	}
	for _, u := range c.Discovery.URLs {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid discovery url %q", u)
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry sample_rate must be within [0,1], got %v", c.Telemetry.SampleRate)
	}
	return nil
}
