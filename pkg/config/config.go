// Package config loads and validates probe configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcpprobe/mcpprobe/pkg/auth"
	"github.com/mcpprobe/mcpprobe/pkg/observability"
)

// TargetConfig describes one MCP server to probe.
type TargetConfig struct {
	// Name identifies the target in output and metrics.
	Name string `yaml:"name"`
	// Transport is pipe, sse or http.
	Transport string `yaml:"transport"`
	// Command spawns the server for the pipe transport.
	Command []string `yaml:"command,omitempty"`
	// Endpoint is the base URL for sse/http transports.
	Endpoint string `yaml:"endpoint,omitempty"`
	// MessageEndpoint overrides the POST target for sse.
	MessageEndpoint string            `yaml:"messageEndpoint,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty"`
	// Auth configures outbound credentials for this target.
	Auth *auth.Config `yaml:"auth,omitempty"`
	// UseNewlineDelimited selects newline framing for pipe targets;
	// false selects Content-Length framing.
	UseNewlineDelimited *bool `yaml:"useNewlineDelimited,omitempty"`
}

// RetryConfig is the YAML shape of one retry policy.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
}

// BreakerConfig is the YAML shape of the circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failureThreshold"`
	FailureWindow    time.Duration `yaml:"failureWindow"`
	ResetTime        time.Duration `yaml:"resetTime"`
}

// ProbeConfig tunes the probe run.
type ProbeConfig struct {
	// Concurrency bounds parallel target probes.
	Concurrency int `yaml:"concurrency"`
	// RateLimit caps requests per second across the run. Zero disables.
	RateLimit float64 `yaml:"rateLimit"`
	// Budget bounds the whole run.
	Budget time.Duration `yaml:"budget"`
	// RequestTimeout bounds one request.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// CallTools invokes discovered tools with empty arguments when set.
	CallTools bool `yaml:"callTools"`
}

// Config is the root configuration document.
type Config struct {
	Targets []TargetConfig `yaml:"targets"`
	Probe   ProbeConfig    `yaml:"probe"`
	Retry   RetryConfig    `yaml:"retry"`
	Breaker BreakerConfig  `yaml:"breaker"`
	// BaselinePath stores the previous run's snapshot for drift detection.
	BaselinePath string                      `yaml:"baselinePath,omitempty"`
	Tracing      observability.TracingConfig `yaml:"tracing"`
	// MetricsAddr serves /metrics when non-empty, e.g. ":9090".
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
	LogLevel    string `yaml:"logLevel"`
}

// Default returns the baseline configuration applied before YAML overlay.
func Default() *Config {
	return &Config{
		Probe: ProbeConfig{
			Concurrency:    4,
			Budget:         5 * time.Minute,
			RequestTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			Multiplier:   2,
			MaxDelay:     30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTime:        30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and validates a YAML config file, overlaying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions before a run starts.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("config: at least one target is required")
	}
	seen := map[string]bool{}
	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("config: target %d has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("config: duplicate target name %q", t.Name)
		}
		seen[t.Name] = true
		switch t.Transport {
		case "pipe":
			if len(t.Command) == 0 {
				return fmt.Errorf("config: target %q: pipe transport requires a command", t.Name)
			}
		case "sse", "http":
			if t.Endpoint == "" {
				return fmt.Errorf("config: target %q: %s transport requires an endpoint", t.Name, t.Transport)
			}
		default:
			return fmt.Errorf("config: target %q: unknown transport %q", t.Name, t.Transport)
		}
	}
	if c.Probe.Concurrency <= 0 {
		return fmt.Errorf("config: probe concurrency must be positive")
	}
	if c.Probe.Budget <= 0 {
		return fmt.Errorf("config: probe budget must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry maxAttempts must be positive")
	}
	return nil
}
