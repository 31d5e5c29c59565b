package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
targets:
  - name: files
    transport: pipe
    command: ["npx", "server-filesystem", "/tmp"]
probe:
  concurrency: 8
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Explicit values win, everything else keeps the default.
	assert.Equal(t, 8, cfg.Probe.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Probe.Budget)
	assert.Equal(t, 30*time.Second, cfg.Probe.RequestTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, "info", cfg.LogLevel)

	require.Len(t, cfg.Targets, 1)
	assert.Equal(t, "files", cfg.Targets[0].Name)
	assert.Equal(t, []string{"npx", "server-filesystem", "/tmp"}, cfg.Targets[0].Command)
}

func TestLoadFullDocument(t *testing.T) {
	path := writeConfig(t, `
targets:
  - name: weather
    transport: sse
    endpoint: https://weather.example.com/events
    messageEndpoint: https://weather.example.com/rpc
    auth:
      type: bearer
      env: WEATHER_TOKEN
  - name: search
    transport: http
    endpoint: https://search.example.com/mcp
    headers:
      X-Tenant: acme
probe:
  concurrency: 2
  rateLimit: 10
  budget: 2m
  callTools: true
retry:
  maxAttempts: 5
  initialDelay: 500ms
  multiplier: 1.5
  maxDelay: 10s
breaker:
  failureThreshold: 3
  resetTime: 1m
baselinePath: /var/lib/mcpprobe/baseline.json
metricsAddr: ":9090"
logLevel: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, "bearer", cfg.Targets[0].Auth.Type)
	assert.Equal(t, "WEATHER_TOKEN", cfg.Targets[0].Auth.Env)
	assert.Equal(t, "acme", cfg.Targets[1].Headers["X-Tenant"])
	assert.Equal(t, 10.0, cfg.Probe.RateLimit)
	assert.Equal(t, 2*time.Minute, cfg.Probe.Budget)
	assert.True(t, cfg.Probe.CallTools)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 1.5, cfg.Retry.Multiplier)
	assert.Equal(t, uint32(3), cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.ResetTime)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "targets: [\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Targets = []TargetConfig{{Name: "a", Transport: "http", Endpoint: "http://x"}}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no targets", func(c *Config) { c.Targets = nil }, "at least one target"},
		{"unnamed target", func(c *Config) { c.Targets[0].Name = "" }, "has no name"},
		{"duplicate names", func(c *Config) {
			c.Targets = append(c.Targets, c.Targets[0])
		}, "duplicate target name"},
		{"pipe without command", func(c *Config) {
			c.Targets[0] = TargetConfig{Name: "p", Transport: "pipe"}
		}, "requires a command"},
		{"sse without endpoint", func(c *Config) {
			c.Targets[0] = TargetConfig{Name: "s", Transport: "sse"}
		}, "requires an endpoint"},
		{"unknown transport", func(c *Config) {
			c.Targets[0].Transport = "telepathy"
		}, "unknown transport"},
		{"zero concurrency", func(c *Config) { c.Probe.Concurrency = 0 }, "concurrency must be positive"},
		{"zero budget", func(c *Config) { c.Probe.Budget = 0 }, "budget must be positive"},
		{"zero retries", func(c *Config) { c.Retry.MaxAttempts = 0 }, "maxAttempts must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateAcceptsDefaultPlusTarget(t *testing.T) {
	cfg := Default()
	cfg.Targets = []TargetConfig{{Name: "files", Transport: "pipe", Command: []string{"server"}}}
	assert.NoError(t, cfg.Validate())
}
