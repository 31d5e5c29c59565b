// Package auth supplies outbound credentials for probe targets. A provider
// turns configured secrets into the headers a target expects; secrets can be
// given inline or pulled from the environment so config files stay clean.
package auth

import (
	"fmt"
	"os"
)

// Provider produces the authentication headers for one target.
type Provider interface {
	// Headers returns the headers to attach to every request.
	Headers() (map[string]string, error)
	// Type returns the provider identifier ("bearer", "apikey", "none").
	Type() string
}

// Config is the YAML shape of a target's credentials. Exactly one mechanism
// is configured; Env names an environment variable holding the secret and
// takes precedence over the inline value.
type Config struct {
	Type string `yaml:"type"`
	// Token is the inline secret for bearer auth.
	Token string `yaml:"token,omitempty"`
	// Key is the inline secret for apikey auth.
	Key string `yaml:"key,omitempty"`
	// Header overrides the header name for apikey auth. Default X-API-Key.
	Header string `yaml:"header,omitempty"`
	// Env names an environment variable holding the secret.
	Env string `yaml:"env,omitempty"`
}

// New builds a provider from config. A nil config means no authentication.
func New(cfg *Config) (Provider, error) {
	if cfg == nil || cfg.Type == "" || cfg.Type == "none" {
		return noneProvider{}, nil
	}
	switch cfg.Type {
	case "bearer":
		return &BearerProvider{token: cfg.Token, env: cfg.Env}, nil
	case "apikey":
		header := cfg.Header
		if header == "" {
			header = "X-API-Key"
		}
		return &APIKeyProvider{key: cfg.Key, env: cfg.Env, header: header}, nil
	default:
		return nil, fmt.Errorf("auth: unsupported type %q", cfg.Type)
	}
}

type noneProvider struct{}

func (noneProvider) Headers() (map[string]string, error) { return nil, nil }
func (noneProvider) Type() string                        { return "none" }

// BearerProvider attaches an Authorization: Bearer header.
type BearerProvider struct {
	token string
	env   string
}

func (p *BearerProvider) Type() string { return "bearer" }

func (p *BearerProvider) Headers() (map[string]string, error) {
	token, err := resolveSecret(p.token, p.env, "bearer token")
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// APIKeyProvider attaches the key under a configurable header.
type APIKeyProvider struct {
	key    string
	env    string
	header string
}

func (p *APIKeyProvider) Type() string { return "apikey" }

func (p *APIKeyProvider) Headers() (map[string]string, error) {
	key, err := resolveSecret(p.key, p.env, "api key")
	if err != nil {
		return nil, err
	}
	return map[string]string{p.header: key}, nil
}

func resolveSecret(inline, env, what string) (string, error) {
	if env != "" {
		v := os.Getenv(env)
		if v == "" {
			return "", fmt.Errorf("auth: environment variable %s is empty", env)
		}
		return v, nil
	}
	if inline == "" {
		return "", fmt.Errorf("auth: no %s configured", what)
	}
	return inline, nil
}
