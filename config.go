package solarportal

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"solar_portal/agentforce"
	"solar_portal/auth"
	"solar_portal/llm"
)

// Auth modes.
const (
	AuthRemote = "remote"
	AuthLocal  = "local"
)

// Providers lists the supported chat providers.
var Providers = []string{llm.ProviderName, agentforce.ProviderName}

// Config is the portal configuration, read from YAML and then overridden
// from the environment.
type Config struct {
	Listen         string   `yaml:"listen"`
	UpstreamURL    string   `yaml:"upstream_url"`
	Provider       string   `yaml:"provider"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// TraceCapacity is how many recent chat turns are kept for
	// /api/chat/traces. Zero disables tracing.
	TraceCapacity int `yaml:"trace_capacity"`

	Auth       AuthConfig        `yaml:"auth"`
	LLM        llm.Config        `yaml:"llm"`
	Agentforce agentforce.Config `yaml:"agentforce"`
	Log        LogConfig         `yaml:"log"`
}

// AuthConfig selects how bearer tokens are validated.
type AuthConfig struct {
	// Mode is "remote" (validate against the upstream /auth/me) or "local"
	// (issue and verify HS256 tokens for the configured users).
	Mode        string            `yaml:"mode"`
	CacheTTL    time.Duration     `yaml:"cache_ttl"`
	JWTSecret   string            `yaml:"jwt_secret"`
	TokenExpiry time.Duration     `yaml:"token_expiry"`
	Users       []auth.UserConfig `yaml:"users"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Listen:        ":8080",
		Provider:      llm.ProviderName,
		TraceCapacity: 500,
		Auth: AuthConfig{
			Mode:        AuthRemote,
			CacheTTL:    5 * time.Minute,
			TokenExpiry: 24 * time.Hour,
		},
		LLM: llm.Config{
			MaxToolRounds: 8,
			HistoryTTL:    time.Hour,
		},
		Agentforce: agentforce.Config{
			IdleTimeout: 60 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads path over the defaults and applies environment
// overrides. An empty path uses defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides replaces file values with any set environment variables.
func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		key string
		dst *string
	}{
		{"PORTAL_LISTEN", &c.Listen},
		{"UPSTREAM_API_URL", &c.UpstreamURL},
		{"CHAT_PROVIDER", &c.Provider},
		{"AUTH_MODE", &c.Auth.Mode},
		{"JWT_SECRET", &c.Auth.JWTSecret},
		{"INFERENCE_URL", &c.LLM.BaseURL},
		{"INFERENCE_KEY", &c.LLM.APIKey},
		{"INFERENCE_MODEL_ID", &c.LLM.Model},
		{"SF_MY_DOMAIN_URL", &c.Agentforce.MyDomainURL},
		{"SF_CLIENT_ID", &c.Agentforce.ClientID},
		{"SF_CLIENT_SECRET", &c.Agentforce.ClientSecret},
		{"SF_AGENT_ID", &c.Agentforce.AgentID},
		{"LOG_LEVEL", &c.Log.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.key); v != "" {
			*o.dst = v
		}
	}
}

// Validate reports every missing or inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}

	switch c.Auth.Mode {
	case AuthRemote:
		if c.UpstreamURL == "" {
			errs = append(errs, errors.New("upstream_url is required for remote auth (set UPSTREAM_API_URL)"))
		}
	case AuthLocal:
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required for local auth (set JWT_SECRET)"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid auth mode %q (valid: %s, %s)", c.Auth.Mode, AuthRemote, AuthLocal))
	}

	switch c.Provider {
	case llm.ProviderName:
		if c.LLM.Model == "" {
			errs = append(errs, errors.New("llm.model is required (set INFERENCE_MODEL_ID)"))
		}
		for i, t := range c.LLM.Tools {
			if t.Name == "" || t.URL == "" {
				errs = append(errs, fmt.Errorf("llm.tools[%d]: name and url are required", i))
			}
		}
	case agentforce.ProviderName:
		af := c.Agentforce
		if af.MyDomainURL == "" || af.ClientID == "" || af.ClientSecret == "" || af.AgentID == "" {
			errs = append(errs, errors.New("agentforce requires my_domain_url, client_id, client_secret and agent_id (SF_* variables)"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid provider %q (valid: %v)", c.Provider, Providers))
	}

	if c.TraceCapacity < 0 {
		errs = append(errs, errors.New("trace_capacity must not be negative"))
	}
	if c.Log.Format != "" && !slices.Contains([]string{"json", "console"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("invalid log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
