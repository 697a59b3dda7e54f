package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Filters   FiltersConfig   `yaml:"filters"`
	Routing   RoutingConfig   `yaml:"routing"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// AuthConfig lists the API keys accepted by the gateway. Keys are stored as
// SHA-256 hex digests; see cmd/keygen.
type AuthConfig struct {
	Enabled bool        `yaml:"enabled"`
	Keys    []KeyConfig `yaml:"keys"`
}

type KeyConfig struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Hash          string   `yaml:"hash"`
	AllowedModels []string `yaml:"allowed_models"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

type FiltersConfig struct {
	QueryRewrite QueryRewriteConfig `yaml:"query_rewrite"`
}

const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"

	PromptExpandOrDecompose = "expand_or_decompose"
	PromptExpand            = "expand"
	PromptDecompose         = "decompose"
	PromptCustom            = "custom"

	SkipHeuristic = "heuristic"
	SkipNever     = "never"
	SkipRego      = "rego"
)

// QueryRewriteConfig holds the valves of the query rewrite filter. A filter
// takes a copy at construction and never sees later changes.
type QueryRewriteConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Pipelines []string `yaml:"pipelines" json:"pipelines"`
	Priority  int      `yaml:"priority" json:"priority"`

	Backend string        `yaml:"backend" json:"backend"`
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Model   string        `yaml:"model" json:"model"`
	APIKey  string        `yaml:"api_key" json:"api_key,omitempty"`
	Timeout time.Duration `yaml:"timeout" json:"-"`

	Prompt       string `yaml:"prompt" json:"prompt"`
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt,omitempty"`
	UserTemplate string `yaml:"user_template" json:"user_template,omitempty"`

	SkipPolicy     string `yaml:"skip_policy" json:"skip_policy"`
	SkipPolicyPath string `yaml:"skip_policy_path" json:"skip_policy_path,omitempty"`

	IncludeHistory bool `yaml:"include_history" json:"include_history"`
	HistoryTurns   int  `yaml:"history_turns" json:"history_turns"`
}

// Validate checks enum fields and required values.
func (c QueryRewriteConfig) Validate() error {
	switch c.Backend {
	case BackendOllama, BackendOpenAI:
	default:
		return fmt.Errorf("query_rewrite: unknown backend %q", c.Backend)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("query_rewrite: base_url is required")
	}
	if c.Model == "" {
		return fmt.Errorf("query_rewrite: model is required")
	}
	switch c.Prompt {
	case PromptExpandOrDecompose, PromptExpand, PromptDecompose:
	case PromptCustom:
		if c.UserTemplate == "" {
			return fmt.Errorf("query_rewrite: user_template is required for custom prompt")
		}
	default:
		return fmt.Errorf("query_rewrite: unknown prompt %q", c.Prompt)
	}
	switch c.SkipPolicy {
	case SkipHeuristic, SkipNever:
	case SkipRego:
		if c.SkipPolicyPath == "" {
			return fmt.Errorf("query_rewrite: skip_policy_path is required for rego skip policy")
		}
	default:
		return fmt.Errorf("query_rewrite: unknown skip_policy %q", c.SkipPolicy)
	}
	if c.HistoryTurns < 0 {
		return fmt.Errorf("query_rewrite: history_turns must not be negative")
	}
	return nil
}

type RoutingConfig struct {
	DefaultTimeout time.Duration        `yaml:"default_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

// DefaultQueryRewriteConfig mirrors the valves a fresh filter starts with.
func DefaultQueryRewriteConfig() QueryRewriteConfig {
	return QueryRewriteConfig{
		Enabled:      true,
		Pipelines:    []string{"*"},
		Priority:     0,
		Backend:      BackendOllama,
		BaseURL:      "http://ollama:11434",
		Model:        "llama3.2",
		Timeout:      30 * time.Second,
		Prompt:       PromptExpandOrDecompose,
		SkipPolicy:   SkipHeuristic,
		HistoryTurns: 4,
	}
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             9099,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Auth: AuthConfig{Enabled: true},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		Filters: FiltersConfig{
			QueryRewrite: DefaultQueryRewriteConfig(),
		},
		Routing: RoutingConfig{
			DefaultTimeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:      5,
				RecoveryProbeInterval: 15 * time.Second,
			},
		},
	}
}
