package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigurationError reports an invalid engine configuration. It is the
// only error kind raised at construction time; nothing configuration
// related may surface at first use instead.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e ConfigurationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}

const defaultConfigName = "modelgate.yml"

// Config models modelgate.yml.
type Config struct {
	Providers ProvidersConfig  `yaml:"providers"`
	Stages    StagesConfig     `yaml:"stages"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Pool      PoolConfig       `yaml:"pool"`
	Retention RetentionConfig  `yaml:"retention"`
	Agent     AgentConfig      `yaml:"agent"`
	Server    ServerConfig     `yaml:"server"`
	Webhooks  []WebhookConfig  `yaml:"webhooks"`
}

type ProvidersConfig struct {
	Default  string                    `yaml:"default"`
	Backends map[string]BackendConfig  `yaml:"backends"`
}

type BackendConfig struct {
	Kind           string   `yaml:"kind"` // anthropic, openai, gemini, subprocess, mock
	Model          string   `yaml:"model"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	BaseURL        string   `yaml:"base_url"`
	Command        []string `yaml:"command"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type StagesConfig struct {
	Basic            BasicStageConfig `yaml:"basic"`
	ToolAssisted     ToolStageConfig  `yaml:"tool_assisted"`
	HumanReviewAfter int              `yaml:"human_review_after"`
}

type BasicStageConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

type ToolStageConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	DelayMS     int    `yaml:"delay_ms"`
	Tool        string `yaml:"tool"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSeconds    int `yaml:"window_seconds"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

type PoolConfig struct {
	Workers int `yaml:"workers"`
	Queue   int `yaml:"queue"`
}

type RetentionConfig struct {
	Hours      int `yaml:"hours"`
	SweepEvery int `yaml:"sweep_every_seconds"`
}

type AgentConfig struct {
	Provider string   `yaml:"provider"`
	MaxDepth int      `yaml:"max_depth"`
	Tools    []string `yaml:"tools"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	BasePath       string `yaml:"base_path"`
	JWTSecret      string `yaml:"jwt_secret"`
	AllowAnonymous bool   `yaml:"allow_anonymous"`
	AttemptTimeout int    `yaml:"attempt_timeout_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Default returns a runnable configuration backed by the mock provider.
func Default() *Config {
	c := &Config{}
	c.Providers.Default = "mock"
	c.Providers.Backends = map[string]BackendConfig{
		"mock": {Kind: "mock"},
	}
	c.Stages.Basic = BasicStageConfig{MaxAttempts: 3, BaseDelayMS: 200, MaxDelayMS: 5000}
	c.Stages.ToolAssisted = ToolStageConfig{MaxAttempts: 2, DelayMS: 1000, Tool: "echo"}
	c.Stages.HumanReviewAfter = 5
	c.Breaker = BreakerConfig{FailureThreshold: 5, WindowSeconds: 60, CooldownSeconds: 30}
	c.Pool = PoolConfig{Workers: 4, Queue: 256}
	c.Retention = RetentionConfig{Hours: 24, SweepEvery: 600}
	c.Agent = AgentConfig{Provider: "mock", MaxDepth: 2}
	c.Server = ServerConfig{Addr: ":8080", BasePath: "/v0", AllowAnonymous: true, AttemptTimeout: 120}
	return c
}

// Path returns the config file path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, defaultConfigName)
}

// Load reads and validates config from workspace. A missing file yields
// the defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a YAML document.
func FromYAML(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate enforces the construction-time invariants.
func (c *Config) Validate() error {
	if len(c.Providers.Backends) == 0 {
		return ConfigurationError{Field: "providers.backends", Msg: "at least one backend is required"}
	}
	if c.Providers.Default == "" {
		return ConfigurationError{Field: "providers.default", Msg: "default provider is required"}
	}
	if _, ok := c.Providers.Backends[c.Providers.Default]; !ok {
		return ConfigurationError{Field: "providers.default", Msg: fmt.Sprintf("unknown backend %q", c.Providers.Default)}
	}
	for id, b := range c.Providers.Backends {
		switch b.Kind {
		case "anthropic", "openai", "gemini", "mock":
		case "subprocess":
			if len(b.Command) == 0 {
				return ConfigurationError{Field: "providers.backends." + id, Msg: "subprocess backend requires command"}
			}
		default:
			return ConfigurationError{Field: "providers.backends." + id, Msg: fmt.Sprintf("unknown kind %q", b.Kind)}
		}
	}
	if c.Stages.Basic.MaxAttempts < 0 {
		return ConfigurationError{Field: "stages.basic.max_attempts", Msg: "must be a non-negative integer"}
	}
	if c.Stages.ToolAssisted.MaxAttempts < 0 {
		return ConfigurationError{Field: "stages.tool_assisted.max_attempts", Msg: "must be a non-negative integer"}
	}
	if c.Stages.HumanReviewAfter < 0 {
		return ConfigurationError{Field: "stages.human_review_after", Msg: "must be a non-negative integer"}
	}
	if c.Stages.HumanReviewAfter == 0 {
		c.Stages.HumanReviewAfter = c.Stages.Basic.MaxAttempts + c.Stages.ToolAssisted.MaxAttempts
	}
	if c.Stages.Basic.MaxAttempts > c.Stages.HumanReviewAfter {
		return ConfigurationError{Field: "stages", Msg: "tool_assisted threshold exceeds human_review threshold"}
	}
	if c.Stages.ToolAssisted.MaxAttempts > 0 && c.Stages.ToolAssisted.Tool == "" {
		return ConfigurationError{Field: "stages.tool_assisted.tool", Msg: "tool is required when tool_assisted attempts are configured"}
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.WindowSeconds < 0 || c.Breaker.CooldownSeconds < 0 {
		return ConfigurationError{Field: "breaker", Msg: "thresholds must be non-negative"}
	}
	if c.Pool.Workers <= 0 {
		return ConfigurationError{Field: "pool.workers", Msg: "must be positive"}
	}
	if c.Agent.MaxDepth < 0 {
		return ConfigurationError{Field: "agent.max_depth", Msg: "must be a non-negative integer"}
	}
	if c.Agent.Provider != "" {
		if _, ok := c.Providers.Backends[c.Agent.Provider]; !ok {
			return ConfigurationError{Field: "agent.provider", Msg: fmt.Sprintf("unknown backend %q", c.Agent.Provider)}
		}
	}
	return nil
}

// BasicBackoff returns the base and cap delays for the basic stage.
func (c *Config) BasicBackoff() (base, max time.Duration) {
	return time.Duration(c.Stages.Basic.BaseDelayMS) * time.Millisecond,
		time.Duration(c.Stages.Basic.MaxDelayMS) * time.Millisecond
}

// ToYAML serializes the configuration.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
