package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/turnloop/internal/logger"
)

// Config represents the main turnloop configuration
type Config struct {
	// Data directory, defaults to ~/.turnloop
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace root handed to tools when an agent does not set its own
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	Agents    []AgentConfig    `json:"agents" mapstructure:"agents"`
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`
	Sessions  SessionsConfig   `json:"sessions" mapstructure:"sessions"`
	Run       RunConfig        `json:"run" mapstructure:"run"`
	Logging   logger.Config    `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig    `json:"metrics" mapstructure:"metrics"`
	Tracing   TracingConfig    `json:"tracing" mapstructure:"tracing"`
}

// AgentConfig represents an agent configuration
type AgentConfig struct {
	ID           string         `json:"id" mapstructure:"id"`
	Name         string         `json:"name" mapstructure:"name"`
	Model        string         `json:"model" mapstructure:"model"`
	Temperature  float64        `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int            `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string         `json:"system_prompt" mapstructure:"system_prompt"`
	Tools        []string       `json:"tools" mapstructure:"tools"` // empty = every registered tool
	Workspace    string         `json:"workspace" mapstructure:"workspace"`
	Settings     map[string]any `json:"settings,omitempty" mapstructure:"settings"`
}

// ProviderConfig is one completion backend credential profile.
type ProviderConfig struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// SessionsConfig selects and tunes the session store.
type SessionsConfig struct {
	Backend   string        `json:"backend" mapstructure:"backend"` // file, sqlite, memory
	Dir       string        `json:"dir" mapstructure:"dir"`
	CacheSize int           `json:"cache_size" mapstructure:"cache_size"` // 0 disables the LRU
	Cleanup   CleanupConfig `json:"cleanup" mapstructure:"cleanup"`
}

// CleanupConfig controls the periodic session pruning job.
type CleanupConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
	MaxAge   string `json:"max_age" mapstructure:"max_age"`   // Go duration, e.g. 720h
}

// MaxAgeDuration parses MaxAge. Invalid values are caught by Validate.
func (c CleanupConfig) MaxAgeDuration() time.Duration {
	d, _ := time.ParseDuration(c.MaxAge)
	return d
}

// RunConfig holds turn loop defaults.
type RunConfig struct {
	MaxTurns           int  `json:"max_turns" mapstructure:"max_turns"`
	SerializeSessions  bool `json:"serialize_sessions" mapstructure:"serialize_sessions"`
	ToolTimeoutSeconds int  `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	ExecTimeoutSeconds int  `json:"exec_timeout_seconds" mapstructure:"exec_timeout_seconds"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig controls OpenTelemetry setup. Spans are only exported when
// Endpoint is set.
type TracingConfig struct {
	Enabled     bool              `json:"enabled" mapstructure:"enabled"`
	ServiceName string            `json:"service_name" mapstructure:"service_name"`
	Endpoint    string            `json:"endpoint,omitempty" mapstructure:"endpoint"`
	Protocol    string            `json:"protocol,omitempty" mapstructure:"protocol"` // grpc, http
	Insecure    bool              `json:"insecure,omitempty" mapstructure:"insecure"`
	Headers     map[string]string `json:"headers,omitempty" mapstructure:"headers"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	logCfg := logger.DefaultConfig()
	logCfg.Pretty = false

	return &Config{
		Agents: []AgentConfig{
			{
				ID:          "default",
				Name:        "Default Agent",
				Model:       "claude-sonnet-4-5",
				Temperature: 0.7,
				MaxTokens:   4096,
			},
		},
		Providers: []ProviderConfig{},
		Sessions: SessionsConfig{
			Backend:   "file",
			CacheSize: 128,
			Cleanup: CleanupConfig{
				Enabled:  false,
				Schedule: "0 3 * * *",
				MaxAge:   "720h",
			},
		},
		Run: RunConfig{
			MaxTurns:           10,
			SerializeSessions:  true,
			ToolTimeoutSeconds: 120,
			ExecTimeoutSeconds: 60,
		},
		Logging: logCfg,
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "turnloop",
		},
	}
}

// Agent returns the agent config with the given id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// String returns a JSON representation of the config with API keys masked
func (c *Config) String() string {
	masked := *c
	masked.Providers = make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Providers[i] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid. Providers are optional so
// that read-only commands (sessions, tools) work without credentials.
func (c *Config) Validate() error {
	v := NewValidator()

	seenProviders := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: ID is required", i)
		}
		if seenProviders[p.ID] {
			return fmt.Errorf("provider %s: duplicate ID", p.ID)
		}
		seenProviders[p.ID] = true
		if err := v.ValidateProvider(p.Provider); err != nil {
			return fmt.Errorf("provider %s: %w", p.ID, err)
		}
		// Custom endpoints (proxies, compatible servers) use their own key formats.
		if p.BaseURL != "" {
			if p.APIKey == "" {
				return fmt.Errorf("provider %s: api_key is required", p.ID)
			}
		} else if err := v.ValidateAPIKey(p.APIKey, p.Provider); err != nil {
			return fmt.Errorf("provider %s: %w", p.ID, err)
		}
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	seenAgents := make(map[string]bool)
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent %d: ID is required", i)
		}
		if seenAgents[a.ID] {
			return fmt.Errorf("agent %s: duplicate ID", a.ID)
		}
		seenAgents[a.ID] = true
		if a.Model == "" {
			return fmt.Errorf("agent %s: model is required", a.ID)
		}
		if err := v.ValidateTemperature(a.Temperature); err != nil {
			return fmt.Errorf("agent %s: %w", a.ID, err)
		}
		if a.MaxTokens < 0 {
			return fmt.Errorf("agent %s: max_tokens must not be negative", a.ID)
		}
	}

	if err := v.ValidateSessionBackend(c.Sessions.Backend); err != nil {
		return err
	}
	if c.Sessions.CacheSize < 0 {
		return fmt.Errorf("sessions.cache_size must not be negative")
	}
	if c.Sessions.Cleanup.Enabled {
		if err := v.ValidateSchedule(c.Sessions.Cleanup.Schedule); err != nil {
			return err
		}
		if err := v.ValidateDuration(c.Sessions.Cleanup.MaxAge); err != nil {
			return fmt.Errorf("sessions.cleanup.max_age: %w", err)
		}
	}

	if c.Run.MaxTurns < 1 {
		return fmt.Errorf("run.max_turns must be at least 1")
	}
	if c.Run.ToolTimeoutSeconds < 0 || c.Run.ExecTimeoutSeconds < 0 {
		return fmt.Errorf("run timeouts must not be negative")
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	switch c.Tracing.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("tracing.protocol must be grpc or http")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}
