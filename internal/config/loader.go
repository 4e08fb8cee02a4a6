package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	dirName  = ".turnloop"
	fileName = "turnloop.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dirName, fileName)
}

// Load reads the config file (if present), applies TURNLOOP_* environment
// overrides, fills derived paths and validates the result.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("TURNLOOP")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	// Slices are decoded onto nil so a configured agent list replaces the
	// default agent instead of being merged into it.
	cfg := DefaultConfig()
	cfg.Agents = nil
	cfg.Providers = nil
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = DefaultConfig().Agents
	}

	if err := cfg.fillPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

var envKeyReplacer = strings.NewReplacer(".", "_")

// setDefaults registers scalar keys with viper so TURNLOOP_* variables
// such as TURNLOOP_RUN_MAX_TURNS or TURNLOOP_LOGGING_LEVEL are picked up.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("workspace_path", cfg.WorkspacePath)

	v.SetDefault("sessions.backend", cfg.Sessions.Backend)
	v.SetDefault("sessions.dir", cfg.Sessions.Dir)
	v.SetDefault("sessions.cache_size", cfg.Sessions.CacheSize)
	v.SetDefault("sessions.cleanup.enabled", cfg.Sessions.Cleanup.Enabled)
	v.SetDefault("sessions.cleanup.schedule", cfg.Sessions.Cleanup.Schedule)
	v.SetDefault("sessions.cleanup.max_age", cfg.Sessions.Cleanup.MaxAge)

	v.SetDefault("run.max_turns", cfg.Run.MaxTurns)
	v.SetDefault("run.serialize_sessions", cfg.Run.SerializeSessions)
	v.SetDefault("run.tool_timeout_seconds", cfg.Run.ToolTimeoutSeconds)
	v.SetDefault("run.exec_timeout_seconds", cfg.Run.ExecTimeoutSeconds)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.protocol", cfg.Tracing.Protocol)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
}

// fillPaths derives the data dir, session dir and log file location.
func (c *Config) fillPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, dirName)
	}
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = filepath.Join(c.DataDir, "sessions")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "turnloop.log")
	}
	return nil
}

// Save writes cfg as JSON to the loader's path.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("workspace_path", cfg.WorkspacePath)
	v.Set("agents", cfg.Agents)
	v.Set("providers", cfg.Providers)
	v.Set("sessions", cfg.Sessions)
	v.Set("run", cfg.Run)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Watch reloads the config whenever its file is written and hands the
// result to onChange. Edits that fail to load or validate go to onError and
// the previous config stays in effect. The file must exist.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) error {
	configPath := l.GetConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("cannot watch config file: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
