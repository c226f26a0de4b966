// Package config defines the missiond application configuration.
//
// Values come from three layers, later winning: built-in defaults, an
// optional YAML file, and MISSIOND_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Duration parses human-readable durations ("15m", "1h30m") from both
// YAML and environment values.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Config is the top-level missiond configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir" envconfig:"DATA_DIR"`
	LogLevel  string          `yaml:"log_level" envconfig:"LOG_LEVEL"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Execution ExecutionConfig `yaml:"execution"`
	Agents    []AgentConfig   `yaml:"agents" ignored:"true"`
}

// HeartbeatConfig controls the periodic work checks.
type HeartbeatConfig struct {
	Interval Duration `yaml:"interval" envconfig:"HEARTBEAT_INTERVAL"`
	// Stagger offsets each agent's first tick so a roster's checks do
	// not land on the same instant.
	Stagger Duration `yaml:"stagger" envconfig:"HEARTBEAT_STAGGER"`
}

// ExecutionConfig controls the execution supervisor.
type ExecutionConfig struct {
	// Command is the executable run for each dispatched task. The task
	// ID and agent ID are appended as trailing arguments. Empty means
	// dry-run logging.
	Command            []string `yaml:"command" ignored:"true"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks" envconfig:"MAX_CONCURRENT_TASKS"`
	TaskTimeout        Duration `yaml:"task_timeout" envconfig:"TASK_TIMEOUT"`
	RetryAttempts      int      `yaml:"retry_attempts" envconfig:"RETRY_ATTEMPTS"`
	GracePeriod        Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD"`
	Retention          Duration `yaml:"retention" envconfig:"EXECUTION_RETENTION"`
}

// AgentConfig defines a single roster member.
type AgentConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

const envPrefix = "missiond"

// DefaultConfig returns a config with the built-in roster and timing.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Heartbeat: HeartbeatConfig{
			Interval: Duration(15 * time.Minute),
			Stagger:  Duration(2 * time.Minute),
		},
		Execution: ExecutionConfig{
			MaxConcurrentTasks: 3,
			TaskTimeout:        Duration(30 * time.Minute),
			RetryAttempts:      3,
			GracePeriod:        Duration(5 * time.Second),
			Retention:          Duration(time.Hour),
		},
		Agents: []AgentConfig{
			{ID: "dexter", Name: "Dexter", Role: "engineering"},
			{ID: "blossom", Name: "Blossom", Role: "product"},
			{ID: "samurai_jack", Name: "Samurai Jack", Role: "operations"},
			{ID: "johnny_bravo", Name: "Johnny Bravo", Role: "outreach"},
			{ID: "courage", Name: "Courage", Role: "support"},
		},
	}
}

// Load builds the configuration: defaults, then the YAML file if path
// is non-empty, then MISSIOND_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive, got %s", c.Heartbeat.Interval)
	}
	if c.Execution.MaxConcurrentTasks < 1 {
		return fmt.Errorf("execution.max_concurrent_tasks must be at least 1, got %d", c.Execution.MaxConcurrentTasks)
	}
	if c.Execution.RetryAttempts < 1 {
		return fmt.Errorf("execution.retry_attempts must be at least 1, got %d", c.Execution.RetryAttempts)
	}
	if c.Execution.TaskTimeout <= 0 {
		return fmt.Errorf("execution.task_timeout must be positive, got %s", c.Execution.TaskTimeout)
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level, falling
// back to info on anything unparseable.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
