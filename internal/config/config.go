package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Providers ProvidersConfig `yaml:"providers"`
	Queue     QueueConfig     `yaml:"queue"`
	Command   CommandConfig   `yaml:"command"`
	Store     StoreConfig     `yaml:"store"`
}

// StoreConfig selects the persistence backend (internal/store/memory or
// internal/store/sqlite).
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (default) or "memory"
	DSN    string `yaml:"dsn"`    // sqlite data source name, e.g. a file path
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// ProvidersConfig holds git provider configurations.
type ProvidersConfig struct {
	GitHub GitHubConfig `yaml:"github"`
	GitLab GitLabConfig `yaml:"gitlab"`
}

// GitHubConfig holds GitHub-specific settings. Either Token is set (static
// PAT auth) or AppID/PrivateKeyPath/InstallationID are set, in which case
// the registry mints short-lived installation tokens (see
// internal/forge/github.NewFromApp).
type GitHubConfig struct {
	AuthMethod     string `yaml:"auth_method"`
	Token          string `yaml:"token"`
	AppID          string `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	InstallationID int64  `yaml:"installation_id"`
	WebhookSecret  string `yaml:"webhook_secret"`
}

// GitLabConfig holds GitLab-specific settings.
type GitLabConfig struct {
	AuthMethod    string `yaml:"auth_method"`
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// QueueConfig holds the poller's authoritative timing constants (see §6 of
// the design doc: poll period, batching debounce, and per-state timeouts).
type QueueConfig struct {
	PollIntervalSeconds     int `yaml:"poll_interval_seconds"`
	DebounceSeconds         int `yaml:"debounce_seconds"`
	RequestedTimeoutMinutes int `yaml:"requested_timeout_minutes"`
	QueuedTimeoutHours      int `yaml:"queued_timeout_hours"`
	MergingTimeoutHours     int `yaml:"merging_timeout_hours"`
	SplitTimeoutHours       int `yaml:"split_timeout_hours"`
	ConstructingTimeoutMins int `yaml:"constructing_timeout_minutes"`
	TestingTimeoutMinutes   int `yaml:"testing_timeout_minutes"`
	SuccessTimeoutMinutes   int `yaml:"success_timeout_minutes"`
}

// CommandConfig controls the bot command syntax recognized in issue
// comments, e.g. "@mergequeue merge" / "@mergequeue cancel".
type CommandConfig struct {
	Trigger string `yaml:"trigger"`
}

// PollInterval returns the configured poll period, defaulting to 10m.
func (q QueueConfig) PollInterval() time.Duration {
	if q.PollIntervalSeconds == 0 {
		return 10 * time.Minute
	}
	return time.Duration(q.PollIntervalSeconds) * time.Second
}

// DebounceWindow returns the configured batch-admission debounce,
// defaulting to 10m.
func (q QueueConfig) DebounceWindow() time.Duration {
	if q.DebounceSeconds == 0 {
		return 10 * time.Minute
	}
	return time.Duration(q.DebounceSeconds) * time.Second
}

// Timeouts is the resolved (default-substituted) set of per-state timeouts.
type Timeouts struct {
	Requested    time.Duration
	Queued       time.Duration
	Merging      time.Duration
	Split        time.Duration
	Constructing time.Duration
	Testing      time.Duration
	Success      time.Duration
}

// Timeouts resolves the configured timeouts, substituting defaults for
// anything left at zero.
func (q QueueConfig) Timeouts() Timeouts {
	t := Timeouts{
		Requested:    time.Duration(q.RequestedTimeoutMinutes) * time.Minute,
		Queued:       time.Duration(q.QueuedTimeoutHours) * time.Hour,
		Merging:      time.Duration(q.MergingTimeoutHours) * time.Hour,
		Split:        time.Duration(q.SplitTimeoutHours) * time.Hour,
		Constructing: time.Duration(q.ConstructingTimeoutMins) * time.Minute,
		Testing:      time.Duration(q.TestingTimeoutMinutes) * time.Minute,
		Success:      time.Duration(q.SuccessTimeoutMinutes) * time.Minute,
	}
	if t.Requested == 0 {
		t.Requested = time.Hour
	}
	if t.Queued == 0 {
		t.Queued = 24 * time.Hour
	}
	if t.Merging == 0 {
		t.Merging = 24 * time.Hour
	}
	if t.Split == 0 {
		t.Split = 24 * time.Hour
	}
	if t.Constructing == 0 {
		t.Constructing = 15 * time.Minute
	}
	if t.Testing == 0 {
		t.Testing = time.Hour
	}
	if t.Success == 0 {
		t.Success = 15 * time.Minute
	}
	return t
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7000,
		},
		Logging: LoggingConfig{
			Dir:           "/var/log/mergequeue",
			RetentionDays: 30,
		},
		Command: CommandConfig{
			Trigger: "@mergequeue",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "/var/lib/mergequeue/mergequeue.db",
		},
	}
}

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Substitute environment variables
	data = envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}
