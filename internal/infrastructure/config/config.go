// Package config loads the device agent's YAML configuration.
//
// Configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the agent.
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Registration RegistrationConfig `yaml:"registration"`
	Sync         SyncConfig         `yaml:"sync"`
	LocalAPI     LocalAPIConfig     `yaml:"local_api"`
	Diagnostics  DiagnosticsConfig  `yaml:"diagnostics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// AgentConfig describes the device this agent represents.
type AgentConfig struct {
	DeviceKind     string `yaml:"device_kind"`
	SystemName     string `yaml:"system_name"`
	DisplayName    string `yaml:"display_name"`
	SchemaDir      string `yaml:"schema_dir"`
	BaseSchemaFile string `yaml:"base_schema_file"`
}

// RegistrationConfig configures the persisted registration record.
type RegistrationConfig struct {
	StatePath         string `yaml:"state_path"`
	DefaultOAuthURL   string `yaml:"default_oauth_url"`
	DefaultServiceURL string `yaml:"default_service_url"`
}

// SyncConfig configures the cloud poll/push loop.
type SyncConfig struct {
	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	PushIntervalSeconds  int `yaml:"push_interval_seconds"`
	HTTPTimeoutSeconds   int `yaml:"http_timeout_seconds"`
	BackoffMaxSeconds    int `yaml:"backoff_max_seconds"`
	ChangeQueueCapacity  int `yaml:"change_queue_capacity"`
	FinalizeMaxAttempts  int `yaml:"finalize_max_attempts"`
	FinalizeRetrySeconds int `yaml:"finalize_retry_seconds"`
}

// LocalAPIConfig configures the optional local LAN HTTP surface.
type LocalAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DiagnosticsConfig configures on-device audit logging and optional fleet telemetry.
type DiagnosticsConfig struct {
	SQLitePath     string         `yaml:"sqlite_path"`
	RetentionHours int            `yaml:"retention_hours"`
	InfluxDB       InfluxDBConfig `yaml:"influxdb"`
}

// InfluxDBConfig contains optional InfluxDB fleet-telemetry settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			DeviceKind:     "vendor.genericDevice",
			SystemName:     "gcdagent",
			DisplayName:    "GCD Agent",
			SchemaDir:      "./schemas",
			BaseSchemaFile: "gcd.json",
		},
		Registration: RegistrationConfig{
			StatePath: "/var/lib/gcdagent/device_reg_info",
		},
		Sync: SyncConfig{
			PollIntervalSeconds:  7,
			PushIntervalSeconds:  10,
			HTTPTimeoutSeconds:   30,
			BackoffMaxSeconds:    60,
			ChangeQueueCapacity:  100,
			FinalizeMaxAttempts:  30,
			FinalizeRetrySeconds: 1,
		},
		LocalAPI: LocalAPIConfig{
			Enabled: true,
			Address: "127.0.0.1:8228",
		},
		Diagnostics: DiagnosticsConfig{
			SQLitePath:     "./data/diagnostics.db",
			RetentionHours: 168,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// It reads GCD_AGENT_REGISTRATION_STATE_PATH, GCD_AGENT_LOCAL_API_ADDRESS,
// GCD_AGENT_INFLUXDB_TOKEN and GCD_LOG_LEVEL; no other variable is read.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GCD_AGENT_REGISTRATION_STATE_PATH"); v != "" {
		cfg.Registration.StatePath = v
	}
	if v := os.Getenv("GCD_AGENT_LOCAL_API_ADDRESS"); v != "" {
		cfg.LocalAPI.Address = v
	}
	if v := os.Getenv("GCD_AGENT_INFLUXDB_TOKEN"); v != "" {
		cfg.Diagnostics.InfluxDB.Token = v
	}
	if v := os.Getenv("GCD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for obvious errors.
func (c *Config) Validate() error {
	var problems []string

	if c.Agent.DeviceKind == "" {
		problems = append(problems, "agent.device_kind is required")
	}
	if c.Agent.SystemName == "" {
		problems = append(problems, "agent.system_name is required")
	}
	if c.Registration.StatePath == "" {
		problems = append(problems, "registration.state_path is required")
	}
	if c.Sync.PollIntervalSeconds <= 0 {
		problems = append(problems, "sync.poll_interval_seconds must be positive")
	}
	if c.Sync.ChangeQueueCapacity <= 0 {
		problems = append(problems, "sync.change_queue_capacity must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(problems, "; "))
	}
	return nil
}

// PollInterval returns the cloud command poll interval as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalSeconds) * time.Second
}

// PushInterval returns the cloud state push interval as a Duration.
func (c *Config) PushInterval() time.Duration {
	return time.Duration(c.Sync.PushIntervalSeconds) * time.Second
}

// HTTPTimeout returns the per-request HTTP timeout as a Duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Sync.HTTPTimeoutSeconds) * time.Second
}

// BackoffMax returns the maximum retry backoff as a Duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Sync.BackoffMaxSeconds) * time.Second
}
