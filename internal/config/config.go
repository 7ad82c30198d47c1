package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Hub             HubConfig         `yaml:"hub"`
	Devices         []string          `yaml:"devices"`
	Reconcile       ReconcileConfig   `yaml:"reconcile"`
	Webhook         WebhookConfig     `yaml:"webhook"`
	Database        DatabaseConfig    `yaml:"database"`
	Log             LogConfig         `yaml:"log"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	Script          string            `yaml:"script"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// HubConfig contains Hubitat Maker API connection settings
type HubConfig struct {
	Address      string   `yaml:"address"` // host[:port] of the hub
	AppID        string   `yaml:"app_id"`  // Maker API app instance ID
	Token        string   `yaml:"token"`   // Maker API access token
	Timeout      Duration `yaml:"timeout"` // HTTP timeout for hub requests
	RateLimitRPS float64  `yaml:"rate_limit_rps"`
}

// ReconcileConfig contains the retry loop settings
type ReconcileConfig struct {
	MonitorOn  *bool    `yaml:"monitor_on"`  // react to "on" transitions (default: true)
	MonitorOff *bool    `yaml:"monitor_off"` // react to "off" transitions (default: true)
	Delay      Duration `yaml:"delay"`       // delay between attempts
	MaxRetries int      `yaml:"max_retries"`
	Persist    *bool    `yaml:"persist"` // keep retry entries in SQLite (default: true)
}

// MonitorOnEnabled returns the monitor_on flag with default
func (c *ReconcileConfig) MonitorOnEnabled() bool {
	return c.MonitorOn == nil || *c.MonitorOn
}

// MonitorOffEnabled returns the monitor_off flag with default
func (c *ReconcileConfig) MonitorOffEnabled() bool {
	return c.MonitorOff == nil || *c.MonitorOff
}

// PersistEnabled returns the persist flag with default
func (c *ReconcileConfig) PersistEnabled() bool {
	return c.Persist == nil || *c.Persist
}

// WebhookConfig contains the event intake server settings
type WebhookConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// LedgerConfig contains outcome ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	if cfg.Hub.Address == "" {
		return nil, fmt.Errorf("hub.address is required")
	}
	if cfg.Hub.AppID == "" {
		return nil, fmt.Errorf("hub.app_id is required")
	}
	if cfg.Hub.Token == "" {
		return nil, fmt.Errorf("hub.token is required")
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./groupsyncd.sqlite"
	}

	// Hub defaults
	if cfg.Hub.Timeout == 0 {
		cfg.Hub.Timeout = Duration(30 * time.Second)
	}
	if cfg.Hub.RateLimitRPS == 0 {
		cfg.Hub.RateLimitRPS = 10.0
	}

	// Reconcile defaults
	if cfg.Reconcile.Delay == 0 {
		cfg.Reconcile.Delay = Duration(5 * time.Second)
	}
	if cfg.Reconcile.MaxRetries == 0 {
		cfg.Reconcile.MaxRetries = 3
	}

	// Webhook defaults
	if cfg.Webhook.Host == "" {
		cfg.Webhook.Host = "0.0.0.0"
	}
	if cfg.Webhook.Port == 0 {
		cfg.Webhook.Port = 8080
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return &cfg, nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
