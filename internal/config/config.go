// Package config provides YAML-based configuration loading for Courier.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so durations can be written as strings
// ("30s", "2m") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level Courier configuration, loaded from courier.yaml.
type Config struct {
	Owner    string         `yaml:"owner"`
	Agents   []string       `yaml:"agents"` // active agent IDs for the static directory
	DB       DBConfig       `yaml:"db"`
	Queue    QueueConfig    `yaml:"queue"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	API      APIConfig      `yaml:"api"`
	Alerting AlertingConfig `yaml:"alerting"`
}

// DBConfig holds connection settings for the MySQL-compatible SQL server.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// QueueConfig tunes the delivery queue and its worker pool.
type QueueConfig struct {
	Workers         int      `yaml:"workers"`
	LeaseDuration   Duration `yaml:"lease_duration"`
	MaxAttempts     int      `yaml:"max_attempts"`
	BackoffBase     Duration `yaml:"backoff_base"`
	BackoffCap      Duration `yaml:"backoff_cap"`
	PollInterval    Duration `yaml:"poll_interval"`
	MaxPending      int      `yaml:"max_pending"`
	MaxContentBytes int      `yaml:"max_content_bytes"`
}

// WebhookConfig tunes outbound push delivery.
type WebhookConfig struct {
	RequestTimeout   Duration `yaml:"request_timeout"`
	CircuitThreshold int      `yaml:"circuit_threshold"`
	CircuitCooldown  Duration `yaml:"circuit_cooldown"`
	PreviewBytes     int      `yaml:"preview_bytes"`
}

// APIConfig holds the HTTP API server settings.
type APIConfig struct {
	Port int `yaml:"port"`
}

// AlertingConfig wires operator alerts for dead-lettered deliveries.
type AlertingConfig struct {
	DigestSchedule string        `yaml:"digest_schedule"` // 5-field cron expression
	Slack          SlackConfig   `yaml:"slack"`
	Discord        DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack alert destination settings.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord alert destination settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Database == "" && c.Owner != "" {
		c.DB.Database = "courier_" + c.Owner
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.LeaseDuration == 0 {
		c.Queue.LeaseDuration = Duration(2 * time.Minute)
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.BackoffBase == 0 {
		c.Queue.BackoffBase = Duration(30 * time.Second)
	}
	if c.Queue.BackoffCap == 0 {
		c.Queue.BackoffCap = Duration(15 * time.Minute)
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = Duration(2 * time.Second)
	}
	if c.Queue.MaxPending == 0 {
		c.Queue.MaxPending = 10000
	}
	if c.Queue.MaxContentBytes == 0 {
		c.Queue.MaxContentBytes = 64 * 1024
	}
	if c.Webhook.RequestTimeout == 0 {
		c.Webhook.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Webhook.CircuitThreshold == 0 {
		c.Webhook.CircuitThreshold = 5
	}
	if c.Webhook.CircuitCooldown == 0 {
		c.Webhook.CircuitCooldown = Duration(5 * time.Minute)
	}
	if c.Webhook.PreviewBytes == 0 {
		c.Webhook.PreviewBytes = 256
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Alerting.DigestSchedule == "" {
		c.Alerting.DigestSchedule = "0 9 * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Owner == "" {
		errs = append(errs, "owner is required")
	}
	if c.Queue.Workers < 1 {
		errs = append(errs, "queue.workers must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.max_attempts must be at least 1")
	}
	// A stalled webhook call must not outlive its lease, or another worker
	// could lease the same item while the first is still mid-call.
	if c.Webhook.RequestTimeout >= c.Queue.LeaseDuration {
		errs = append(errs, "webhook.request_timeout must be shorter than queue.lease_duration")
	}
	if c.Queue.BackoffBase > c.Queue.BackoffCap {
		errs = append(errs, "queue.backoff_base must not exceed queue.backoff_cap")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
