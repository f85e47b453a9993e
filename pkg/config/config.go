package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full Beacon configuration tree
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Progress  ProgressConfig  `yaml:"progress"`
	Hub       HubConfig       `yaml:"hub"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisConfig controls the store gateway
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MaxRetries   int           `yaml:"max_retries"`
	OpTimeout    time.Duration `yaml:"op_timeout"`
	TotalTimeout time.Duration `yaml:"total_timeout"`
}

// ProgressConfig controls the progress engine
type ProgressConfig struct {
	RateWindow           int           `yaml:"rate_window"`             // moving-average sample count
	TimelineLimit        int           `yaml:"timeline_limit"`          // events kept per task
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`        // terminal task sweep cadence
	CompletedTaskTTLDays int           `yaml:"completed_task_ttl_days"` // terminal task retention
}

// HubConfig controls the fan-out hub
type HubConfig struct {
	MaxConnections    int           `yaml:"max_connections"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ClientTimeout     time.Duration `yaml:"client_timeout"`
	SendBuffer        int           `yaml:"send_buffer"` // queued frames per connection
}

// AlertsConfig controls the alert engine
type AlertsConfig struct {
	EvalInterval        time.Duration `yaml:"eval_interval"`
	EscalationInterval  time.Duration `yaml:"escalation_interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	HistoryLimit        int           `yaml:"history_limit"`
	Webhook             WebhookConfig `yaml:"webhook"`
	Slack               SlackConfig   `yaml:"slack"`
	Email               EmailConfig   `yaml:"email"`
}

// WebhookConfig configures the webhook notification channel
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SlackConfig configures the slack notification channel
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// EmailConfig configures the email notification channel
type EmailConfig struct {
	SMTPAddr string   `yaml:"smtp_addr"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// OptimizerConfig controls the performance optimizer
type OptimizerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	CycleInterval    time.Duration `yaml:"cycle_interval"`
	AnalysisInterval time.Duration `yaml:"analysis_interval"`
	MeasureDelay     time.Duration `yaml:"measure_delay"` // wait before the after-snapshot
}

// LogConfig controls logging output
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Default returns the configuration used when no file is supplied
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "127.0.0.1:6379",
			PoolSize:     20,
			MaxRetries:   3,
			OpTimeout:    5 * time.Second,
			TotalTimeout: 15 * time.Second,
		},
		Progress: ProgressConfig{
			RateWindow:           5,
			TimelineLimit:        1000,
			CleanupInterval:      24 * time.Hour,
			CompletedTaskTTLDays: 7,
		},
		Hub: HubConfig{
			MaxConnections:    1000,
			HeartbeatInterval: 30 * time.Second,
			ClientTimeout:     120 * time.Second,
			SendBuffer:        100,
		},
		Alerts: AlertsConfig{
			EvalInterval:        30 * time.Second,
			EscalationInterval:  60 * time.Second,
			MaintenanceInterval: time.Hour,
			HistoryLimit:        10000,
			Webhook:             WebhookConfig{Timeout: 10 * time.Second},
		},
		Optimizer: OptimizerConfig{
			Enabled:          true,
			CycleInterval:    5 * time.Minute,
			AnalysisInterval: 10 * time.Minute,
			MeasureDelay:     30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			JSONOutput: true,
		},
	}
}

// Load reads a YAML config file layered over the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values outside operational bounds
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must not be empty")
	}
	if c.Redis.MaxRetries < 0 || c.Redis.MaxRetries > 10 {
		return fmt.Errorf("redis.max_retries must be in [0,10], got %d", c.Redis.MaxRetries)
	}
	if c.Progress.RateWindow < 1 {
		return fmt.Errorf("progress.rate_window must be >= 1, got %d", c.Progress.RateWindow)
	}
	if c.Progress.TimelineLimit < 1 {
		return fmt.Errorf("progress.timeline_limit must be >= 1, got %d", c.Progress.TimelineLimit)
	}
	if c.Hub.MaxConnections < 1 {
		return fmt.Errorf("hub.max_connections must be >= 1, got %d", c.Hub.MaxConnections)
	}
	if c.Hub.ClientTimeout <= c.Hub.HeartbeatInterval {
		return fmt.Errorf("hub.client_timeout must exceed hub.heartbeat_interval")
	}
	if c.Alerts.EvalInterval <= 0 {
		return fmt.Errorf("alerts.eval_interval must be positive")
	}
	return nil
}
