/*
Package config loads the loan engine's configuration.

SOURCES (highest priority first):
  1. Environment variables with LOANS_ prefix (e.g. LOANS_LOCK_BACKEND)
  2. config.toml in ., ./config or /etc/loan-engine
  3. Built-in defaults

SEE ALSO:
  - cmd/server/main.go: Consumer
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Log       LogConfig
	Lock      LockConfig
	Scheduler SchedulerConfig
	Outbox    OutboxConfig
	Loans     LoansConfig
}

type AppConfig struct {
	Name string
	Env  string
	Port int
}

type DatabaseConfig struct {
	Path string // SQLite file, ":memory:" for a throwaway database
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

type LockConfig struct {
	Backend       string // local | redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	WaitTimeout   time.Duration
}

type SchedulerConfig struct {
	Enabled       bool
	CheckInterval time.Duration
}

type OutboxConfig struct {
	Backend      string // log | kafka
	KafkaBrokers []string
	TopicPrefix  string
	BatchSize    int
	MaxAttempts  int
	PollInterval time.Duration
}

type LoansConfig struct {
	DedicatedThreshold int
	FrequencyWindow    time.Duration
	DefaultTrialDays   int
	ReminderInterval   time.Duration
	ConfirmRetries     int
	RetryBackoff       time.Duration
}

// Load reads configuration from file, environment and defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/loan-engine")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LOANS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetInt("app.port"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Lock: LockConfig{
			Backend:       v.GetString("lock.backend"),
			RedisAddr:     v.GetString("lock.redis_addr"),
			RedisPassword: v.GetString("lock.redis_password"),
			RedisDB:       v.GetInt("lock.redis_db"),
			TTL:           v.GetDuration("lock.ttl"),
			WaitTimeout:   v.GetDuration("lock.wait_timeout"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       !v.IsSet("scheduler.enabled") || v.GetBool("scheduler.enabled"),
			CheckInterval: v.GetDuration("scheduler.check_interval"),
		},
		Outbox: OutboxConfig{
			Backend:      v.GetString("outbox.backend"),
			KafkaBrokers: splitList(v.GetString("outbox.kafka_brokers")),
			TopicPrefix:  v.GetString("outbox.topic_prefix"),
			BatchSize:    v.GetInt("outbox.batch_size"),
			MaxAttempts:  v.GetInt("outbox.max_attempts"),
			PollInterval: v.GetDuration("outbox.poll_interval"),
		},
		Loans: LoansConfig{
			DedicatedThreshold: v.GetInt("loans.dedicated_threshold"),
			FrequencyWindow:    v.GetDuration("loans.frequency_window"),
			DefaultTrialDays:   v.GetInt("loans.default_trial_days"),
			ReminderInterval:   v.GetDuration("loans.reminder_interval"),
			ConfirmRetries:     v.GetInt("loans.confirm_retries"),
			RetryBackoff:       v.GetDuration("loans.retry_backoff"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "loan-engine"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == 0 {
		cfg.App.Port = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "loans.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		if cfg.App.Env == "production" {
			cfg.Log.Format = "json"
		} else {
			cfg.Log.Format = "console"
		}
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "local"
	}
	if cfg.Lock.RedisAddr == "" {
		cfg.Lock.RedisAddr = "localhost:6379"
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 30 * time.Second
	}
	if cfg.Lock.WaitTimeout == 0 {
		cfg.Lock.WaitTimeout = 5 * time.Second
	}
	if cfg.Scheduler.CheckInterval == 0 {
		cfg.Scheduler.CheckInterval = time.Hour
	}
	if cfg.Outbox.Backend == "" {
		cfg.Outbox.Backend = "log"
	}
	if cfg.Outbox.TopicPrefix == "" {
		cfg.Outbox.TopicPrefix = "loans"
	}
	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = 100
	}
	if cfg.Outbox.MaxAttempts == 0 {
		cfg.Outbox.MaxAttempts = 5
	}
	if cfg.Outbox.PollInterval == 0 {
		cfg.Outbox.PollInterval = 5 * time.Second
	}
	if cfg.Loans.DedicatedThreshold == 0 {
		cfg.Loans.DedicatedThreshold = 3
	}
	if cfg.Loans.FrequencyWindow == 0 {
		cfg.Loans.FrequencyWindow = 365 * 24 * time.Hour
	}
	if cfg.Loans.DefaultTrialDays == 0 {
		cfg.Loans.DefaultTrialDays = 7
	}
	if cfg.Loans.ReminderInterval == 0 {
		cfg.Loans.ReminderInterval = 7 * 24 * time.Hour
	}
	if cfg.Loans.ConfirmRetries == 0 {
		cfg.Loans.ConfirmRetries = 3
	}
	if cfg.Loans.RetryBackoff == 0 {
		cfg.Loans.RetryBackoff = 50 * time.Millisecond
	}
}

func (c *Config) validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port %d out of range", c.App.Port)
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("lock.backend must be local or redis, got %q", c.Lock.Backend)
	}
	switch c.Outbox.Backend {
	case "log":
	case "kafka":
		if len(c.Outbox.KafkaBrokers) == 0 {
			return fmt.Errorf("outbox.kafka_brokers is required for the kafka backend")
		}
	default:
		return fmt.Errorf("outbox.backend must be log or kafka, got %q", c.Outbox.Backend)
	}
	if c.Loans.DedicatedThreshold < 1 {
		return fmt.Errorf("loans.dedicated_threshold must be positive")
	}
	if c.Loans.ConfirmRetries < 1 {
		return fmt.Errorf("loans.confirm_retries must be positive")
	}
	if c.App.Env == "production" && c.Database.Path == ":memory:" {
		return fmt.Errorf("database.path cannot be :memory: in production")
	}
	return nil
}

// IsProduction reports whether the app runs in production.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
