/*
Package config loads runtime configuration for the server and the CLI.

SOURCES (later wins):
  1. Built-in defaults
  2. config.yaml (./config.yaml, or the path given to Load)
  3. .env file in the working directory
  4. Environment variables with the DUES_ prefix, dots replaced by
     underscores (database.path -> DUES_DATABASE_PATH)
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "DUES"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Billing   BillingConfig   `mapstructure:"billing"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// RedisConfig enables the cross-process ledger lock when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Interval is how often the scheduler wakes up to check for due jobs.
	Interval time.Duration `mapstructure:"interval"`
	// Hour (UTC) after which the daily jobs run.
	Hour int `mapstructure:"hour"`
	// ReconcileDaily also runs the totals reconciler once a day.
	ReconcileDaily bool `mapstructure:"reconcile_daily"`
}

type NotifyConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	WebhookURL    string        `mapstructure:"webhook_url"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
}

// TelemetryConfig drives both trace and metric export.
type TelemetryConfig struct {
	Endpoint       string        `mapstructure:"endpoint"` // OTLP/HTTP host:port; empty disables export
	Insecure       bool          `mapstructure:"insecure"`
	ServiceName    string        `mapstructure:"service_name"`
	MetricInterval time.Duration `mapstructure:"metric_interval"`
}

type BillingConfig struct {
	FreezeMonths     int `mapstructure:"freeze_months"`
	SuspensionMonths int `mapstructure:"suspension_months"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*", "http://127.0.0.1:*"})
	v.SetDefault("database.path", "./data/dues.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("scheduler.hour", 0)
	v.SetDefault("scheduler.reconcile_daily", false)
	v.SetDefault("notify.poll_interval", 10*time.Second)
	v.SetDefault("notify.max_attempts", 5)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.rate_per_second", 10.0)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "dues-engine")
	v.SetDefault("telemetry.metric_interval", time.Minute)
	v.SetDefault("billing.freeze_months", 3)
	v.SetDefault("billing.suspension_months", 3)
}

// Load reads configuration. path may be empty; a missing default
// config.yaml is not an error, a missing explicit path is.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port == "":
		return errors.New("server.port is required")
	case c.Database.Path == "":
		return errors.New("database.path is required")
	case c.Billing.FreezeMonths < 1:
		return fmt.Errorf("billing.freeze_months must be at least 1, got %d", c.Billing.FreezeMonths)
	case c.Billing.SuspensionMonths < 1:
		return fmt.Errorf("billing.suspension_months must be at least 1, got %d", c.Billing.SuspensionMonths)
	case c.Scheduler.Hour < 0 || c.Scheduler.Hour > 23:
		return fmt.Errorf("scheduler.hour must be between 0 and 23, got %d", c.Scheduler.Hour)
	case c.Scheduler.Enabled && c.Scheduler.Interval <= 0:
		return errors.New("scheduler.interval must be positive")
	case c.Notify.PollInterval <= 0:
		return errors.New("notify.poll_interval must be positive")
	case c.Notify.MaxAttempts < 1:
		return errors.New("notify.max_attempts must be at least 1")
	}
	return nil
}
