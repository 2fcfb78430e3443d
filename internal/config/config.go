package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	DB            DBConfig            `mapstructure:"db"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Cron          CronConfig          `mapstructure:"cron"`
	Forecasting   ForecastingConfig   `mapstructure:"forecasting"`
	Aggregation   AggregationConfig   `mapstructure:"aggregation"`
	Tasks         TasksConfig         `mapstructure:"tasks"`
	Lease         LeaseConfig         `mapstructure:"lease"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Ops           OpsConfig           `mapstructure:"ops"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	// AuthDisabled skips the bearer check on /api routes (local runs).
	AuthDisabled bool `mapstructure:"auth_disabled"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// DBConfig: an empty DSN selects the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`

	// LogLevel is the gorm log level: silent, error, warn or info.
	LogLevel      string        `mapstructure:"log_level"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

// RedisConfig: an empty Addr selects the in-process lease.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CronConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	TaskPoll  string `mapstructure:"task_poll"`
	TaskPrune string `mapstructure:"task_prune"`
}

type ForecastingConfig struct {
	// RebuildDelay is the coalescing window before an aggregate rebuild runs.
	RebuildDelay time.Duration `mapstructure:"rebuild_delay"`
	// ExpiryReminderLead is how long before a forecast's end time the reminder fires.
	ExpiryReminderLead time.Duration `mapstructure:"expiry_reminder_lead"`
	SumTolerance       float64       `mapstructure:"sum_tolerance"`
}

type AggregationConfig struct {
	Methods         []string      `mapstructure:"methods"`
	RecencyHalfLife time.Duration `mapstructure:"recency_half_life"`
}

type TasksConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	Retention      time.Duration `mapstructure:"retention"`
}

type LeaseConfig struct {
	TTL    time.Duration `mapstructure:"ttl"`
	Prefix string        `mapstructure:"prefix"`
}

type NotificationsConfig struct {
	WebhookURL       string        `mapstructure:"webhook_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

type OpsConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Agent   string `mapstructure:"agent"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.auth_disabled", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.log_level", "warn")
	v.SetDefault("db.slow_threshold", "500ms")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.task_poll", "@every 2s")
	v.SetDefault("cron.task_prune", "@every 1h")

	v.SetDefault("forecasting.rebuild_delay", "10s")
	v.SetDefault("forecasting.expiry_reminder_lead", "24h")
	v.SetDefault("forecasting.sum_tolerance", 1e-6)

	v.SetDefault("aggregation.methods", []string{"recency_weighted", "unweighted"})
	v.SetDefault("aggregation.recency_half_life", "168h")

	v.SetDefault("tasks.batch_size", 20)
	v.SetDefault("tasks.max_attempts", 8)
	v.SetDefault("tasks.initial_backoff", "2s")
	v.SetDefault("tasks.max_backoff", "5m")
	v.SetDefault("tasks.lock_ttl", "2m")
	v.SetDefault("tasks.retention", "72h")

	v.SetDefault("lease.ttl", "60s")
	v.SetDefault("lease.prefix", "fc:lease:")

	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.timeout", "5s")
	v.SetDefault("notifications.breaker_threshold", 5)
	v.SetDefault("notifications.breaker_timeout", "30s")

	v.SetDefault("ops.agent", "forecast-core")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
