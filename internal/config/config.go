// Package config defines the top-level configuration for the dcabot engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rsellar/dcabot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by DCABOT_* environment variables.
type Config struct {
	Exchange  ExchangeConfig   `toml:"exchange"`
	Feed      FeedConfig       `toml:"feed"`
	Postgres  PostgresConfig   `toml:"postgres"`
	Redis     RedisConfig      `toml:"redis"`
	S3        S3Config         `toml:"s3"`
	Safety    SafetyConfig     `toml:"safety"`
	Scheduler SchedulerConfig  `toml:"scheduler"`
	Archive   ArchiveConfig    `toml:"archive"`
	Notify    NotifyConfig     `toml:"notify"`
	DCA       domain.DCAConfig `toml:"dca"`
	Mode      string           `toml:"mode"`
	LogLevel  string           `toml:"log_level"`
}

// ExchangeConfig holds venue connection and retry parameters.
type ExchangeConfig struct {
	// PaperBalance seeds the simulated account in paper mode.
	PaperBalance float64 `toml:"paper_balance"`

	// BalanceFallback is used when the venue balance call keeps failing.
	BalanceFallback float64 `toml:"balance_fallback"`

	RetryAttempts int      `toml:"retry_attempts"`
	RetryBackoff  duration `toml:"retry_backoff"`
	CallTimeout   duration `toml:"call_timeout"`
}

// FeedConfig holds the streaming price feed parameters.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	WSURL   string `toml:"ws_url"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SafetyConfig holds the account-wide risk guardrails.
type SafetyConfig struct {
	MaxWindowLossPct     float64  `toml:"max_window_loss_pct"`
	MaxConsecutiveLosses int      `toml:"max_consecutive_losses"`
	LossLookback         duration `toml:"loss_lookback"`
	AllowedSymbols       []string `toml:"allowed_symbols"`
	DeniedSymbols        []string `toml:"denied_symbols"`
	MinLeverage          int      `toml:"min_leverage"`
	MaxLeverage          int      `toml:"max_leverage"`
	MinOrderSize         float64  `toml:"min_order_size"`
	MaxOrderSize         float64  `toml:"max_order_size"`
	IdempotencyTTL       duration `toml:"idempotency_ttl"`
}

// SchedulerConfig holds evaluation loop parameters.
type SchedulerConfig struct {
	Interval duration `toml:"interval"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder can parse strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			PaperBalance:    10_000,
			BalanceFallback: 1_000,
			RetryAttempts:   3,
			RetryBackoff:    duration{time.Second},
			CallTimeout:     duration{10 * time.Second},
		},
		Feed: FeedConfig{
			Enabled: false,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "dcabot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "dcabot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Safety: SafetyConfig{
			MaxWindowLossPct:     10,
			MaxConsecutiveLosses: 5,
			LossLookback:         duration{24 * time.Hour},
			MinLeverage:          1,
			MaxLeverage:          20,
			MinOrderSize:         1,
			MaxOrderSize:         100_000,
			IdempotencyTTL:       duration{24 * time.Hour},
		},
		Scheduler: SchedulerConfig{
			Interval: duration{5 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{
				"position_opened", "dca_fill", "partial_close",
				"take_profit", "stop_loss", "cancelled", "safety",
			},
		},
		DCA: domain.DCAConfig{
			BaseOrderSize: 10,
			MaxInvestment: 100,
			TakeProfitPct: 1.2,
			TPMode:        domain.TPModeWhole,
			StopLossPct:   5,
			Levels: []domain.DCALevelConfig{
				{DropPct: 1.5, Multiplier: 1.0},
				{DropPct: 2.0, Multiplier: 1.5},
				{DropPct: 2.5, Multiplier: 2.0},
			},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"paper":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	if c.Exchange.BalanceFallback <= 0 {
		errs = append(errs, "exchange: balance_fallback must be > 0")
	}
	if c.Exchange.RetryAttempts < 1 {
		errs = append(errs, "exchange: retry_attempts must be >= 1")
	}
	if c.Exchange.CallTimeout.Duration <= 0 {
		errs = append(errs, "exchange: call_timeout must be > 0")
	}
	if strings.ToLower(c.Mode) == "paper" && c.Exchange.PaperBalance <= 0 {
		errs = append(errs, "exchange: paper_balance must be > 0 in paper mode")
	}

	// Feed
	if c.Feed.Enabled && c.Feed.WSURL == "" {
		errs = append(errs, "feed: ws_url must be set when the feed is enabled")
	}

	// Postgres and Redis are only required outside paper mode.
	needsInfra := strings.ToLower(c.Mode) != "paper"
	if needsInfra {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archival is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archival is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Safety
	if c.Safety.MaxWindowLossPct <= 0 || c.Safety.MaxWindowLossPct > 100 {
		errs = append(errs, fmt.Sprintf("safety: max_window_loss_pct must be in (0, 100], got %g", c.Safety.MaxWindowLossPct))
	}
	if c.Safety.MaxConsecutiveLosses < 1 {
		errs = append(errs, "safety: max_consecutive_losses must be >= 1")
	}
	if c.Safety.MinLeverage < 1 {
		errs = append(errs, "safety: min_leverage must be >= 1")
	}
	if c.Safety.MaxLeverage < c.Safety.MinLeverage {
		errs = append(errs, "safety: max_leverage must be >= min_leverage")
	}
	if c.Safety.MinOrderSize <= 0 {
		errs = append(errs, "safety: min_order_size must be > 0")
	}
	if c.Safety.MaxOrderSize < c.Safety.MinOrderSize {
		errs = append(errs, "safety: max_order_size must be >= min_order_size")
	}

	// Scheduler
	if c.Scheduler.Interval.Duration <= 0 {
		errs = append(errs, "scheduler: interval must be > 0")
	}

	// Telegram credentials travel together.
	tk := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tk != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Default per-user DCA plan.
	if err := c.DCA.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("dca: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
