package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DCABOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DCABOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setFloat64(&cfg.Exchange.PaperBalance, "DCABOT_EXCHANGE_PAPER_BALANCE")
	setFloat64(&cfg.Exchange.BalanceFallback, "DCABOT_EXCHANGE_BALANCE_FALLBACK")
	setInt(&cfg.Exchange.RetryAttempts, "DCABOT_EXCHANGE_RETRY_ATTEMPTS")
	setDuration(&cfg.Exchange.RetryBackoff, "DCABOT_EXCHANGE_RETRY_BACKOFF")
	setDuration(&cfg.Exchange.CallTimeout, "DCABOT_EXCHANGE_CALL_TIMEOUT")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "DCABOT_FEED_ENABLED")
	setStr(&cfg.Feed.WSURL, "DCABOT_FEED_WS_URL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DCABOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "DCABOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DCABOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DCABOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DCABOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DCABOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DCABOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DCABOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DCABOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DCABOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DCABOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DCABOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DCABOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DCABOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DCABOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DCABOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "DCABOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DCABOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "DCABOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DCABOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DCABOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DCABOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DCABOT_S3_FORCE_PATH_STYLE")

	// ── Safety ──
	setFloat64(&cfg.Safety.MaxWindowLossPct, "DCABOT_SAFETY_MAX_WINDOW_LOSS_PCT")
	setInt(&cfg.Safety.MaxConsecutiveLosses, "DCABOT_SAFETY_MAX_CONSECUTIVE_LOSSES")
	setDuration(&cfg.Safety.LossLookback, "DCABOT_SAFETY_LOSS_LOOKBACK")
	setStringSlice(&cfg.Safety.AllowedSymbols, "DCABOT_SAFETY_ALLOWED_SYMBOLS")
	setStringSlice(&cfg.Safety.DeniedSymbols, "DCABOT_SAFETY_DENIED_SYMBOLS")
	setInt(&cfg.Safety.MinLeverage, "DCABOT_SAFETY_MIN_LEVERAGE")
	setInt(&cfg.Safety.MaxLeverage, "DCABOT_SAFETY_MAX_LEVERAGE")
	setFloat64(&cfg.Safety.MinOrderSize, "DCABOT_SAFETY_MIN_ORDER_SIZE")
	setFloat64(&cfg.Safety.MaxOrderSize, "DCABOT_SAFETY_MAX_ORDER_SIZE")
	setDuration(&cfg.Safety.IdempotencyTTL, "DCABOT_SAFETY_IDEMPOTENCY_TTL")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.Interval, "DCABOT_SCHEDULER_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "DCABOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "DCABOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "DCABOT_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DCABOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DCABOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DCABOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookURL, "DCABOT_NOTIFY_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DCABOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DCABOT_MODE")
	setStr(&cfg.LogLevel, "DCABOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
