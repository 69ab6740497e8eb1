package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/rsellar/dcabot/internal/blob/s3"
	"github.com/rsellar/dcabot/internal/cache/redis"
	"github.com/rsellar/dcabot/internal/config"
	"github.com/rsellar/dcabot/internal/domain"
	"github.com/rsellar/dcabot/internal/exchange"
	"github.com/rsellar/dcabot/internal/feed"
	"github.com/rsellar/dcabot/internal/notify"
	"github.com/rsellar/dcabot/internal/orchestrator"
	"github.com/rsellar/dcabot/internal/safety"
	"github.com/rsellar/dcabot/internal/store/memory"
	"github.com/rsellar/dcabot/internal/store/postgres"
)

// Dependencies bundles every domain-level collaborator the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	Positions domain.PositionStore
	Trailing  domain.TrailingStopStore
	OCOs      domain.OCOOrderStore
	Users     domain.UserConfigStore
	Audit     domain.AuditStore

	// Caches (nil in paper mode)
	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage (nil unless archival is enabled)
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.Archiver

	// Core services
	Exchange     exchange.Exchange
	Safety       *safety.Manager
	Notifier     *notify.Notifier
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *orchestrator.Scheduler
	Feed         *feed.WSFeed // nil unless the ws feed is enabled
}

// needsInfra returns true for modes that require Postgres and Redis. Paper
// mode runs entirely on in-memory equivalents.
func needsInfra(mode string) bool {
	return strings.ToLower(mode) != "paper"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Storage and caches ---
	if needsInfra(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Trailing = postgres.NewTrailingStopStore(pool)
		deps.OCOs = postgres.NewOCOOrderStore(pool)
		deps.Users = postgres.NewUserConfigStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)

		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	} else {
		deps.Positions = memory.NewPositionStore()
		deps.Trailing = memory.NewTrailingStopStore()
		deps.OCOs = memory.NewOCOOrderStore()
		deps.Users = memory.NewUserConfigStore()
		deps.Audit = memory.NewAuditStore()
	}

	// --- S3 blob storage (archival only) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Positions, deps.Audit)
	}

	// --- Exchange boundary ---
	// The paper simulator stands in for the venue; a live adapter slots in
	// here behind the same interface. Trade and monitor modes wrap it in the
	// retrying decorator so every venue call carries the production policy.
	paper := exchange.NewPaper(cfg.Exchange.PaperBalance)
	if needsInfra(cfg.Mode) {
		retryCfg := exchange.DefaultRetryConfig()
		if cfg.Exchange.RetryAttempts > 0 {
			retryCfg.Attempts = cfg.Exchange.RetryAttempts
		}
		if cfg.Exchange.CallTimeout.Duration > 0 {
			retryCfg.CallTimeout = cfg.Exchange.CallTimeout.Duration
		}
		if base := cfg.Exchange.RetryBackoff.Duration; base > 0 {
			retryCfg.Backoff = []time.Duration{base, 2 * base, 4 * base}
		}
		deps.Exchange = exchange.NewRetrying(paper, retryCfg, logger)
	} else {
		deps.Exchange = paper
	}

	// --- Safety manager ---
	safetyCfg := safety.Config{
		MaxWindowLossPct:     cfg.Safety.MaxWindowLossPct,
		MaxConsecutiveLosses: cfg.Safety.MaxConsecutiveLosses,
		LossLookback:         cfg.Safety.LossLookback.Duration,
		AllowedSymbols:       cfg.Safety.AllowedSymbols,
		DeniedSymbols:        cfg.Safety.DeniedSymbols,
		MinLeverage:          cfg.Safety.MinLeverage,
		MaxLeverage:          cfg.Safety.MaxLeverage,
		MinOrderSize:         cfg.Safety.MinOrderSize,
		MaxOrderSize:         cfg.Safety.MaxOrderSize,
		IdempotencyTTL:       cfg.Safety.IdempotencyTTL.Duration,
	}
	deps.Safety = safety.NewManager(safetyCfg, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL))
	}
	events := make([]notify.Event, 0, len(cfg.Notify.Events))
	for _, e := range cfg.Notify.Events {
		events = append(events, notify.Event(e))
	}
	deps.Notifier = notify.NewNotifier(senders, events, logger)

	// --- Orchestrator and scheduler ---
	deps.Orchestrator = orchestrator.NewOrchestrator(
		deps.Positions,
		deps.Trailing,
		deps.OCOs,
		deps.Users,
		deps.Audit,
		deps.Safety,
		deps.Exchange,
		deps.Notifier,
		deps.LockManager,
		deps.SignalBus,
		cfg.Exchange.BalanceFallback,
		logger,
	)
	deps.Scheduler = orchestrator.NewScheduler(
		deps.Orchestrator,
		deps.Positions,
		deps.Trailing,
		deps.OCOs,
		deps.PriceCache,
		deps.Exchange,
		cfg.Scheduler.Interval.Duration,
		logger,
	)

	// --- Streaming price feed ---
	if cfg.Feed.Enabled {
		deps.Feed = feed.NewWSFeed(cfg.Feed.WSURL, deps.PriceCache, logger)
	}

	return deps, cleanup, nil
}
