package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rsellar/dcabot/internal/domain"
	"github.com/rsellar/dcabot/internal/orchestrator"
)

// feedResubscribeInterval bounds how stale the feed's symbol set may get as
// positions open and close.
const feedResubscribeInterval = time.Minute

// TradeMode runs the full engine: the evaluation scheduler, the signal
// intake from the bus, the streaming price feed, and the archival loop.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orchestrator.RunGroup(ctx, deps.Scheduler)
	})

	a.startSignalIntake(ctx, g, deps)
	a.startFeed(ctx, g, deps)
	a.startArchiveLoop(ctx, g, deps)

	return g.Wait()
}

// MonitorMode consumes lifecycle events and the price feed without running
// the scheduler, so a second instance can observe a live deployment while
// only one instance mutates positions.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	// Replay the durable stream tail before tailing live events, so a fresh
	// monitor shows what happened while it was down.
	if backlog, err := deps.SignalBus.StreamRead(ctx, orchestrator.LifecycleChannel, "0", 100); err != nil {
		a.logger.WarnContext(ctx, "lifecycle backlog read failed",
			slog.String("error", err.Error()),
		)
	} else {
		for _, msg := range backlog {
			a.logger.InfoContext(ctx, "lifecycle event (backlog)",
				slog.String("stream_id", msg.ID),
				slog.String("payload", string(msg.Payload)),
			)
		}
	}

	g.Go(func() error {
		ch, err := deps.SignalBus.Subscribe(ctx, orchestrator.LifecycleChannel)
		if err != nil {
			return fmt.Errorf("monitor mode: subscribe lifecycle: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case payload, ok := <-ch:
				if !ok {
					return nil
				}
				a.logger.InfoContext(ctx, "lifecycle event",
					slog.String("payload", string(payload)),
				)
			}
		}
	})

	a.startFeed(ctx, g, deps)

	return g.Wait()
}

// PaperMode runs the scheduler against the in-memory stores and the paper
// exchange. Signals are injected programmatically; there is no bus.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode",
		slog.Float64("paper_balance", a.cfg.Exchange.PaperBalance),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orchestrator.RunGroup(ctx, deps.Scheduler)
	})

	return g.Wait()
}

// startSignalIntake subscribes to the entry and cancellation channels and
// routes decoded signals into the orchestrator. Malformed payloads and
// rejected signals are logged and skipped; only a dead bus stops the intake.
func (a *App) startSignalIntake(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		ch, err := deps.SignalBus.Subscribe(ctx, orchestrator.EntrySignalChannel)
		if err != nil {
			return fmt.Errorf("signal intake: subscribe entry: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case payload, ok := <-ch:
				if !ok {
					return nil
				}
				var sig domain.EntrySignal
				if err := json.Unmarshal(payload, &sig); err != nil {
					a.logger.WarnContext(ctx, "dropping malformed entry signal",
						slog.String("error", err.Error()),
					)
					continue
				}
				pos, err := deps.Orchestrator.ExecuteSignal(ctx, sig)
				if err != nil {
					a.logSignalRejection(ctx, sig, err)
					continue
				}
				a.logger.InfoContext(ctx, "position opened from signal",
					slog.String("position_id", pos.ID),
					slog.String("owner", pos.Owner),
					slog.String("symbol", pos.Symbol),
				)
			}
		}
	})

	g.Go(func() error {
		ch, err := deps.SignalBus.Subscribe(ctx, orchestrator.CancelSignalChannel)
		if err != nil {
			return fmt.Errorf("signal intake: subscribe cancel: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case payload, ok := <-ch:
				if !ok {
					return nil
				}
				var sig domain.CancelSignal
				if err := json.Unmarshal(payload, &sig); err != nil {
					a.logger.WarnContext(ctx, "dropping malformed cancel signal",
						slog.String("error", err.Error()),
					)
					continue
				}
				if err := deps.Orchestrator.AutoClosePositions(ctx, sig); err != nil {
					if errors.Is(err, domain.ErrLockHeld) {
						continue
					}
					a.logger.WarnContext(ctx, "auto-close incomplete",
						slog.String("symbol", sig.Symbol),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})
}

// logSignalRejection gives rejected signals the log level their kind
// deserves: safety blocks and duplicates are routine, everything else is not.
func (a *App) logSignalRejection(ctx context.Context, sig domain.EntrySignal, err error) {
	attrs := []any{
		slog.String("signal_id", sig.ID),
		slog.String("owner", sig.Owner),
		slog.String("symbol", sig.Symbol),
		slog.String("error", err.Error()),
	}
	switch {
	case domain.IsKind(err, domain.KindDuplicateOrder):
		a.logger.DebugContext(ctx, "signal already executed", attrs...)
	case domain.IsKind(err, domain.KindSafetyBlocked), domain.IsKind(err, domain.KindValidation):
		a.logger.InfoContext(ctx, "signal rejected", attrs...)
	default:
		a.logger.ErrorContext(ctx, "signal execution failed", attrs...)
	}
}

// startFeed connects the streaming price feed and keeps its symbol set in
// sync with the open positions.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Feed == nil {
		return
	}

	g.Go(func() error {
		if err := deps.Feed.Connect(ctx); err != nil {
			return fmt.Errorf("price feed: %w", err)
		}
		defer deps.Feed.Close()

		resync := func() {
			active, err := deps.Positions.ListActive(ctx)
			if err != nil {
				a.logger.WarnContext(ctx, "feed symbol resync failed",
					slog.String("error", err.Error()),
				)
				return
			}
			symbols := domain.Symbols(active)
			if len(symbols) == 0 {
				return
			}
			if err := deps.Feed.Subscribe(ctx, symbols...); err != nil {
				a.logger.WarnContext(ctx, "feed subscribe failed",
					slog.String("error", err.Error()),
				)
			}
		}

		resync()
		ticker := time.NewTicker(feedResubscribeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				resync()
			}
		}
	})
}

// startArchiveLoop periodically sweeps closed positions and old audit
// entries into cold storage.
func (a *App) startArchiveLoop(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}

	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	interval := a.cfg.Archive.Interval.Duration

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-retention)
				if n, err := deps.Archiver.ArchivePositions(ctx, cutoff); err != nil {
					a.logger.WarnContext(ctx, "position archive sweep failed",
						slog.String("error", err.Error()),
					)
				} else if n > 0 {
					a.logger.InfoContext(ctx, "archived closed positions",
						slog.Int64("count", n),
					)
				}
				if n, err := deps.Archiver.ArchiveAuditLog(ctx, cutoff); err != nil {
					a.logger.WarnContext(ctx, "audit archive sweep failed",
						slog.String("error", err.Error()),
					)
				} else if n > 0 {
					a.logger.InfoContext(ctx, "archived audit entries",
						slog.Int64("count", n),
					)
				}
			}
		}
	})
}
