package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rsellar/dcabot/internal/domain"
	"github.com/rsellar/dcabot/internal/exchange"
)

// Scheduler ticks at a fixed interval, fetches one price snapshot for every
// symbol with open exposure and evaluates all active positions, trailing
// stops and OCO orders against that snapshot sequentially. One snapshot per
// tick keeps every decision within the tick on a consistent price view; no
// per-position goroutines exist.
type Scheduler struct {
	orch      *Orchestrator
	positions domain.PositionStore
	trailing  domain.TrailingStopStore
	ocos      domain.OCOOrderStore
	prices    domain.PriceCache // optional read-through cache
	exch      exchange.Exchange
	interval  time.Duration
	logger    *slog.Logger
}

// NewScheduler creates a Scheduler ticking every interval (default 5s).
// prices may be nil; the exchange is then queried directly each tick.
func NewScheduler(
	orch *Orchestrator,
	positions domain.PositionStore,
	trailing domain.TrailingStopStore,
	ocos domain.OCOOrderStore,
	prices domain.PriceCache,
	exch exchange.Exchange,
	interval time.Duration,
	logger *slog.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		orch:      orch,
		positions: positions,
		trailing:  trailing,
		ocos:      ocos,
		prices:    prices,
		exch:      exch,
		interval:  interval,
		logger:    logger.With(slog.String("component", "scheduler")),
	}
}

// Run ticks until ctx is cancelled. Tick failures are logged and the loop
// continues; only a cancelled context stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunGroup supervises n identical scheduler loops with an errgroup; the
// instances coordinate through the store, not through shared memory.
func RunGroup(ctx context.Context, schedulers ...*Scheduler) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range schedulers {
		s := s
		g.Go(func() error {
			err := s.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("scheduler: %w", err)
		})
	}
	return g.Wait()
}

// Tick runs one full evaluation pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	active, err := s.positions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list active positions: %w", err)
	}

	snapshot := s.snapshot(ctx, domain.Symbols(active))
	if len(snapshot) == 0 && len(active) > 0 {
		s.logger.Warn("scheduler: no prices available this tick", slog.Int("positions", len(active)))
	}

	for i := range active {
		pos := &active[i]
		price, ok := snapshot[pos.Symbol]
		if !ok {
			continue
		}
		s.evaluatePosition(ctx, pos, price)
	}

	s.evaluateTrailingStops(ctx, snapshot)
	s.evaluateOCOOrders(ctx, snapshot)
	return nil
}

// snapshot resolves one price per symbol, preferring the cache and falling
// back to the venue for misses. Symbols with no price anywhere are simply
// absent; their positions wait for the next tick.
func (s *Scheduler) snapshot(ctx context.Context, symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))

	if s.prices != nil {
		cached, err := s.prices.GetPrices(ctx, symbols)
		if err != nil {
			s.logger.Warn("scheduler: price cache read failed", slog.String("error", err.Error()))
		} else {
			for sym, price := range cached {
				if price > 0 {
					out[sym] = price
				}
			}
		}
	}

	for _, sym := range symbols {
		if _, ok := out[sym]; ok {
			continue
		}
		price, err := s.exch.GetPrice(ctx, sym)
		if err != nil {
			s.logger.Warn("scheduler: price unavailable",
				slog.String("symbol", sym),
				slog.String("error", err.Error()),
			)
			continue
		}
		out[sym] = price
		if s.prices != nil {
			if err := s.prices.SetPrice(ctx, sym, price, time.Now().UTC()); err != nil {
				s.logger.Warn("scheduler: price cache write failed", slog.String("error", err.Error()))
			}
		}
	}
	return out
}

// evaluatePosition runs the per-tick checks in order: DCA triggers, then
// take-profit, then stop-loss. Later checks are skipped once the position
// reaches a terminal state. Failures affect only this position.
func (s *Scheduler) evaluatePosition(ctx context.Context, pos *domain.Position, price float64) {
	if err := s.orch.CheckDCATriggers(ctx, pos, price); err != nil {
		s.logger.Error("scheduler: dca check failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	if pos.Status.Terminal() {
		return
	}
	if err := s.orch.MonitorTargets(ctx, pos, price); err != nil {
		s.logger.Error("scheduler: target check failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	if pos.Status.Terminal() {
		return
	}
	if err := s.orch.CheckStopLoss(ctx, pos, price); err != nil {
		s.logger.Error("scheduler: stop check failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) evaluateTrailingStops(ctx context.Context, snapshot map[string]float64) {
	stops, err := s.trailing.ListActive(ctx)
	if err != nil {
		s.logger.Error("scheduler: list trailing stops failed", slog.String("error", err.Error()))
		return
	}
	for i := range stops {
		ts := &stops[i]
		pos, err := s.positions.GetByID(ctx, ts.PositionID)
		if err != nil || pos.Status.Terminal() {
			continue
		}
		price, ok := snapshot[pos.Symbol]
		if !ok {
			continue
		}
		if err := s.orch.EvaluateTrailingStop(ctx, &pos, ts, price); err != nil {
			s.logger.Error("scheduler: trailing stop failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Scheduler) evaluateOCOOrders(ctx context.Context, snapshot map[string]float64) {
	orders, err := s.ocos.ListActive(ctx)
	if err != nil {
		s.logger.Error("scheduler: list oco orders failed", slog.String("error", err.Error()))
		return
	}
	for _, oco := range orders {
		pos, err := s.positions.GetByID(ctx, oco.PositionID)
		if err != nil || pos.Status.Terminal() {
			continue
		}
		price, ok := snapshot[pos.Symbol]
		if !ok {
			continue
		}
		if err := s.orch.EvaluateOCOOrder(ctx, &pos, oco, price); err != nil {
			s.logger.Error("scheduler: oco evaluation failed",
				slog.String("oco_id", oco.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
