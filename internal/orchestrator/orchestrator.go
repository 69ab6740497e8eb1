// Package orchestrator drives the signal-to-execution pipeline: it wires the
// position engine, the safety gate, the exchange boundary and the stores
// together and owns every position mutation. Engine state is only advanced
// after the exchange confirms the corresponding fill, never before.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rsellar/dcabot/internal/domain"
	"github.com/rsellar/dcabot/internal/engine"
	"github.com/rsellar/dcabot/internal/exchange"
	"github.com/rsellar/dcabot/internal/idkey"
	"github.com/rsellar/dcabot/internal/notify"
	"github.com/rsellar/dcabot/internal/safety"
)

// Signal bus channels. Lifecycle events go out on LifecycleChannel; entry
// and cancellation signals arrive on the two signal channels.
const (
	LifecycleChannel    = "positions.lifecycle"
	EntrySignalChannel  = "signals.entry"
	CancelSignalChannel = "signals.cancel"
)

// Orchestrator coordinates signal execution and position monitoring. All
// methods are safe to call from multiple scheduler instances: cross-instance
// coordination happens through idempotency keys and atomic store updates.
type Orchestrator struct {
	positions domain.PositionStore
	trailing  domain.TrailingStopStore
	ocos      domain.OCOOrderStore
	users     domain.UserConfigStore
	audit     domain.AuditStore
	safety    *safety.Manager
	exch      exchange.Exchange
	notifier  *notify.Notifier
	locks     domain.LockManager // optional
	bus       domain.SignalBus   // optional
	logger    *slog.Logger

	// balanceFallback is used when the venue cannot report a balance, so
	// percent sizing and daily-loss checks stay operable.
	balanceFallback float64
}

// NewOrchestrator creates an Orchestrator with all required collaborators.
// locks and bus may be nil; locking then degrades to store-level atomicity
// and lifecycle events are not published.
func NewOrchestrator(
	positions domain.PositionStore,
	trailing domain.TrailingStopStore,
	ocos domain.OCOOrderStore,
	users domain.UserConfigStore,
	audit domain.AuditStore,
	safetyMgr *safety.Manager,
	exch exchange.Exchange,
	notifier *notify.Notifier,
	locks domain.LockManager,
	bus domain.SignalBus,
	balanceFallback float64,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		positions:       positions,
		trailing:        trailing,
		ocos:            ocos,
		users:           users,
		audit:           audit,
		safety:          safetyMgr,
		exch:            exch,
		notifier:        notifier,
		locks:           locks,
		bus:             bus,
		balanceFallback: balanceFallback,
		logger:          logger.With(slog.String("component", "orchestrator")),
	}
}

// ExecuteSignal runs the fail-closed entry pipeline. Every check
// short-circuits with a structured error and nothing is persisted until the
// exchange has confirmed the base fill; a Position never exists without one.
func (o *Orchestrator) ExecuteSignal(ctx context.Context, sig domain.EntrySignal) (domain.Position, error) {
	cfg, err := o.users.Get(ctx, sig.Owner)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Position{}, domain.ValidationErrorf("unknown owner %q", sig.Owner)
		}
		return domain.Position{}, fmt.Errorf("orchestrator: load user config: %w", err)
	}
	if !cfg.Enabled {
		return domain.Position{}, domain.ValidationErrorf("strategy disabled for owner %q", sig.Owner)
	}

	if ok, reason := o.safety.IsTradingAllowed(); !ok {
		return domain.Position{}, domain.SafetyBlockedf("%s", reason)
	}

	open, err := o.positions.ListActiveByOwner(ctx, sig.Owner)
	if err != nil {
		return domain.Position{}, fmt.Errorf("orchestrator: list open positions: %w", err)
	}
	if len(open) >= cfg.MaxPositions {
		return domain.Position{}, domain.SafetyBlockedf("max concurrent positions reached (%d/%d)", len(open), cfg.MaxPositions)
	}

	if !cfg.ExchangeEnabled {
		return domain.Position{}, domain.ValidationErrorf("exchange account missing or disabled for owner %q", sig.Owner)
	}

	if ok, msg := o.safety.ValidateSymbol(sig.Symbol); !ok {
		return domain.Position{}, domain.ValidationErrorf("%s", msg)
	}

	leverage := min(sig.Leverage, cfg.MaxLeverage)
	if leverage < 1 {
		leverage = 1
	}
	if ok, msg := o.safety.ValidateLeverage(leverage); !ok {
		return domain.Position{}, domain.ValidationErrorf("%s", msg)
	}

	balance := o.balanceOrFallback(ctx)

	dayStart := startOfDayUTC(time.Now())
	trades, err := o.positions.CountOpenedSince(ctx, sig.Owner, dayStart)
	if err != nil {
		return domain.Position{}, fmt.Errorf("orchestrator: count daily trades: %w", err)
	}
	if trades >= cfg.MaxDailyTrades {
		return domain.Position{}, domain.SafetyBlockedf("daily trade limit reached (%d/%d)", trades, cfg.MaxDailyTrades)
	}

	pnl, err := o.positions.SumRealizedPnLSince(ctx, sig.Owner, dayStart)
	if err != nil {
		return domain.Position{}, fmt.Errorf("orchestrator: sum daily pnl: %w", err)
	}
	if pnl < 0 && balance > 0 && -pnl/balance*100 >= cfg.MaxDailyLossPct {
		return domain.Position{}, domain.SafetyBlockedf("daily loss limit reached (%.2f%% of balance)", -pnl/balance*100)
	}

	dcaCfg := cfg.DCA
	if cfg.SizingMode == "percent" {
		// BaseOrderSize holds a percent of balance in this mode.
		dcaCfg.BaseOrderSize = balance * cfg.DCA.BaseOrderSize / 100
		dcaCfg.MaxInvestment = balance * cfg.DCA.MaxInvestment / 100
	}
	if ok, msg := o.safety.ValidateOrderSize(dcaCfg.BaseOrderSize); !ok {
		return domain.Position{}, domain.ValidationErrorf("%s", msg)
	}

	entry := sig.Entry
	if entry <= 0 {
		entry, err = o.exch.GetPrice(ctx, sig.Symbol)
		if err != nil {
			return domain.Position{}, domain.ExchangeError("get entry price", err)
		}
	}

	qty := dcaCfg.BaseOrderSize / entry
	key := idkey.OrderKey(sig.Owner, sig.Symbol, sig.Side, entry, qty)
	if !o.safety.CheckOrderIdempotency(key) {
		o.logger.InfoContext(ctx, "orchestrator: duplicate entry signal ignored",
			slog.String("owner", sig.Owner),
			slog.String("symbol", sig.Symbol),
			slog.String("idempotency_key", key),
		)
		return domain.Position{}, domain.DuplicateOrderError(key)
	}

	res, err := o.exch.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Qty:            qty,
		Price:          entry,
		Leverage:       leverage,
		IdempotencyKey: key,
	})
	if err != nil {
		// Nothing reached the venue, so a re-sent identical signal must
		// not be treated as a duplicate.
		o.safety.ReleaseOrderKey(key)
		return domain.Position{}, err
	}

	pos, err := engine.NewPosition(sig.Owner, sig.Symbol, sig.Side, leverage, res.FilledPrice, sig.Targets, sig.StopLoss, dcaCfg)
	if err != nil {
		// The base fill is already on the venue but the position cannot be
		// represented. Manual follow-up, never silent loss.
		o.logger.ErrorContext(ctx, "orchestrator: reconciliation required, confirmed fill but position construction failed",
			slog.String("owner", sig.Owner),
			slog.String("symbol", sig.Symbol),
			slog.String("order_id", res.OrderID),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, err
	}
	pos.ID = uuid.New().String()

	if err := o.positions.Create(ctx, pos); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: reconciliation required, confirmed fill but position persist failed",
			slog.String("position_id", pos.ID),
			slog.String("order_id", res.OrderID),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, fmt.Errorf("orchestrator: persist position: %w", err)
	}

	o.auditEvent(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"owner":       pos.Owner,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"entry":       res.FilledPrice,
		"qty":         res.FilledQty,
		"leverage":    leverage,
		"signal_id":   sig.ID,
	})
	o.publishLifecycle(ctx, "opened", pos)
	o.notifier.Notify(ctx, notify.EventPositionOpened,
		fmt.Sprintf("Opened %s %s", pos.Side, pos.Symbol),
		fmt.Sprintf("entry %.4f qty %.6f leverage %dx owner %s", res.FilledPrice, res.FilledQty, leverage, pos.Owner),
	)

	o.logger.InfoContext(ctx, "orchestrator: position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("entry", res.FilledPrice),
	)
	return pos, nil
}

// CheckDCATriggers evaluates the position's pending levels against price,
// places one idempotent order per newly triggered level and records the fill
// strictly after exchange confirmation. A level whose order fails reverts to
// pending so the next tick retries it.
func (o *Orchestrator) CheckDCATriggers(ctx context.Context, pos *domain.Position, price float64) error {
	triggered := engine.CheckDCATriggers(pos, price)
	if len(triggered) == 0 {
		return nil
	}

	filled := 0
	for _, idx := range triggered {
		lvl := &pos.Levels[idx]
		qty := lvl.OrderSize / price

		key := idkey.OrderKey(pos.Owner, pos.Symbol, pos.Side, lvl.TriggerPrice, qty)
		if !o.safety.CheckOrderIdempotency(key) {
			// Another scheduler instance already took this level.
			lvl.Status = domain.DCALevelPending
			continue
		}

		res, err := o.exch.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:         pos.Symbol,
			Side:           pos.Side,
			Qty:            qty,
			Price:          price,
			Leverage:       pos.Leverage,
			IdempotencyKey: key,
		})
		if err != nil {
			lvl.Status = domain.DCALevelPending
			o.safety.ReleaseOrderKey(key)
			o.logger.WarnContext(ctx, "orchestrator: dca order failed, level stays pending",
				slog.String("position_id", pos.ID),
				slog.Int("level", idx),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := engine.FillLevel(pos, idx, res.FilledPrice, res.FilledQty); err != nil {
			return fmt.Errorf("orchestrator: record dca fill: %w", err)
		}
		filled++

		o.auditEvent(ctx, "dca_fill", map[string]any{
			"position_id": pos.ID,
			"level":       idx,
			"fill_price":  res.FilledPrice,
			"fill_qty":    res.FilledQty,
			"avg_entry":   pos.AvgEntry,
		})
		o.notifier.Notify(ctx, notify.EventDCAFill,
			fmt.Sprintf("DCA fill %s level %d", pos.Symbol, idx+1),
			fmt.Sprintf("filled %.6f at %.4f, avg entry now %.4f", res.FilledQty, res.FilledPrice, pos.AvgEntry),
		)
	}

	if filled == 0 {
		return nil
	}
	if err := o.positions.Update(ctx, *pos); err != nil {
		return fmt.Errorf("orchestrator: persist dca fills: %w", err)
	}
	return nil
}

// MonitorTargets evaluates take-profit for one position at price. Positions
// carrying an explicit target ladder close progressively, one target per
// tick in sequence, with the final target absorbing the full remainder.
// Positions without a ladder use the percent take-profit from config.
func (o *Orchestrator) MonitorTargets(ctx context.Context, pos *domain.Position, price float64) error {
	if pos.Status.Terminal() {
		return nil
	}

	if len(pos.Targets) > 0 {
		return o.monitorTargetLadder(ctx, pos, price)
	}

	d := engine.CheckTakeProfit(pos, price)
	if !d.Trigger {
		return nil
	}
	return o.closeTranche(ctx, pos, d, price, notify.EventTakeProfit, "take_profit")
}

// monitorTargetLadder checks only the next unreached target. Out-of-sequence
// hits are not special-cased: an overshooting price fills one target per
// tick, in order.
func (o *Orchestrator) monitorTargetLadder(ctx context.Context, pos *domain.Position, price float64) error {
	next := pos.NextTarget()
	if next < 0 {
		return nil
	}
	target := pos.Targets[next].Price

	crossed := (pos.Side == domain.SideLong && price >= target) ||
		(pos.Side == domain.SideShort && price <= target)
	if !crossed {
		return nil
	}

	var d engine.CloseDecision
	splits := pos.Config.Splits()
	if next >= len(pos.Targets)-1 || next >= len(splits)-1 {
		d = engine.CloseDecision{Trigger: true, Qty: pos.RemainingQty, Final: true}
	} else {
		qty := pos.OriginalQty * splits[next] / 100
		if qty >= pos.RemainingQty {
			d = engine.CloseDecision{Trigger: true, Qty: pos.RemainingQty, Final: true}
		} else {
			d = engine.CloseDecision{Trigger: true, Qty: qty}
		}
	}

	pos.Targets[next].Reached = true
	event := notify.EventPartialClose
	if d.Final {
		event = notify.EventTakeProfit
	}
	return o.closeTranche(ctx, pos, d, price, event, "target_reached")
}

// CheckStopLoss evaluates and executes the stop for one position at price.
func (o *Orchestrator) CheckStopLoss(ctx context.Context, pos *domain.Position, price float64) error {
	d := engine.CheckStopLoss(pos, price)
	if !d.Trigger {
		return nil
	}

	res, err := o.exch.Close(ctx, exchange.CloseRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Qty:        pos.RemainingQty,
		EntryPrice: pos.AvgEntry,
		ExitPrice:  price,
		Leverage:   pos.Leverage,
	})
	if err != nil {
		return err
	}

	pnl, err := engine.ExecuteStopLoss(pos, res.ExitPrice)
	if err != nil {
		return fmt.Errorf("orchestrator: execute stop loss: %w", err)
	}
	if err := o.positions.Update(ctx, *pos); err != nil {
		return fmt.Errorf("orchestrator: persist stop loss: %w", err)
	}

	o.safety.RecordTradeResult(pos.RealizedPnL, o.balanceOrFallback(ctx))
	o.auditEvent(ctx, "stop_loss", map[string]any{
		"position_id": pos.ID,
		"exit_price":  res.ExitPrice,
		"pnl":         pnl,
		"total_pnl":   pos.RealizedPnL,
	})
	o.publishLifecycle(ctx, "stop_loss", *pos)
	o.notifier.Notify(ctx, notify.EventStopLoss,
		fmt.Sprintf("Stop loss %s", pos.Symbol),
		fmt.Sprintf("closed at %.4f, pnl %.4f", res.ExitPrice, pos.RealizedPnL),
	)
	return nil
}

// closeTranche executes one confirmed take-profit close (partial or final),
// persists the updated position and records the outcome when final.
func (o *Orchestrator) closeTranche(ctx context.Context, pos *domain.Position, d engine.CloseDecision, price float64, event notify.Event, auditEvent string) error {
	res, err := o.exch.Close(ctx, exchange.CloseRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Qty:        d.Qty,
		EntryPrice: pos.AvgEntry,
		ExitPrice:  price,
		Leverage:   pos.Leverage,
	})
	if err != nil {
		return err
	}

	pnl, err := engine.ExecuteTakeProfit(pos, res.ExitPrice, d.Qty)
	if err != nil {
		return fmt.Errorf("orchestrator: execute take profit: %w", err)
	}
	if err := o.positions.Update(ctx, *pos); err != nil {
		return fmt.Errorf("orchestrator: persist take profit: %w", err)
	}

	if pos.Status.Terminal() {
		o.safety.RecordTradeResult(pos.RealizedPnL, o.balanceOrFallback(ctx))
		o.publishLifecycle(ctx, "closed", *pos)
	}

	o.auditEvent(ctx, auditEvent, map[string]any{
		"position_id": pos.ID,
		"exit_price":  res.ExitPrice,
		"qty":         d.Qty,
		"final":       d.Final,
		"pnl":         pnl,
		"total_pnl":   pos.RealizedPnL,
	})
	o.notifier.Notify(ctx, event,
		fmt.Sprintf("Take profit %s", pos.Symbol),
		fmt.Sprintf("closed %.6f at %.4f, pnl %.4f (cumulative %.4f)", d.Qty, res.ExitPrice, pnl, pos.RealizedPnL),
	)
	return nil
}

// EvaluateTrailingStop feeds one tick into the position's trailing stop and
// flattens the position when it fires. The updated ratchet state persists
// even when the stop does not fire.
func (o *Orchestrator) EvaluateTrailingStop(ctx context.Context, pos *domain.Position, ts *domain.TrailingStop, price float64) error {
	fired := engine.UpdateTrailingStop(ts, pos.Side, price)
	if err := o.trailing.Upsert(ctx, *ts); err != nil {
		return fmt.Errorf("orchestrator: persist trailing stop: %w", err)
	}
	if !fired || pos.Status.Terminal() {
		return nil
	}

	res, err := o.exch.Close(ctx, exchange.CloseRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Qty:        pos.RemainingQty,
		EntryPrice: pos.AvgEntry,
		ExitPrice:  price,
		Leverage:   pos.Leverage,
	})
	if err != nil {
		return err
	}

	pnl, err := engine.ExecuteStopLoss(pos, res.ExitPrice)
	if err != nil {
		return fmt.Errorf("orchestrator: execute trailing stop: %w", err)
	}
	if err := o.positions.Update(ctx, *pos); err != nil {
		return fmt.Errorf("orchestrator: persist trailing close: %w", err)
	}
	if err := o.trailing.Delete(ctx, pos.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("orchestrator: delete trailing stop: %w", err)
	}

	o.safety.RecordTradeResult(pos.RealizedPnL, o.balanceOrFallback(ctx))
	o.auditEvent(ctx, "trailing_stop", map[string]any{
		"position_id": pos.ID,
		"stop_price":  ts.StopPrice,
		"exit_price":  res.ExitPrice,
		"pnl":         pnl,
	})
	o.publishLifecycle(ctx, "trailing_stop", *pos)
	o.notifier.Notify(ctx, notify.EventStopLoss,
		fmt.Sprintf("Trailing stop %s", pos.Symbol),
		fmt.Sprintf("stop %.4f hit at %.4f, pnl %.4f", ts.StopPrice, res.ExitPrice, pos.RealizedPnL),
	)
	return nil
}

// EvaluateOCOOrder races the two legs of an OCO order at price. The winning
// scheduler instance claims the order through the store's atomic transition
// before touching the venue; losers observe ErrNotFound and skip.
func (o *Orchestrator) EvaluateOCOOrder(ctx context.Context, pos *domain.Position, oco domain.OCOOrder, price float64) error {
	side, fired := engine.EvaluateOCO(&oco, pos.Side, price)
	if !fired {
		return nil
	}

	if err := o.ocos.MarkExecuted(ctx, oco.ID, side, time.Now().UTC()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil // another instance won the race
		}
		return fmt.Errorf("orchestrator: claim oco order: %w", err)
	}

	closeQty := min(oco.Qty, pos.RemainingQty)
	res, err := o.exch.Close(ctx, exchange.CloseRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Qty:        closeQty,
		EntryPrice: pos.AvgEntry,
		ExitPrice:  price,
		Leverage:   pos.Leverage,
	})
	if err != nil {
		// The order is claimed but the venue close failed after retries.
		o.logger.ErrorContext(ctx, "orchestrator: reconciliation required, oco claimed but close failed",
			slog.String("oco_id", oco.ID),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	// Both legs close only the order's quantity. The closed side of the
	// position goes terminal only once the remainder is empty.
	var pnl float64
	if side == domain.OCOSideTakeProfit {
		pnl, err = engine.ExecuteTakeProfit(pos, res.ExitPrice, closeQty)
	} else {
		pnl, err = engine.ExecutePartialStop(pos, res.ExitPrice, closeQty)
	}
	if err != nil {
		return fmt.Errorf("orchestrator: execute oco close: %w", err)
	}
	if err := o.positions.Update(ctx, *pos); err != nil {
		return fmt.Errorf("orchestrator: persist oco close: %w", err)
	}

	if pos.Status.Terminal() {
		o.safety.RecordTradeResult(pos.RealizedPnL, o.balanceOrFallback(ctx))
	}
	o.auditEvent(ctx, "oco_executed", map[string]any{
		"oco_id":      oco.ID,
		"position_id": pos.ID,
		"side":        string(side),
		"exit_price":  res.ExitPrice,
		"pnl":         pnl,
	})
	event := notify.EventTakeProfit
	if side == domain.OCOSideStopLoss {
		event = notify.EventStopLoss
	}
	o.notifier.Notify(ctx, event,
		fmt.Sprintf("OCO %s %s", side, pos.Symbol),
		fmt.Sprintf("closed %.6f at %.4f, pnl %.4f", closeQty, res.ExitPrice, pnl),
	)
	return nil
}

// AutoClosePositions flattens every active position on the symbol for owners
// who opted into auto-stop, in reaction to an external cancellation signal.
// Final PnL includes profit already realized by earlier partial closes.
func (o *Orchestrator) AutoClosePositions(ctx context.Context, cancel domain.CancelSignal) error {
	if o.locks != nil {
		unlock, err := o.locks.Acquire(ctx, "autoclose:"+cancel.Symbol, 30*time.Second)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return nil // another instance is already flattening this symbol
			}
			return fmt.Errorf("orchestrator: acquire autoclose lock: %w", err)
		}
		defer unlock()
	}

	active, err := o.positions.ListActiveBySymbol(ctx, cancel.Symbol)
	if err != nil {
		return fmt.Errorf("orchestrator: list positions for autoclose: %w", err)
	}
	if len(active) == 0 {
		return nil
	}

	price, err := o.exch.GetPrice(ctx, cancel.Symbol)
	if err != nil {
		return domain.ExchangeError("get price for autoclose", err)
	}

	var firstErr error
	for i := range active {
		pos := &active[i]

		cfg, err := o.users.Get(ctx, pos.Owner)
		if err != nil || !cfg.AutoStop {
			continue
		}

		res, err := o.exch.Close(ctx, exchange.CloseRequest{
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Qty:        pos.RemainingQty,
			EntryPrice: pos.AvgEntry,
			ExitPrice:  price,
			Leverage:   pos.Leverage,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if _, err := engine.ExecuteCancel(pos, res.ExitPrice); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("orchestrator: execute cancel: %w", err)
			}
			continue
		}
		if err := o.positions.Update(ctx, *pos); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("orchestrator: persist cancel: %w", err)
			}
			continue
		}

		o.safety.RecordTradeResult(pos.RealizedPnL, o.balanceOrFallback(ctx))
		o.auditEvent(ctx, "auto_close", map[string]any{
			"position_id": pos.ID,
			"reason":      cancel.Reason,
			"exit_price":  res.ExitPrice,
			"total_pnl":   pos.RealizedPnL,
		})
		o.publishLifecycle(ctx, "cancelled", *pos)
		o.notifier.Notify(ctx, notify.EventCancelled,
			fmt.Sprintf("Auto-closed %s", pos.Symbol),
			fmt.Sprintf("reason: %s, exit %.4f, pnl %.4f", cancel.Reason, res.ExitPrice, pos.RealizedPnL),
		)
	}
	return firstErr
}

func (o *Orchestrator) balanceOrFallback(ctx context.Context) float64 {
	bal, err := o.exch.Balance(ctx)
	if err != nil || bal <= 0 {
		o.logger.WarnContext(ctx, "orchestrator: balance unavailable, using fallback",
			slog.Float64("fallback", o.balanceFallback),
		)
		return o.balanceFallback
	}
	return bal
}

func (o *Orchestrator) auditEvent(ctx context.Context, event string, detail map[string]any) {
	if err := o.audit.Log(ctx, event, detail); err != nil {
		o.logger.WarnContext(ctx, "orchestrator: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publishLifecycle emits a position lifecycle event on the signal bus.
// Publishing is best effort.
func (o *Orchestrator) publishLifecycle(ctx context.Context, kind string, pos domain.Position) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"kind":        kind,
		"position_id": pos.ID,
		"owner":       pos.Owner,
		"symbol":      pos.Symbol,
		"status":      string(pos.Status),
		"pnl":         pos.RealizedPnL,
		"at":          time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, LifecycleChannel, payload); err != nil {
		o.logger.WarnContext(ctx, "orchestrator: lifecycle publish failed", slog.String("error", err.Error()))
	}
	if err := o.bus.StreamAppend(ctx, LifecycleChannel, payload); err != nil {
		o.logger.WarnContext(ctx, "orchestrator: lifecycle stream append failed", slog.String("error", err.Error()))
	}
}

// startOfDayUTC truncates t to the UTC day boundary for the daily limits.
func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
