// Package engine implements the pure computational core of the DCA strategy:
// position construction, averaging-level triggering, weighted average-entry
// bookkeeping, and take-profit / stop-loss evaluation. Nothing in this
// package touches the exchange or a store; the orchestrator drives it and
// commits the results.
package engine

import (
	"fmt"
	"time"

	"github.com/rsellar/dcabot/internal/domain"
)

// qtyEpsilon absorbs float residue when a close empties a position.
const qtyEpsilon = 1e-9

// NewPosition records the confirmed base-order fill as the first fill of a
// new position and pre-plans its DCA levels. The base quantity is
// size / entryPrice, so the initial average entry equals the entry price.
//
// Each level's trigger compounds off the previous level's price: for LONG
// level i triggers at prev × (1 − dropPct/100), for SHORT the inverse. Level
// generation halts as soon as the projected cumulative investment would
// exceed the configured maximum; the remaining levels are silently omitted.
func NewPosition(
	owner, symbol string,
	side domain.Side,
	leverage int,
	entryPrice float64,
	targets []float64,
	stopLoss float64,
	cfg domain.DCAConfig,
) (domain.Position, error) {
	if !side.Valid() {
		return domain.Position{}, domain.ValidationErrorf("unknown side %q", side)
	}
	if entryPrice <= 0 {
		return domain.Position{}, domain.ValidationErrorf("entry price must be > 0, got %v", entryPrice)
	}
	if err := cfg.Validate(); err != nil {
		return domain.Position{}, domain.ValidationErrorf("invalid dca config: %v", err)
	}

	baseQty := cfg.BaseOrderSize / entryPrice
	pos := domain.Position{
		Owner:         owner,
		Symbol:        symbol,
		Side:          side,
		Leverage:      leverage,
		OriginalQty:   baseQty,
		RemainingQty:  baseQty,
		AvgEntry:      entryPrice,
		TotalCost:     baseQty * entryPrice,
		TotalInvested: cfg.BaseOrderSize,
		StopLoss:      stopLoss,
		Status:        domain.PositionStatusActive,
		Config:        cfg,
		OpenedAt:      time.Now().UTC(),
	}

	for _, tp := range targets {
		pos.Targets = append(pos.Targets, domain.TPTarget{Price: tp})
	}

	prev := entryPrice
	invested := cfg.BaseOrderSize
	for i, lvl := range cfg.Levels {
		size := cfg.BaseOrderSize * lvl.Multiplier
		if invested+size > cfg.MaxInvestment {
			break
		}
		var trigger float64
		if side == domain.SideLong {
			trigger = prev * (1 - lvl.DropPct/100)
		} else {
			trigger = prev * (1 + lvl.DropPct/100)
		}
		pos.Levels = append(pos.Levels, domain.DCALevel{
			Index:        i,
			TriggerPrice: trigger,
			OrderSize:    size,
			Multiplier:   lvl.Multiplier,
			Status:       domain.DCALevelPending,
		})
		prev = trigger
		invested += size
	}

	return pos, nil
}

// CheckDCATriggers marks every PENDING level whose trigger the current price
// has crossed as TRIGGERED and returns their indexes into pos.Levels. LONG
// levels fire at price ≤ trigger, SHORT at price ≥ trigger. Fill state is
// not touched; the caller places the orders and reports fills through
// FillLevel.
func CheckDCATriggers(pos *domain.Position, price float64) []int {
	if pos.Status.Terminal() {
		return nil
	}
	var triggered []int
	for i := range pos.Levels {
		lvl := &pos.Levels[i]
		if lvl.Status != domain.DCALevelPending {
			continue
		}
		crossed := (pos.Side == domain.SideLong && price <= lvl.TriggerPrice) ||
			(pos.Side == domain.SideShort && price >= lvl.TriggerPrice)
		if crossed {
			lvl.Status = domain.DCALevelTriggered
			triggered = append(triggered, i)
		}
	}
	return triggered
}

// FillLevel records a confirmed exchange fill for the level at idx. It must
// only be called after the exchange has acknowledged the order. The average
// entry is recomputed as totalCost / totalQty on every fill; all subsequent
// TP/SL thresholds derive from the new average, which is the defining
// correctness property of the strategy.
func FillLevel(pos *domain.Position, idx int, fillPrice, fillQty float64) error {
	if pos.Status.Terminal() {
		return domain.ErrTerminalPosition
	}
	if idx < 0 || idx >= len(pos.Levels) {
		return fmt.Errorf("engine: level index %d out of range", idx)
	}
	lvl := &pos.Levels[idx]
	if lvl.Status == domain.DCALevelFilled {
		return fmt.Errorf("engine: level %d already filled", idx)
	}
	if fillPrice <= 0 || fillQty <= 0 {
		return fmt.Errorf("engine: fill price %v / qty %v must be > 0", fillPrice, fillQty)
	}

	pos.OriginalQty += fillQty
	pos.RemainingQty += fillQty
	pos.TotalCost += fillQty * fillPrice
	pos.TotalInvested += lvl.OrderSize
	pos.AvgEntry = pos.TotalCost / pos.OriginalQty

	now := time.Now().UTC()
	lvl.Status = domain.DCALevelFilled
	lvl.FillPrice = fillPrice
	lvl.FilledAt = &now
	return nil
}

// CloseDecision describes what a take-profit or stop-loss evaluation wants
// to happen. Qty is the quantity to close; Final means the position should
// be emptied entirely.
type CloseDecision struct {
	Trigger bool
	Qty     float64
	Final   bool
}

// TakeProfitPrice returns the current take-profit threshold derived from the
// live average entry.
func TakeProfitPrice(pos *domain.Position) float64 {
	if pos.Side == domain.SideLong {
		return pos.AvgEntry * (1 + pos.Config.TakeProfitPct/100)
	}
	return pos.AvgEntry * (1 - pos.Config.TakeProfitPct/100)
}

// StopLossPrice returns the active stop threshold: the breakeven (or
// explicit) stop stored on the position when set, otherwise the configured
// percentage below (LONG) or above (SHORT) the current average entry.
func StopLossPrice(pos *domain.Position) float64 {
	if pos.StopLoss > 0 {
		return pos.StopLoss
	}
	if pos.Side == domain.SideLong {
		return pos.AvgEntry * (1 - pos.Config.StopLossPct/100)
	}
	return pos.AvgEntry * (1 + pos.Config.StopLossPct/100)
}

// CheckTakeProfit evaluates the percent take-profit against the current
// price. In whole mode any crossing closes everything; in partial mode each
// crossing releases the next tranche of the split schema (default 30/30/40).
// The last tranche always closes whatever remains, absorbing rounding
// residue.
func CheckTakeProfit(pos *domain.Position, price float64) CloseDecision {
	if pos.Status.Terminal() || pos.RemainingQty <= qtyEpsilon {
		return CloseDecision{}
	}
	tp := TakeProfitPrice(pos)
	crossed := (pos.Side == domain.SideLong && price >= tp) ||
		(pos.Side == domain.SideShort && price <= tp)
	if !crossed {
		return CloseDecision{}
	}

	if pos.Config.TPMode == domain.TPModeWhole {
		return CloseDecision{Trigger: true, Qty: pos.RemainingQty, Final: true}
	}

	splits := pos.Config.Splits()
	if pos.PartialsDone >= len(splits) {
		return CloseDecision{}
	}
	if pos.PartialsDone == len(splits)-1 {
		return CloseDecision{Trigger: true, Qty: pos.RemainingQty, Final: true}
	}
	qty := pos.OriginalQty * splits[pos.PartialsDone] / 100
	if qty >= pos.RemainingQty-qtyEpsilon {
		return CloseDecision{Trigger: true, Qty: pos.RemainingQty, Final: true}
	}
	return CloseDecision{Trigger: true, Qty: qty}
}

// CheckStopLoss evaluates the stop threshold. LONG fires at price ≤ stop,
// SHORT at price ≥ stop. A stop close always empties the position.
func CheckStopLoss(pos *domain.Position, price float64) CloseDecision {
	if pos.Status.Terminal() || pos.RemainingQty <= qtyEpsilon {
		return CloseDecision{}
	}
	stop := StopLossPrice(pos)
	crossed := (pos.Side == domain.SideLong && price <= stop) ||
		(pos.Side == domain.SideShort && price >= stop)
	if !crossed {
		return CloseDecision{}
	}
	return CloseDecision{Trigger: true, Qty: pos.RemainingQty, Final: true}
}

// realizedPnL computes the profit of closing qty at exitPrice against the
// current average entry.
func realizedPnL(pos *domain.Position, exitPrice, qty float64) float64 {
	if pos.Side == domain.SideLong {
		return (exitPrice - pos.AvgEntry) * qty
	}
	return (pos.AvgEntry - exitPrice) * qty
}

// ExecuteTakeProfit applies a confirmed take-profit close of qty at
// exitPrice. After the first non-final close the stop-loss is promoted to
// breakeven (the average entry at promotion time); the promotion is a
// one-way ratchet and is never undone. Returns the realized PnL of this
// close.
func ExecuteTakeProfit(pos *domain.Position, exitPrice, qty float64) (float64, error) {
	if pos.Status.Terminal() {
		return 0, domain.ErrTerminalPosition
	}
	if qty <= 0 || qty > pos.RemainingQty+qtyEpsilon {
		return 0, fmt.Errorf("engine: close qty %v out of range (remaining %v)", qty, pos.RemainingQty)
	}

	pnl := realizedPnL(pos, exitPrice, qty)
	pos.RealizedPnL += pnl
	pos.RemainingQty -= qty
	if pos.RemainingQty < qtyEpsilon {
		pos.RemainingQty = 0
	}
	pos.PartialsDone++

	if pos.RemainingQty == 0 {
		now := time.Now().UTC()
		pos.Status = domain.PositionStatusTPClosed
		pos.ClosedAt = &now
		return pnl, nil
	}

	pos.Status = domain.PositionStatusPartiallyClosed
	if !pos.BreakevenSet {
		pos.StopLoss = pos.AvgEntry
		pos.BreakevenSet = true
	}
	return pnl, nil
}

// ExecutePartialStop applies a confirmed stop-side close of qty at
// exitPrice. The position goes to SL_CLOSED only when the close empties the
// remainder; otherwise the residual exposure stays open and keeps its
// current stops. Returns the realized PnL of this close.
func ExecutePartialStop(pos *domain.Position, exitPrice, qty float64) (float64, error) {
	if pos.Status.Terminal() {
		return 0, domain.ErrTerminalPosition
	}
	if qty <= 0 || qty > pos.RemainingQty+qtyEpsilon {
		return 0, fmt.Errorf("engine: close qty %v out of range (remaining %v)", qty, pos.RemainingQty)
	}

	pnl := realizedPnL(pos, exitPrice, qty)
	pos.RealizedPnL += pnl
	pos.RemainingQty -= qty
	if pos.RemainingQty < qtyEpsilon {
		pos.RemainingQty = 0
	}

	if pos.RemainingQty == 0 {
		now := time.Now().UTC()
		pos.Status = domain.PositionStatusSLClosed
		pos.ClosedAt = &now
		return pnl, nil
	}

	pos.Status = domain.PositionStatusPartiallyClosed
	return pnl, nil
}

// ExecuteStopLoss applies a confirmed stop-loss close of the full remaining
// quantity at exitPrice and transitions the position to SL_CLOSED. Returns
// the realized PnL of the close.
func ExecuteStopLoss(pos *domain.Position, exitPrice float64) (float64, error) {
	if pos.Status.Terminal() {
		return 0, domain.ErrTerminalPosition
	}
	pnl := realizedPnL(pos, exitPrice, pos.RemainingQty)
	pos.RealizedPnL += pnl
	pos.RemainingQty = 0

	now := time.Now().UTC()
	pos.Status = domain.PositionStatusSLClosed
	pos.ClosedAt = &now
	return pnl, nil
}

// ExecuteCancel flattens the remaining quantity at exitPrice after an
// external cancellation signal and transitions the position to CANCELLED.
// The returned PnL covers only this close; pos.RealizedPnL accumulates it on
// top of any profit already taken by prior partial closes.
func ExecuteCancel(pos *domain.Position, exitPrice float64) (float64, error) {
	if pos.Status.Terminal() {
		return 0, domain.ErrTerminalPosition
	}
	pnl := realizedPnL(pos, exitPrice, pos.RemainingQty)
	pos.RealizedPnL += pnl
	pos.RemainingQty = 0

	now := time.Now().UTC()
	pos.Status = domain.PositionStatusCancelled
	pos.ClosedAt = &now
	return pnl, nil
}
