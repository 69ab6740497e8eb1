package engine

import (
	"time"

	"github.com/rsellar/dcabot/internal/domain"
)

// UpdateTrailingStop feeds one price tick into a trailing stop and reports
// whether the stop fired. The running best price only moves in the
// position's favor and the stop price only ever tightens (non-decreasing for
// LONG, non-increasing for SHORT). When an activation price is configured
// the stop stays dormant until the price first crosses it.
func UpdateTrailingStop(ts *domain.TrailingStop, side domain.Side, price float64) bool {
	if !ts.Active {
		if ts.Activation > 0 {
			crossed := (side == domain.SideLong && price >= ts.Activation) ||
				(side == domain.SideShort && price <= ts.Activation)
			if !crossed {
				return false
			}
		}
		ts.Active = true
		ts.BestPrice = price
		ts.StopPrice = trailStop(ts, side)
		ts.UpdatedAt = time.Now().UTC()
		return false
	}

	improved := (side == domain.SideLong && price > ts.BestPrice) ||
		(side == domain.SideShort && price < ts.BestPrice)
	if improved {
		ts.BestPrice = price
		candidate := trailStop(ts, side)
		// Tighten only; a recomputed stop that would loosen is discarded.
		if (side == domain.SideLong && candidate > ts.StopPrice) ||
			(side == domain.SideShort && candidate < ts.StopPrice) {
			ts.StopPrice = candidate
		}
		ts.UpdatedAt = time.Now().UTC()
	}

	return (side == domain.SideLong && price <= ts.StopPrice) ||
		(side == domain.SideShort && price >= ts.StopPrice)
}

// trailStop computes the stop implied by the current best price using the
// percentage trail, or the absolute amount when no percentage is set.
func trailStop(ts *domain.TrailingStop, side domain.Side) float64 {
	if ts.TrailPct > 0 {
		if side == domain.SideLong {
			return ts.BestPrice * (1 - ts.TrailPct/100)
		}
		return ts.BestPrice * (1 + ts.TrailPct/100)
	}
	if side == domain.SideLong {
		return ts.BestPrice - ts.TrailAmount
	}
	return ts.BestPrice + ts.TrailAmount
}

// EvaluateOCO checks both legs of an OCO order against the current price.
// The take-profit leg is evaluated first; whichever leg is crossed in this
// evaluation executes and the order transitions to EXECUTED with the fired
// side recorded. The other leg is structurally void, no second transition
// happens for it.
func EvaluateOCO(oco *domain.OCOOrder, side domain.Side, price float64) (domain.OCOSide, bool) {
	if oco.Status != domain.OCOActive {
		return "", false
	}

	tpCrossed := (side == domain.SideLong && price >= oco.TakeProfit) ||
		(side == domain.SideShort && price <= oco.TakeProfit)
	slCrossed := (side == domain.SideLong && price <= oco.StopLossPrice) ||
		(side == domain.SideShort && price >= oco.StopLossPrice)

	var fired domain.OCOSide
	switch {
	case tpCrossed:
		fired = domain.OCOSideTakeProfit
	case slCrossed:
		fired = domain.OCOSideStopLoss
	default:
		return "", false
	}

	now := time.Now().UTC()
	oco.Status = domain.OCOExecuted
	oco.ExecutedSide = fired
	oco.ExecutedAt = &now
	return fired, true
}
