package domain

import "time"

// TrailingStop ratchets a stop price in the position's favor as the market
// moves. TrailPct and TrailAmount are mutually exclusive; exactly one must be
// non-zero.
type TrailingStop struct {
	PositionID  string
	TrailPct    float64 // percentage of best price, e.g. 1.5 = 1.5%
	TrailAmount float64 // absolute quote-currency distance from best price
	// Activation defers ratcheting until the price first crosses it.
	// Zero means the stop is live immediately.
	Activation float64

	// BestPrice is the most favorable price observed since activation
	// (highest for LONG, lowest for SHORT).
	BestPrice float64
	// StopPrice only ever tightens: non-decreasing for LONG, non-increasing
	// for SHORT.
	StopPrice float64
	Active    bool

	UpdatedAt time.Time
}

// OCOStatus tracks the lifecycle of a one-cancels-other order.
type OCOStatus string

const (
	OCOActive    OCOStatus = "active"
	OCOExecuted  OCOStatus = "executed"
	OCOCancelled OCOStatus = "cancelled"
)

// OCOSide records which leg of an OCO pair fired.
type OCOSide string

const (
	OCOSideTakeProfit OCOSide = "take_profit"
	OCOSideStopLoss   OCOSide = "stop_loss"
)

// OCOOrder pairs a take-profit price with a stop-loss price for a position.
// The first threshold crossed executes; the other leg is structurally void,
// no second transition is recorded for it.
type OCOOrder struct {
	ID            string
	PositionID    string
	TakeProfit    float64
	StopLossPrice float64
	Qty           float64
	Status        OCOStatus
	ExecutedSide  OCOSide
	CreatedAt     time.Time
	ExecutedAt    *time.Time
}
