package domain

import "time"

// PositionStatus tracks the lifecycle of a DCA position.
type PositionStatus string

const (
	PositionStatusActive          PositionStatus = "active"
	PositionStatusPartiallyClosed PositionStatus = "partially_closed"
	PositionStatusTPClosed        PositionStatus = "tp_closed"
	PositionStatusSLClosed        PositionStatus = "sl_closed"
	PositionStatusCancelled       PositionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s PositionStatus) Terminal() bool {
	switch s {
	case PositionStatusTPClosed, PositionStatusSLClosed, PositionStatusCancelled:
		return true
	default:
		return false
	}
}

// DCALevelStatus tracks a single averaging level.
type DCALevelStatus string

const (
	DCALevelPending   DCALevelStatus = "pending"
	DCALevelTriggered DCALevelStatus = "triggered"
	DCALevelFilled    DCALevelStatus = "filled"
)

// DCALevel is one pre-planned averaging order. Trigger prices compound off
// the previous level's price, not the original entry.
type DCALevel struct {
	Index        int
	TriggerPrice float64
	OrderSize    float64 // quote-currency size of this level's order
	Multiplier   float64
	Status       DCALevelStatus
	FillPrice    float64
	FilledAt     *time.Time
}

// TPTarget is one step of a progressive multi-target take-profit ladder.
type TPTarget struct {
	Price   float64
	Reached bool
}

// Position is a leveraged DCA position. It is owned by the orchestrator and
// mutated only through engine operations.
type Position struct {
	ID       string
	Owner    string
	Symbol   string
	Side     Side
	Leverage int

	// OriginalQty grows with every confirmed fill (base order + DCA levels);
	// RemainingQty shrinks with every partial or final close. The invariant
	// RemainingQty + sum(closed) == OriginalQty holds at all times.
	OriginalQty  float64
	RemainingQty float64

	// AvgEntry is always TotalCost / OriginalQty of the fills to date. All
	// TP/SL thresholds derive from this, never from the first entry price.
	AvgEntry      float64
	TotalCost     float64 // sum of fillQty * fillPrice across fills
	TotalInvested float64 // sum of quote-currency order sizes across fills
	RealizedPnL   float64

	Levels  []DCALevel
	Targets []TPTarget

	StopLoss     float64
	BreakevenSet bool // once promoted to breakeven, never demoted
	PartialsDone int

	Status PositionStatus
	Config DCAConfig

	OpenedAt time.Time
	ClosedAt *time.Time
}

// NextTarget returns the index of the first unreached target, or -1 when the
// ladder is exhausted or absent.
func (p *Position) NextTarget() int {
	for i := range p.Targets {
		if !p.Targets[i].Reached {
			return i
		}
	}
	return -1
}

// Symbols returns the distinct symbols carrying open exposure in the given
// position set, preserving first-seen order.
func Symbols(positions []Position) []string {
	seen := make(map[string]bool, len(positions))
	var out []string
	for i := range positions {
		if !seen[positions[i].Symbol] {
			seen[positions[i].Symbol] = true
			out = append(out, positions[i].Symbol)
		}
	}
	return out
}
