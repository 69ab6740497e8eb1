package domain

import "time"

// Side indicates the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// EntrySignal requests the opening of a new DCA position.
type EntrySignal struct {
	ID        string // UUID for dedup and audit correlation
	Owner     string
	Symbol    string
	Side      Side
	Entry     float64 // requested entry price
	Leverage  int
	Targets   []float64 // optional progressive take-profit ladder
	StopLoss  float64   // optional explicit stop price; 0 means derive from config
	Source    string
	CreatedAt time.Time
}

// CancelSignal announces an external cancellation (for example a reversal on
// the originating signal provider) for a symbol. Owners who opted into
// auto-stop get their exposure on the symbol flattened at market.
type CancelSignal struct {
	Symbol    string
	Reason    string
	CreatedAt time.Time
}
