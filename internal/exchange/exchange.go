package exchange

import (
	"context"

	"github.com/rsellar/dcabot/internal/domain"
)

// OrderRequest describes a leveraged entry order. The idempotency key is a
// deterministic function of the order's identity; the exchange boundary
// passes it through so duplicate retries of the same logical order collapse
// server-side where supported.
type OrderRequest struct {
	Symbol         string
	Side           domain.Side
	Qty            float64
	Price          float64
	Leverage       int
	IdempotencyKey string
}

// OrderResult reports a confirmed fill. FilledPrice may differ from the
// requested price.
type OrderResult struct {
	OrderID     string
	FilledPrice float64
	FilledQty   float64
}

// CloseRequest describes closing qty of an open position at market.
type CloseRequest struct {
	Symbol     string
	Side       domain.Side
	Qty        float64
	EntryPrice float64
	ExitPrice  float64
	Leverage   int
}

// CloseResult reports a confirmed close with the exchange-computed PnL.
type CloseResult struct {
	PnL       float64
	PnLPct    float64
	ExitPrice float64
}

// Exchange is the boundary to the trading venue. All calls block with the
// caller's context as the deadline; implementations must not retry
// internally, retry policy lives in the Retrying wrapper.
type Exchange interface {
	// GetPrice returns the current mark price for symbol, or
	// domain.ErrPriceUnavailable when the venue has no quote.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// PlaceOrder submits an entry order and returns only after the venue
	// confirms the fill.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// Close flattens qty of an open position and returns the realized PnL.
	Close(ctx context.Context, req CloseRequest) (CloseResult, error)

	// Balance returns the account balance in quote currency.
	Balance(ctx context.Context) (float64, error)
}
