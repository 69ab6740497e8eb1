package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rsellar/dcabot/internal/domain"
)

// Paper is an in-memory exchange simulator used for paper-trading mode and
// tests. Orders fill instantly at the posted mark price (or the requested
// price when no mark exists). Repeated orders carrying an already-seen
// idempotency key return the original fill instead of executing twice.
type Paper struct {
	mu       sync.Mutex
	prices   map[string]float64
	balance  float64
	fills    map[string]OrderResult // idempotency key -> first fill
	failNext int
}

// NewPaper creates a Paper exchange with the given starting balance.
func NewPaper(balance float64) *Paper {
	return &Paper{
		prices:  make(map[string]float64),
		balance: balance,
		fills:   make(map[string]OrderResult),
	}
}

// SetPrice posts the current mark price for symbol.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// FailNext makes the next n venue calls return an error, for exercising the
// retry path.
func (p *Paper) FailNext(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

func (p *Paper) takeFailureLocked() error {
	if p.failNext > 0 {
		p.failNext--
		return fmt.Errorf("paper: injected failure")
	}
	return nil
}

func (p *Paper) GetPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked(); err != nil {
		return 0, err
	}
	price, ok := p.prices[symbol]
	if !ok {
		return 0, domain.ErrPriceUnavailable
	}
	return price, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked(); err != nil {
		return OrderResult{}, err
	}

	if req.IdempotencyKey != "" {
		if prev, ok := p.fills[req.IdempotencyKey]; ok {
			return prev, nil
		}
	}

	fillPrice := req.Price
	if mark, ok := p.prices[req.Symbol]; ok {
		fillPrice = mark
	}
	if fillPrice <= 0 {
		return OrderResult{}, fmt.Errorf("paper: no price for %s", req.Symbol)
	}

	res := OrderResult{
		OrderID:     uuid.New().String(),
		FilledPrice: fillPrice,
		FilledQty:   req.Qty,
	}
	if req.IdempotencyKey != "" {
		p.fills[req.IdempotencyKey] = res
	}
	return res, nil
}

func (p *Paper) Close(ctx context.Context, req CloseRequest) (CloseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked(); err != nil {
		return CloseResult{}, err
	}

	exit := req.ExitPrice
	if mark, ok := p.prices[req.Symbol]; ok && exit <= 0 {
		exit = mark
	}
	if exit <= 0 {
		return CloseResult{}, fmt.Errorf("paper: no exit price for %s", req.Symbol)
	}

	var pnl float64
	if req.Side == domain.SideLong {
		pnl = (exit - req.EntryPrice) * req.Qty
	} else {
		pnl = (req.EntryPrice - exit) * req.Qty
	}
	p.balance += pnl

	var pct float64
	if req.EntryPrice > 0 && req.Qty > 0 {
		pct = pnl / (req.EntryPrice * req.Qty) * 100 * float64(max(req.Leverage, 1))
	}
	return CloseResult{PnL: pnl, PnLPct: pct, ExitPrice: exit}, nil
}

func (p *Paper) Balance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked(); err != nil {
		return 0, err
	}
	return p.balance, nil
}
