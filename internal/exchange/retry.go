package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rsellar/dcabot/internal/domain"
)

// RetryConfig bounds every venue call. Each attempt runs under its own
// deadline; after the last failed attempt the error surfaces unwrapped in
// an ExchangeError and nothing is committed.
type RetryConfig struct {
	Attempts    int
	Backoff     []time.Duration
	CallTimeout time.Duration
}

// DefaultRetryConfig is the fixed production policy: 3 attempts with
// 1s/2s/4s backoff, 10s per call.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:    3,
		Backoff:     []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		CallTimeout: 10 * time.Second,
	}
}

// Retrying wraps an Exchange with the fixed retry policy. It never retries
// past a cancelled context.
type Retrying struct {
	inner  Exchange
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetrying wraps inner with cfg. Zero-valued cfg fields fall back to the
// defaults.
func NewRetrying(inner Exchange, cfg RetryConfig, logger *slog.Logger) *Retrying {
	def := DefaultRetryConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	return &Retrying{
		inner:  inner,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "exchange_retry")),
	}
}

func (r *Retrying) do(ctx context.Context, op string, call func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		if attempt > 0 {
			delay := r.cfg.Backoff[min(attempt-1, len(r.cfg.Backoff)-1)]
			r.logger.Warn("exchange: retrying call",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return domain.ExchangeError(op, ctx.Err())
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return domain.ExchangeError(op, fmt.Errorf("exchange: %s failed after %d attempts: %w", op, r.cfg.Attempts, lastErr))
}

func (r *Retrying) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := r.do(ctx, "get_price", func(ctx context.Context) error {
		var err error
		price, err = r.inner.GetPrice(ctx, symbol)
		return err
	})
	return price, err
}

func (r *Retrying) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var res OrderResult
	err := r.do(ctx, "place_order", func(ctx context.Context) error {
		var err error
		res, err = r.inner.PlaceOrder(ctx, req)
		return err
	})
	return res, err
}

func (r *Retrying) Close(ctx context.Context, req CloseRequest) (CloseResult, error) {
	var res CloseResult
	err := r.do(ctx, "close", func(ctx context.Context) error {
		var err error
		res, err = r.inner.Close(ctx, req)
		return err
	})
	return res, err
}

func (r *Retrying) Balance(ctx context.Context) (float64, error) {
	var bal float64
	err := r.do(ctx, "balance", func(ctx context.Context) error {
		var err error
		bal, err = r.inner.Balance(ctx)
		return err
	})
	return bal, err
}
