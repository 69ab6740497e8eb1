package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/rsellar/dcabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPaper_PlaceOrderFillsAtMark(t *testing.T) {
	p := NewPaper(10_000)
	p.SetPrice("BTCUSDT", 50_000)

	res, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideLong, Qty: 0.01, Price: 49_900, Leverage: 5,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.FilledPrice != 50_000 {
		t.Errorf("filled at %v, want mark 50000", res.FilledPrice)
	}
	if res.OrderID == "" {
		t.Errorf("missing order id")
	}
}

func TestPaper_IdempotencyKeyCollapsesDuplicates(t *testing.T) {
	p := NewPaper(10_000)
	p.SetPrice("BTCUSDT", 50_000)

	req := OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideLong, Qty: 0.01, Price: 50_000,
		Leverage: 5, IdempotencyKey: "k1",
	}
	first, err := p.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	p.SetPrice("BTCUSDT", 51_000) // price moved; replay must not re-fill
	second, err := p.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second != first {
		t.Errorf("duplicate key did not return the original fill: %+v vs %+v", second, first)
	}
}

func TestPaper_ClosePnLBySide(t *testing.T) {
	p := NewPaper(10_000)

	long, err := p.Close(context.Background(), CloseRequest{
		Symbol: "BTCUSDT", Side: domain.SideLong, Qty: 2, EntryPrice: 100, ExitPrice: 110, Leverage: 1,
	})
	if err != nil {
		t.Fatalf("close long: %v", err)
	}
	if long.PnL != 20 {
		t.Errorf("long pnl: got %v, want 20", long.PnL)
	}

	short, err := p.Close(context.Background(), CloseRequest{
		Symbol: "BTCUSDT", Side: domain.SideShort, Qty: 2, EntryPrice: 100, ExitPrice: 110, Leverage: 1,
	})
	if err != nil {
		t.Fatalf("close short: %v", err)
	}
	if short.PnL != -20 {
		t.Errorf("short pnl: got %v, want -20", short.PnL)
	}

	bal, _ := p.Balance(context.Background())
	if bal != 10_000 {
		t.Errorf("balance: got %v, want 10000", bal)
	}
}

func TestPaper_GetPriceUnavailable(t *testing.T) {
	p := NewPaper(0)
	if _, err := p.GetPrice(context.Background(), "NOPE"); !errors.Is(err, domain.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestRetrying_RecoversWithinBudget(t *testing.T) {
	p := NewPaper(10_000)
	p.SetPrice("BTCUSDT", 50_000)
	p.FailNext(2)

	r := NewRetrying(p, RetryConfig{
		Attempts:    3,
		Backoff:     []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond},
		CallTimeout: time.Second,
	}, testLogger())

	price, err := r.GetPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("expected recovery on third attempt, got %v", err)
	}
	if price != 50_000 {
		t.Errorf("price: got %v, want 50000", price)
	}
}

func TestRetrying_SurfacesExchangeErrorAfterExhaustion(t *testing.T) {
	p := NewPaper(10_000)
	p.SetPrice("BTCUSDT", 50_000)
	p.FailNext(3)

	r := NewRetrying(p, RetryConfig{
		Attempts:    3,
		Backoff:     []time.Duration{time.Millisecond},
		CallTimeout: time.Second,
	}, testLogger())

	_, err := r.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideLong, Qty: 1, Price: 50_000, Leverage: 1,
	})
	if err == nil {
		t.Fatalf("expected error after retries exhausted")
	}
	if !domain.IsKind(err, domain.KindExchange) {
		t.Errorf("expected exchange error kind, got %v", err)
	}
}

func TestRetrying_StopsOnCancelledContext(t *testing.T) {
	p := NewPaper(10_000)
	p.FailNext(10)

	r := NewRetrying(p, RetryConfig{
		Attempts:    3,
		Backoff:     []time.Duration{time.Hour}, // must not be waited out
		CallTimeout: time.Second,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := r.Balance(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error from cancelled context")
		}
	case <-time.After(time.Second):
		t.Fatalf("retry loop did not honor context cancellation")
	}
}
