package safety

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestManager(cfg Config) *Manager {
	return NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestKillSwitch_BlocksAndReleases(t *testing.T) {
	m := newTestManager(DefaultConfig())

	if ok, _ := m.IsTradingAllowed(); !ok {
		t.Fatalf("fresh manager must allow trading")
	}

	m.ActivateKillSwitch("manual halt")
	ok, reason := m.IsTradingAllowed()
	if ok {
		t.Fatalf("kill switch did not block")
	}
	if !strings.Contains(reason, "kill switch") || !strings.Contains(reason, "manual halt") {
		t.Errorf("reason missing detail: %q", reason)
	}

	m.DeactivateKillSwitch()
	if ok, _ := m.IsTradingAllowed(); !ok {
		t.Fatalf("trading still blocked after deactivation")
	}
}

func TestCircuitBreaker_ConsecutiveLosses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveLosses = 5
	cfg.MaxWindowLossPct = 0 // isolate the streak condition
	m := newTestManager(cfg)

	for i := 0; i < 4; i++ {
		m.RecordTradeResult(-1, 10_000)
		if ok, _ := m.IsTradingAllowed(); !ok {
			t.Fatalf("breaker tripped early after %d losses", i+1)
		}
	}

	m.RecordTradeResult(-1, 10_000)
	ok, reason := m.IsTradingAllowed()
	if ok {
		t.Fatalf("breaker did not trip on 5th consecutive loss")
	}
	if !strings.Contains(reason, "circuit breaker") {
		t.Errorf("reason missing breaker detail: %q", reason)
	}
}

func TestCircuitBreaker_WinResetsStreak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveLosses = 3
	cfg.MaxWindowLossPct = 0
	m := newTestManager(cfg)

	m.RecordTradeResult(-1, 10_000)
	m.RecordTradeResult(-1, 10_000)
	m.RecordTradeResult(2, 10_000) // win, streak resets
	m.RecordTradeResult(-1, 10_000)
	m.RecordTradeResult(-1, 10_000)

	if ok, _ := m.IsTradingAllowed(); !ok {
		t.Fatalf("breaker tripped though the streak was broken by a win")
	}
}

func TestCircuitBreaker_WindowedLossPercent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveLosses = 0 // isolate the windowed condition
	cfg.MaxWindowLossPct = 10
	m := newTestManager(cfg)

	m.RecordTradeResult(-400, 10_000) // 4% cumulative
	if ok, _ := m.IsTradingAllowed(); !ok {
		t.Fatalf("breaker tripped below the loss threshold")
	}

	m.RecordTradeResult(-600, 10_000) // 10% cumulative
	if ok, _ := m.IsTradingAllowed(); ok {
		t.Fatalf("breaker did not trip at the windowed loss threshold")
	}
}

func TestCircuitBreaker_ManualDeactivationOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveLosses = 1
	m := newTestManager(cfg)

	m.RecordTradeResult(-1, 10_000)
	if ok, _ := m.IsTradingAllowed(); ok {
		t.Fatalf("breaker did not trip")
	}

	// Winning trades do not clear a tripped breaker.
	m.RecordTradeResult(100, 10_000)
	if ok, _ := m.IsTradingAllowed(); ok {
		t.Fatalf("breaker self-cleared on a winning trade")
	}

	m.DeactivateCircuitBreaker()
	if ok, _ := m.IsTradingAllowed(); !ok {
		t.Fatalf("breaker still active after manual deactivation")
	}
}

func TestPauseTrading_AutoExpires(t *testing.T) {
	m := newTestManager(DefaultConfig())

	m.PauseTrading(30*time.Millisecond, "maintenance")
	if ok, reason := m.IsTradingAllowed(); ok {
		t.Fatalf("pause did not block")
	} else if !strings.Contains(reason, "paused") {
		t.Errorf("reason missing pause detail: %q", reason)
	}

	time.Sleep(50 * time.Millisecond)
	if ok, _ := m.IsTradingAllowed(); !ok {
		t.Fatalf("pause did not expire")
	}
}

func TestCheckOrderIdempotency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdempotencyTTL = 40 * time.Millisecond
	m := newTestManager(cfg)

	if !m.CheckOrderIdempotency("key-a") {
		t.Fatalf("first use of a key must pass")
	}
	if m.CheckOrderIdempotency("key-a") {
		t.Fatalf("repeated key within TTL must be rejected")
	}
	if !m.CheckOrderIdempotency("key-b") {
		t.Fatalf("distinct key must pass")
	}

	time.Sleep(60 * time.Millisecond)
	if !m.CheckOrderIdempotency("key-a") {
		t.Fatalf("expired key must pass again")
	}
}

func TestReleaseOrderKey_AllowsRetryWithinTTL(t *testing.T) {
	m := newTestManager(DefaultConfig())

	if !m.CheckOrderIdempotency("key-a") {
		t.Fatalf("first use of a key must pass")
	}

	// An order that never reached the exchange releases its key so the
	// retry is not rejected for the rest of the TTL.
	m.ReleaseOrderKey("key-a")
	if !m.CheckOrderIdempotency("key-a") {
		t.Fatalf("released key must pass again")
	}
	if m.CheckOrderIdempotency("key-a") {
		t.Fatalf("re-recorded key must be rejected")
	}

	m.ReleaseOrderKey("key-never-seen") // no-op
}

func TestValidateSymbol_Lists(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedSymbols = []string{"BTCUSDT", "ETHUSDT"}
	cfg.DeniedSymbols = []string{"ETHUSDT"}
	m := newTestManager(cfg)

	if ok, _ := m.ValidateSymbol("btcusdt"); !ok {
		t.Errorf("allowed symbol rejected (case folding)")
	}
	if ok, _ := m.ValidateSymbol("SOLUSDT"); ok {
		t.Errorf("symbol outside allow list accepted")
	}
	// Deny wins over allow.
	if ok, _ := m.ValidateSymbol("ETHUSDT"); ok {
		t.Errorf("denied symbol accepted")
	}
}

func TestValidateLeverageAndOrderSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinLeverage, cfg.MaxLeverage = 1, 10
	cfg.MinOrderSize, cfg.MaxOrderSize = 5, 500
	m := newTestManager(cfg)

	if ok, _ := m.ValidateLeverage(10); !ok {
		t.Errorf("boundary leverage rejected")
	}
	if ok, msg := m.ValidateLeverage(11); ok || msg == "" {
		t.Errorf("over-limit leverage accepted")
	}
	if ok, _ := m.ValidateOrderSize(5); !ok {
		t.Errorf("boundary size rejected")
	}
	if ok, msg := m.ValidateOrderSize(4.99); ok || msg == "" {
		t.Errorf("undersized order accepted")
	}
}
