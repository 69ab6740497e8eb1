package safety

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Config holds the tunable parameters for the global trading gate.
type Config struct {
	// Circuit breaker trips when summed losses within LossLookback reach
	// MaxWindowLossPct percent of the reported account balance, or when
	// MaxConsecutiveLosses losing trades arrive in a row.
	MaxWindowLossPct     float64
	MaxConsecutiveLosses int
	LossLookback         time.Duration

	// Symbol allow/deny lists. An empty allow list permits everything not
	// denied; the deny list always wins.
	AllowedSymbols []string
	DeniedSymbols  []string

	MinLeverage int
	MaxLeverage int

	MinOrderSize float64
	MaxOrderSize float64

	// Seen idempotency keys expire after this window.
	IdempotencyTTL time.Duration
}

// DefaultConfig returns the production defaults for the safety gate.
func DefaultConfig() Config {
	return Config{
		MaxWindowLossPct:     10,
		MaxConsecutiveLosses: 5,
		LossLookback:         24 * time.Hour,
		MinLeverage:          1,
		MaxLeverage:          20,
		MinOrderSize:         1,
		MaxOrderSize:         100_000,
		IdempotencyTTL:       24 * time.Hour,
	}
}

type tradeOutcome struct {
	at  time.Time
	pnl float64
}

// Manager is the global trading gate: kill switch, circuit breaker,
// time-boxed pause, trade-outcome window and the order idempotency cache.
// It is safe for concurrent use. The kill switch and circuit breaker are
// independent; either alone blocks new execution. The pause auto-expires,
// the circuit breaker never self-clears.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex

	killActive bool
	killReason string
	killAt     time.Time

	breakerActive bool
	breakerReason string
	breakerAt     time.Time

	pausedUntil time.Time
	pauseReason string

	window        []tradeOutcome
	consecLosses  int
	seenOrderKeys map[string]time.Time
}

// NewManager creates a Manager with the given limits. Zero-valued TTL and
// lookback fall back to the defaults.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.LossLookback <= 0 {
		cfg.LossLookback = 24 * time.Hour
	}
	return &Manager{
		cfg:           cfg,
		logger:        logger.With(slog.String("component", "safety")),
		seenOrderKeys: make(map[string]time.Time),
	}
}

// IsTradingAllowed reports whether new execution may start and, when
// blocked, the human-readable reason. Checked before every new execution;
// it does not preempt in-flight exchange calls.
func (m *Manager) IsTradingAllowed() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.killActive {
		return false, "kill switch active: " + m.killReason
	}
	if m.breakerActive {
		return false, "circuit breaker tripped: " + m.breakerReason
	}
	if now := time.Now(); now.Before(m.pausedUntil) {
		return false, "trading paused until " + m.pausedUntil.UTC().Format(time.RFC3339) + ": " + m.pauseReason
	}
	return true, ""
}

// ActivateKillSwitch halts all new trading immediately.
func (m *Manager) ActivateKillSwitch(reason string) {
	m.mu.Lock()
	m.killActive = true
	m.killReason = reason
	m.killAt = time.Now().UTC()
	m.mu.Unlock()

	m.logger.Warn("safety: kill switch activated", slog.String("reason", reason))
}

// DeactivateKillSwitch re-enables trading if no other gate blocks it.
func (m *Manager) DeactivateKillSwitch() {
	m.mu.Lock()
	m.killActive = false
	m.killReason = ""
	m.mu.Unlock()

	m.logger.Info("safety: kill switch deactivated")
}

// ActivateCircuitBreaker trips the breaker manually.
func (m *Manager) ActivateCircuitBreaker(reason string) {
	m.mu.Lock()
	m.tripBreakerLocked(reason)
	m.mu.Unlock()
}

// DeactivateCircuitBreaker clears the breaker. This is the only way the
// breaker clears; it never resets on its own.
func (m *Manager) DeactivateCircuitBreaker() {
	m.mu.Lock()
	m.breakerActive = false
	m.breakerReason = ""
	m.consecLosses = 0
	m.window = nil
	m.mu.Unlock()

	m.logger.Info("safety: circuit breaker deactivated")
}

// PauseTrading blocks new execution for the given duration. The pause
// expires on its own; calling again replaces the previous pause.
func (m *Manager) PauseTrading(d time.Duration, reason string) {
	until := time.Now().Add(d)
	m.mu.Lock()
	m.pausedUntil = until
	m.pauseReason = reason
	m.mu.Unlock()

	m.logger.Warn("safety: trading paused",
		slog.Duration("duration", d),
		slog.String("reason", reason),
	)
}

// RecordTradeResult appends one trade outcome to the sliding window,
// updates the consecutive-loss streak and trips the circuit breaker when
// either the windowed loss reaches the configured percentage of the
// account balance or the streak reaches the configured count.
func (m *Manager) RecordTradeResult(pnl, accountBalance float64) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = append(m.window, tradeOutcome{at: now, pnl: pnl})
	m.pruneWindowLocked(now)

	if pnl < 0 {
		m.consecLosses++
	} else {
		m.consecLosses = 0
	}

	if m.breakerActive {
		return
	}

	if m.cfg.MaxConsecutiveLosses > 0 && m.consecLosses >= m.cfg.MaxConsecutiveLosses {
		m.tripBreakerLocked("consecutive losses reached limit")
		return
	}

	if m.cfg.MaxWindowLossPct > 0 && accountBalance > 0 {
		var loss float64
		for _, o := range m.window {
			if o.pnl < 0 {
				loss += -o.pnl
			}
		}
		if loss/accountBalance*100 >= m.cfg.MaxWindowLossPct {
			m.tripBreakerLocked("windowed loss exceeded balance percentage limit")
		}
	}
}

func (m *Manager) tripBreakerLocked(reason string) {
	m.breakerActive = true
	m.breakerReason = reason
	m.breakerAt = time.Now().UTC()

	m.logger.Error("safety: circuit breaker tripped",
		slog.String("reason", reason),
		slog.Int("consecutive_losses", m.consecLosses),
	)
}

func (m *Manager) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.LossLookback)
	kept := m.window[:0]
	for _, o := range m.window {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	m.window = kept
}

// CheckOrderIdempotency returns false when the key was already seen within
// the TTL window and true otherwise, recording the key as seen. Expired
// keys are pruned lazily on each call.
func (m *Manager) CheckOrderIdempotency(key string) bool {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, seen := range m.seenOrderKeys {
		if now.Sub(seen) >= m.cfg.IdempotencyTTL {
			delete(m.seenOrderKeys, k)
		}
	}

	if _, ok := m.seenOrderKeys[key]; ok {
		return false
	}
	m.seenOrderKeys[key] = now
	return true
}

// ReleaseOrderKey forgets a key recorded by CheckOrderIdempotency. Callers
// release the key when the order it guards never reached the exchange, so
// a later identical attempt is not swallowed for the rest of the TTL.
func (m *Manager) ReleaseOrderKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seenOrderKeys, key)
}

// ValidateSymbol checks the symbol against the deny and allow lists.
func (m *Manager) ValidateSymbol(symbol string) (bool, string) {
	symbol = strings.ToUpper(symbol)
	if slices.Contains(m.cfg.DeniedSymbols, symbol) {
		return false, "symbol " + symbol + " is denied"
	}
	if len(m.cfg.AllowedSymbols) > 0 && !slices.Contains(m.cfg.AllowedSymbols, symbol) {
		return false, "symbol " + symbol + " is not in the allow list"
	}
	return true, ""
}

// ValidateLeverage checks the leverage against the configured bounds.
func (m *Manager) ValidateLeverage(leverage int) (bool, string) {
	if leverage < m.cfg.MinLeverage || leverage > m.cfg.MaxLeverage {
		return false, fmt.Sprintf("leverage %d outside allowed range [%d, %d]",
			leverage, m.cfg.MinLeverage, m.cfg.MaxLeverage)
	}
	return true, ""
}

// ValidateOrderSize checks the notional order size against the bounds.
func (m *Manager) ValidateOrderSize(size float64) (bool, string) {
	if size < m.cfg.MinOrderSize || size > m.cfg.MaxOrderSize {
		return false, fmt.Sprintf("order size %.2f outside allowed range [%.2f, %.2f]",
			size, m.cfg.MinOrderSize, m.cfg.MaxOrderSize)
	}
	return true, ""
}
