package domain

import (
	"fmt"
	"time"
)

// TPMode selects how take-profit crossings close a position.
type TPMode string

const (
	TPModeWhole   TPMode = "whole"   // any crossing closes 100%
	TPModePartial TPMode = "partial" // up to three sequential partial closes
)

// DefaultPartialSplits is the tranche schema applied when a partial-mode
// position carries no explicit split configuration.
var DefaultPartialSplits = []float64{30, 30, 40}

// DCALevelConfig describes one averaging level relative to the previous
// level's price.
type DCALevelConfig struct {
	DropPct    float64 `toml:"drop_pct"`
	Multiplier float64 `toml:"multiplier"`
}

// DCAConfig holds the per-position strategy parameters. A snapshot is stored
// on every position so later config edits never change live positions.
type DCAConfig struct {
	BaseOrderSize float64          `toml:"base_order_size"`
	MaxInvestment float64          `toml:"max_investment"`
	TakeProfitPct float64          `toml:"take_profit_pct"`
	TPMode        TPMode           `toml:"tp_mode"`
	PartialSplits []float64        `toml:"partial_splits"`
	StopLossPct   float64          `toml:"stop_loss_pct"`
	Levels        []DCALevelConfig `toml:"levels"`
}

// Splits returns the partial-close schema, falling back to the default
// 30/30/40 when none is configured.
func (c DCAConfig) Splits() []float64 {
	if len(c.PartialSplits) > 0 {
		return c.PartialSplits
	}
	return DefaultPartialSplits
}

// Validate checks the configured ranges. It is called at construction time;
// the engine assumes a validated config.
func (c DCAConfig) Validate() error {
	if c.BaseOrderSize <= 0 {
		return fmt.Errorf("dca config: base_order_size must be > 0, got %v", c.BaseOrderSize)
	}
	if c.MaxInvestment < c.BaseOrderSize {
		return fmt.Errorf("dca config: max_investment %v is below base_order_size %v", c.MaxInvestment, c.BaseOrderSize)
	}
	if c.TakeProfitPct <= 0 {
		return fmt.Errorf("dca config: take_profit_pct must be > 0, got %v", c.TakeProfitPct)
	}
	if c.StopLossPct <= 0 {
		return fmt.Errorf("dca config: stop_loss_pct must be > 0, got %v", c.StopLossPct)
	}
	if c.TPMode != TPModeWhole && c.TPMode != TPModePartial {
		return fmt.Errorf("dca config: tp_mode must be %q or %q, got %q", TPModeWhole, TPModePartial, c.TPMode)
	}
	var splitSum float64
	for _, s := range c.Splits() {
		if s <= 0 || s > 100 {
			return fmt.Errorf("dca config: partial split %v out of range (0, 100]", s)
		}
		splitSum += s
	}
	if splitSum < 99.99 || splitSum > 100.01 {
		return fmt.Errorf("dca config: partial splits must sum to 100, got %v", splitSum)
	}
	for i, lvl := range c.Levels {
		if lvl.DropPct <= 0 || lvl.DropPct >= 100 {
			return fmt.Errorf("dca config: level %d drop_pct %v out of range (0, 100)", i, lvl.DropPct)
		}
		if lvl.Multiplier <= 0 {
			return fmt.Errorf("dca config: level %d multiplier must be > 0, got %v", i, lvl.Multiplier)
		}
	}
	return nil
}

// UserConfig is the per-owner risk and strategy configuration consumed by
// the orchestrator's signal pipeline.
type UserConfig struct {
	Owner           string
	Enabled         bool // strategy enabled for this owner
	ExchangeEnabled bool // exchange account present and enabled
	MaxLeverage     int
	MaxPositions    int
	MaxDailyTrades  int
	MaxDailyLossPct float64
	SizingMode      string // "fixed" or "percent"
	AutoStop        bool   // opt-in to cancellation-driven auto-close
	DCA             DCAConfig
	UpdatedAt       time.Time
}

// Validate checks the owner-level limits.
func (u UserConfig) Validate() error {
	if u.Owner == "" {
		return fmt.Errorf("user config: owner must not be empty")
	}
	if u.MaxLeverage < 1 {
		return fmt.Errorf("user config: max_leverage must be >= 1, got %d", u.MaxLeverage)
	}
	if u.MaxPositions < 1 {
		return fmt.Errorf("user config: max_positions must be >= 1, got %d", u.MaxPositions)
	}
	if u.MaxDailyTrades < 1 {
		return fmt.Errorf("user config: max_daily_trades must be >= 1, got %d", u.MaxDailyTrades)
	}
	if u.MaxDailyLossPct <= 0 || u.MaxDailyLossPct > 100 {
		return fmt.Errorf("user config: max_daily_loss_pct %v out of range (0, 100]", u.MaxDailyLossPct)
	}
	if u.SizingMode != "fixed" && u.SizingMode != "percent" {
		return fmt.Errorf("user config: sizing_mode must be \"fixed\" or \"percent\", got %q", u.SizingMode)
	}
	return u.DCA.Validate()
}
