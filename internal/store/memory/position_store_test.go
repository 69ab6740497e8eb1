package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rsellar/dcabot/internal/domain"
)

func activePosition(id, owner, symbol string) domain.Position {
	return domain.Position{
		ID:           id,
		Owner:        owner,
		Symbol:       symbol,
		Side:         domain.SideLong,
		OriginalQty:  1,
		RemainingQty: 1,
		AvgEntry:     100,
		Status:       domain.PositionStatusActive,
		OpenedAt:     time.Now().UTC(),
	}
}

func TestPositionStore_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()

	pos := activePosition("p1", "alice", "BTCUSDT")
	if err := s.Create(ctx, pos); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, pos); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate create: got %v", err)
	}

	pos.AvgEntry = 99.5
	if err := s.Update(ctx, pos); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetByID(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AvgEntry != 99.5 {
		t.Errorf("update not applied: %v", got.AvgEntry)
	}

	if _, err := s.GetByID(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing get: got %v", err)
	}
}

func TestPositionStore_CopyOnRead(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()

	pos := activePosition("p1", "alice", "BTCUSDT")
	pos.Levels = []domain.DCALevel{{Index: 0, TriggerPrice: 98.5, Status: domain.DCALevelPending}}
	if err := s.Create(ctx, pos); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := s.GetByID(ctx, "p1")
	got.Levels[0].Status = domain.DCALevelFilled

	again, _ := s.GetByID(ctx, "p1")
	if again.Levels[0].Status != domain.DCALevelPending {
		t.Fatalf("caller mutation leaked into the store")
	}
}

func TestPositionStore_ActiveFilters(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()

	a := activePosition("p1", "alice", "BTCUSDT")
	b := activePosition("p2", "bob", "ETHUSDT")
	closed := activePosition("p3", "alice", "BTCUSDT")
	closed.Status = domain.PositionStatusTPClosed
	now := time.Now().UTC()
	closed.ClosedAt = &now

	for _, p := range []domain.Position{a, b, closed} {
		if err := s.Create(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}

	all, _ := s.ListActive(ctx)
	if len(all) != 2 {
		t.Errorf("active: got %d, want 2", len(all))
	}
	byOwner, _ := s.ListActiveByOwner(ctx, "alice")
	if len(byOwner) != 1 || byOwner[0].ID != "p1" {
		t.Errorf("active by owner: %+v", byOwner)
	}
	bySymbol, _ := s.ListActiveBySymbol(ctx, "ETHUSDT")
	if len(bySymbol) != 1 || bySymbol[0].ID != "p2" {
		t.Errorf("active by symbol: %+v", bySymbol)
	}
	archived, _ := s.ListClosedBefore(ctx, now.Add(time.Minute))
	if len(archived) != 1 || archived[0].ID != "p3" {
		t.Errorf("closed before: %+v", archived)
	}
}

func TestPositionStore_DailyAggregates(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()

	old := activePosition("p1", "alice", "BTCUSDT")
	old.OpenedAt = time.Now().Add(-48 * time.Hour)
	recent := activePosition("p2", "alice", "BTCUSDT")
	recent.RealizedPnL = -42

	if err := s.Create(ctx, old); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, recent); err != nil {
		t.Fatalf("create: %v", err)
	}

	since := time.Now().Add(-24 * time.Hour)
	n, _ := s.CountOpenedSince(ctx, "alice", since)
	if n != 1 {
		t.Errorf("opened since: got %d, want 1", n)
	}
	pnl, _ := s.SumRealizedPnLSince(ctx, "alice", since)
	if pnl != -42 {
		t.Errorf("pnl since: got %v, want -42", pnl)
	}
}

func TestOCOOrderStore_MarkExecutedIsSingleShot(t *testing.T) {
	ctx := context.Background()
	s := NewOCOOrderStore()

	oco := domain.OCOOrder{ID: "o1", PositionID: "p1", TakeProfit: 110, StopLossPrice: 90, Qty: 1, Status: domain.OCOActive}
	if err := s.Create(ctx, oco); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now().UTC()
	if err := s.MarkExecuted(ctx, "o1", domain.OCOSideTakeProfit, at); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	// The losing scheduler instance sees ErrNotFound and moves on.
	if err := s.MarkExecuted(ctx, "o1", domain.OCOSideStopLoss, at); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second mark: got %v", err)
	}

	got, _ := s.GetByID(ctx, "o1")
	if got.ExecutedSide != domain.OCOSideTakeProfit {
		t.Errorf("executed side overwritten: %s", got.ExecutedSide)
	}

	active, _ := s.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("executed order still listed active")
	}
}
