// Package memory provides in-memory store implementations used by tests and
// paper-trading mode. They mirror the postgres stores' semantics, including
// atomic whole-record updates and copy-on-read.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rsellar/dcabot/internal/domain"
)

// PositionStore is an in-memory implementation of domain.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	data map[string]domain.Position
}

// NewPositionStore creates an empty in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{data: make(map[string]domain.Position)}
}

// copyPosition deep-copies the slices so callers never alias stored state.
func copyPosition(p domain.Position) domain.Position {
	p.Levels = slices.Clone(p.Levels)
	p.Targets = slices.Clone(p.Targets)
	return p
}

func (s *PositionStore) Create(_ context.Context, pos domain.Position) error {
	if pos.ID == "" {
		return domain.ValidationErrorf("position id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[pos.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.data[pos.ID] = copyPosition(pos)
	return nil
}

func (s *PositionStore) Update(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[pos.ID]; !exists {
		return domain.ErrNotFound
	}
	s.data[pos.ID] = copyPosition(pos)
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, exists := s.data[id]
	if !exists {
		return domain.Position{}, domain.ErrNotFound
	}
	return copyPosition(pos), nil
}

func (s *PositionStore) listActive(match func(domain.Position) bool) []domain.Position {
	var out []domain.Position
	for _, p := range s.data {
		if !p.Status.Terminal() && match(p) {
			out = append(out, copyPosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (s *PositionStore) ListActive(_ context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listActive(func(domain.Position) bool { return true }), nil
}

func (s *PositionStore) ListActiveByOwner(_ context.Context, owner string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listActive(func(p domain.Position) bool { return p.Owner == owner }), nil
}

func (s *PositionStore) ListActiveBySymbol(_ context.Context, symbol string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listActive(func(p domain.Position) bool { return p.Symbol == symbol }), nil
}

func (s *PositionStore) CountOpenedSince(_ context.Context, owner string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.data {
		if p.Owner == owner && !p.OpenedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *PositionStore) SumRealizedPnLSince(_ context.Context, owner string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum float64
	for _, p := range s.data {
		if p.Owner != owner {
			continue
		}
		// Closed positions count at close time, open ones at open time so
		// realized partials are not missed.
		ref := p.OpenedAt
		if p.ClosedAt != nil {
			ref = *p.ClosedAt
		}
		if !ref.Before(since) {
			sum += p.RealizedPnL
		}
	}
	return sum, nil
}

func (s *PositionStore) ListClosedBefore(_ context.Context, before time.Time) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.data {
		if p.Status.Terminal() && p.ClosedAt != nil && p.ClosedAt.Before(before) {
			out = append(out, copyPosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	return out, nil
}
