package memory

import (
	"context"
	"sync"

	"github.com/rsellar/dcabot/internal/domain"
)

// TrailingStopStore is an in-memory implementation of
// domain.TrailingStopStore, keyed by position id.
type TrailingStopStore struct {
	mu   sync.RWMutex
	data map[string]domain.TrailingStop
}

// NewTrailingStopStore creates an empty in-memory trailing-stop store.
func NewTrailingStopStore() *TrailingStopStore {
	return &TrailingStopStore{data: make(map[string]domain.TrailingStop)}
}

func (s *TrailingStopStore) Upsert(_ context.Context, ts domain.TrailingStop) error {
	if ts.PositionID == "" {
		return domain.ValidationErrorf("trailing stop position id is empty")
	}

	s.mu.Lock()
	s.data[ts.PositionID] = ts
	s.mu.Unlock()
	return nil
}

func (s *TrailingStopStore) GetByPosition(_ context.Context, positionID string) (domain.TrailingStop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, exists := s.data[positionID]
	if !exists {
		return domain.TrailingStop{}, domain.ErrNotFound
	}
	return ts, nil
}

func (s *TrailingStopStore) ListActive(_ context.Context) ([]domain.TrailingStop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TrailingStop
	for _, ts := range s.data {
		out = append(out, ts)
	}
	return out, nil
}

func (s *TrailingStopStore) Delete(_ context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[positionID]; !exists {
		return domain.ErrNotFound
	}
	delete(s.data, positionID)
	return nil
}
