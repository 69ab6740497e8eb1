package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rsellar/dcabot/internal/domain"
)

// OCOOrderStore is an in-memory implementation of domain.OCOOrderStore.
type OCOOrderStore struct {
	mu   sync.RWMutex
	data map[string]domain.OCOOrder
}

// NewOCOOrderStore creates an empty in-memory OCO store.
func NewOCOOrderStore() *OCOOrderStore {
	return &OCOOrderStore{data: make(map[string]domain.OCOOrder)}
}

func (s *OCOOrderStore) Create(_ context.Context, oco domain.OCOOrder) error {
	if oco.ID == "" {
		return domain.ValidationErrorf("oco id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[oco.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.data[oco.ID] = oco
	return nil
}

func (s *OCOOrderStore) GetByID(_ context.Context, id string) (domain.OCOOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	oco, exists := s.data[id]
	if !exists {
		return domain.OCOOrder{}, domain.ErrNotFound
	}
	return oco, nil
}

func (s *OCOOrderStore) ListActive(_ context.Context) ([]domain.OCOOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.OCOOrder
	for _, oco := range s.data {
		if oco.Status == domain.OCOActive {
			out = append(out, oco)
		}
	}
	return out, nil
}

// MarkExecuted transitions an ACTIVE order to EXECUTED in one step. A
// concurrent scheduler that lost the race gets ErrNotFound and treats the
// order as already handled.
func (s *OCOOrderStore) MarkExecuted(_ context.Context, id string, side domain.OCOSide, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oco, exists := s.data[id]
	if !exists || oco.Status != domain.OCOActive {
		return domain.ErrNotFound
	}
	oco.Status = domain.OCOExecuted
	oco.ExecutedSide = side
	oco.ExecutedAt = &at
	s.data[id] = oco
	return nil
}

func (s *OCOOrderStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oco, exists := s.data[id]
	if !exists || oco.Status != domain.OCOActive {
		return domain.ErrNotFound
	}
	oco.Status = domain.OCOCancelled
	s.data[id] = oco
	return nil
}
