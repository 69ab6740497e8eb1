package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/rsellar/dcabot/internal/domain"
)

// UserConfigStore is an in-memory implementation of domain.UserConfigStore.
type UserConfigStore struct {
	mu   sync.RWMutex
	data map[string]domain.UserConfig
}

// NewUserConfigStore creates an empty in-memory user-config store.
func NewUserConfigStore() *UserConfigStore {
	return &UserConfigStore{data: make(map[string]domain.UserConfig)}
}

func (s *UserConfigStore) Get(_ context.Context, owner string) (domain.UserConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, exists := s.data[owner]
	if !exists {
		return domain.UserConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (s *UserConfigStore) Upsert(_ context.Context, cfg domain.UserConfig) error {
	if cfg.Owner == "" {
		return domain.ValidationErrorf("user config owner is empty")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.data[cfg.Owner] = cfg
	s.mu.Unlock()
	return nil
}

func (s *UserConfigStore) List(_ context.Context) ([]domain.UserConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserConfig, 0, len(s.data))
	for _, cfg := range s.data {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out, nil
}
