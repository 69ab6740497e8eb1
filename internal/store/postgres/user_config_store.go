package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rsellar/dcabot/internal/domain"
)

// UserConfigStore implements domain.UserConfigStore with the whole config as
// one JSONB document per owner.
type UserConfigStore struct {
	pool *pgxpool.Pool
}

// NewUserConfigStore creates a UserConfigStore backed by the given pool.
func NewUserConfigStore(pool *pgxpool.Pool) *UserConfigStore {
	return &UserConfigStore{pool: pool}
}

func (s *UserConfigStore) Get(ctx context.Context, owner string) (domain.UserConfig, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT config FROM user_configs WHERE owner = $1`, owner,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserConfig{}, domain.ErrNotFound
		}
		return domain.UserConfig{}, fmt.Errorf("postgres: get user config %s: %w", owner, err)
	}

	var cfg domain.UserConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return domain.UserConfig{}, fmt.Errorf("postgres: decode user config %s: %w", owner, err)
	}
	return cfg, nil
}

func (s *UserConfigStore) Upsert(ctx context.Context, cfg domain.UserConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("postgres: encode user config %s: %w", cfg.Owner, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_configs (owner, config, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner) DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()`,
		cfg.Owner, raw,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert user config %s: %w", cfg.Owner, err)
	}
	return nil
}

func (s *UserConfigStore) List(ctx context.Context) ([]domain.UserConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT config FROM user_configs ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list user configs: %w", err)
	}
	defer rows.Close()

	var out []domain.UserConfig
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var cfg domain.UserConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("postgres: decode user config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

var _ domain.UserConfigStore = (*UserConfigStore)(nil)
