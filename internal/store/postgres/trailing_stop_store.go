package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rsellar/dcabot/internal/domain"
)

// TrailingStopStore implements domain.TrailingStopStore.
type TrailingStopStore struct {
	pool *pgxpool.Pool
}

// NewTrailingStopStore creates a TrailingStopStore backed by the given pool.
func NewTrailingStopStore(pool *pgxpool.Pool) *TrailingStopStore {
	return &TrailingStopStore{pool: pool}
}

const trailingCols = `position_id, trail_pct, trail_amount, activation,
	best_price, stop_price, active, updated_at`

func scanTrailingStop(row pgx.Row) (domain.TrailingStop, error) {
	var ts domain.TrailingStop
	err := row.Scan(
		&ts.PositionID, &ts.TrailPct, &ts.TrailAmount, &ts.Activation,
		&ts.BestPrice, &ts.StopPrice, &ts.Active, &ts.UpdatedAt,
	)
	return ts, err
}

func (s *TrailingStopStore) Upsert(ctx context.Context, ts domain.TrailingStop) error {
	const query = `
		INSERT INTO trailing_stops (
			position_id, trail_pct, trail_amount, activation,
			best_price, stop_price, active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (position_id) DO UPDATE SET
			trail_pct    = EXCLUDED.trail_pct,
			trail_amount = EXCLUDED.trail_amount,
			activation   = EXCLUDED.activation,
			best_price   = EXCLUDED.best_price,
			stop_price   = EXCLUDED.stop_price,
			active       = EXCLUDED.active,
			updated_at   = NOW()`
	_, err := s.pool.Exec(ctx, query,
		ts.PositionID, ts.TrailPct, ts.TrailAmount, ts.Activation,
		ts.BestPrice, ts.StopPrice, ts.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert trailing stop %s: %w", ts.PositionID, err)
	}
	return nil
}

func (s *TrailingStopStore) GetByPosition(ctx context.Context, positionID string) (domain.TrailingStop, error) {
	query := `SELECT ` + trailingCols + ` FROM trailing_stops WHERE position_id = $1`
	ts, err := scanTrailingStop(s.pool.QueryRow(ctx, query, positionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TrailingStop{}, domain.ErrNotFound
		}
		return domain.TrailingStop{}, fmt.Errorf("postgres: get trailing stop %s: %w", positionID, err)
	}
	return ts, nil
}

func (s *TrailingStopStore) ListActive(ctx context.Context) ([]domain.TrailingStop, error) {
	// Stops for open positions, armed or not; the dormant ones still need
	// their activation checked every tick.
	query := `SELECT ` + trailingCols + ` FROM trailing_stops ts
		WHERE EXISTS (
			SELECT 1 FROM positions p
			WHERE p.id = ts.position_id AND p.status IN ` + activeStatuses + `
		)`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trailing stops: %w", err)
	}
	defer rows.Close()

	var out []domain.TrailingStop
	for rows.Next() {
		ts, err := scanTrailingStop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *TrailingStopStore) Delete(ctx context.Context, positionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trailing_stops WHERE position_id = $1`, positionID)
	if err != nil {
		return fmt.Errorf("postgres: delete trailing stop %s: %w", positionID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.TrailingStopStore = (*TrailingStopStore)(nil)
