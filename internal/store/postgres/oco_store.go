package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rsellar/dcabot/internal/domain"
)

// OCOOrderStore implements domain.OCOOrderStore. MarkExecuted is a guarded
// single-statement transition so concurrent scheduler instances cannot both
// claim the same order.
type OCOOrderStore struct {
	pool *pgxpool.Pool
}

// NewOCOOrderStore creates an OCOOrderStore backed by the given pool.
func NewOCOOrderStore(pool *pgxpool.Pool) *OCOOrderStore {
	return &OCOOrderStore{pool: pool}
}

const ocoCols = `id, position_id, take_profit, stop_loss, qty, status,
	executed_side, created_at, executed_at`

func scanOCO(row pgx.Row) (domain.OCOOrder, error) {
	var (
		o            domain.OCOOrder
		status, side string
	)
	err := row.Scan(
		&o.ID, &o.PositionID, &o.TakeProfit, &o.StopLossPrice, &o.Qty, &status,
		&side, &o.CreatedAt, &o.ExecutedAt,
	)
	if err != nil {
		return domain.OCOOrder{}, err
	}
	o.Status = domain.OCOStatus(status)
	o.ExecutedSide = domain.OCOSide(side)
	return o, nil
}

func (s *OCOOrderStore) Create(ctx context.Context, oco domain.OCOOrder) error {
	const query = `
		INSERT INTO oco_orders (
			id, position_id, take_profit, stop_loss, qty, status,
			executed_side, created_at, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, query,
		oco.ID, oco.PositionID, oco.TakeProfit, oco.StopLossPrice, oco.Qty, string(oco.Status),
		string(oco.ExecutedSide), oco.CreatedAt, oco.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create oco order %s: %w", oco.ID, err)
	}
	return nil
}

func (s *OCOOrderStore) GetByID(ctx context.Context, id string) (domain.OCOOrder, error) {
	query := `SELECT ` + ocoCols + ` FROM oco_orders WHERE id = $1`
	o, err := scanOCO(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OCOOrder{}, domain.ErrNotFound
		}
		return domain.OCOOrder{}, fmt.Errorf("postgres: get oco order %s: %w", id, err)
	}
	return o, nil
}

func (s *OCOOrderStore) ListActive(ctx context.Context) ([]domain.OCOOrder, error) {
	query := `SELECT ` + ocoCols + ` FROM oco_orders WHERE status = 'active' ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list oco orders: %w", err)
	}
	defer rows.Close()

	var out []domain.OCOOrder
	for rows.Next() {
		o, err := scanOCO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkExecuted claims an active order. The WHERE clause makes the
// transition single-shot: a second caller affects zero rows and gets
// ErrNotFound.
func (s *OCOOrderStore) MarkExecuted(ctx context.Context, id string, side domain.OCOSide, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE oco_orders
		SET status = 'executed', executed_side = $2, executed_at = $3
		WHERE id = $1 AND status = 'active'`,
		id, string(side), at,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark oco executed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *OCOOrderStore) Cancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE oco_orders SET status = 'cancelled'
		WHERE id = $1 AND status = 'active'`, id,
	)
	if err != nil {
		return fmt.Errorf("postgres: cancel oco order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.OCOOrderStore = (*OCOOrderStore)(nil)
