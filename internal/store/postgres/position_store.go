package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rsellar/dcabot/internal/domain"
)

// PositionStore implements domain.PositionStore. Levels, targets and the
// config snapshot travel as JSONB so Create and Update stay single-statement
// and therefore atomic per record.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// activeStatuses are the non-terminal lifecycle states.
const activeStatuses = `('active', 'partially_closed')`

const positionCols = `id, owner, symbol, side, leverage,
	original_qty, remaining_qty, avg_entry, total_cost, total_invested,
	realized_pnl, levels, targets, stop_loss, breakeven_set, partials_done,
	status, config, opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                             domain.Position
		side, status                  string
		levelsJSON, targetsJSON, cfgJSON []byte
	)
	err := row.Scan(
		&p.ID, &p.Owner, &p.Symbol, &side, &p.Leverage,
		&p.OriginalQty, &p.RemainingQty, &p.AvgEntry, &p.TotalCost, &p.TotalInvested,
		&p.RealizedPnL, &levelsJSON, &targetsJSON, &p.StopLoss, &p.BreakevenSet, &p.PartialsDone,
		&status, &cfgJSON, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if err := json.Unmarshal(levelsJSON, &p.Levels); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: decode levels for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(targetsJSON, &p.Targets); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: decode targets for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(cfgJSON, &p.Config); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: decode config for %s: %w", p.ID, err)
	}
	return p, nil
}

func encodePosition(p domain.Position) (levels, targets, cfg []byte, err error) {
	if levels, err = json.Marshal(p.Levels); err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: encode levels: %w", err)
	}
	if targets, err = json.Marshal(p.Targets); err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: encode targets: %w", err)
	}
	if cfg, err = json.Marshal(p.Config); err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: encode config: %w", err)
	}
	return levels, targets, cfg, nil
}

func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	levels, targets, cfg, err := encodePosition(p)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO positions (
			id, owner, symbol, side, leverage,
			original_qty, remaining_qty, avg_entry, total_cost, total_invested,
			realized_pnl, levels, targets, stop_loss, breakeven_set, partials_done,
			status, config, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, NOW()
		)`
	_, err = s.pool.Exec(ctx, query,
		p.ID, p.Owner, p.Symbol, string(p.Side), p.Leverage,
		p.OriginalQty, p.RemainingQty, p.AvgEntry, p.TotalCost, p.TotalInvested,
		p.RealizedPnL, levels, targets, p.StopLoss, p.BreakevenSet, p.PartialsDone,
		string(p.Status), cfg, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces every mutable field in one statement.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	levels, targets, cfg, err := encodePosition(p)
	if err != nil {
		return err
	}

	const query = `
		UPDATE positions SET
			remaining_qty  = $2,
			original_qty   = $3,
			avg_entry      = $4,
			total_cost     = $5,
			total_invested = $6,
			realized_pnl   = $7,
			levels         = $8,
			targets        = $9,
			stop_loss      = $10,
			breakeven_set  = $11,
			partials_done  = $12,
			status         = $13,
			config         = $14,
			closed_at      = $15,
			updated_at     = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		p.ID,
		p.RemainingQty, p.OriginalQty, p.AvgEntry, p.TotalCost, p.TotalInvested,
		p.RealizedPnL, levels, targets, p.StopLoss, p.BreakevenSet, p.PartialsDone,
		string(p.Status), cfg, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE id = $1`
	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PositionStore) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions
		WHERE status IN ` + activeStatuses + ` ORDER BY opened_at`
	return s.queryPositions(ctx, query)
}

func (s *PositionStore) ListActiveByOwner(ctx context.Context, owner string) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions
		WHERE owner = $1 AND status IN ` + activeStatuses + ` ORDER BY opened_at`
	return s.queryPositions(ctx, query, owner)
}

func (s *PositionStore) ListActiveBySymbol(ctx context.Context, symbol string) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions
		WHERE symbol = $1 AND status IN ` + activeStatuses + ` ORDER BY opened_at`
	return s.queryPositions(ctx, query, symbol)
}

func (s *PositionStore) CountOpenedSince(ctx context.Context, owner string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE owner = $1 AND opened_at >= $2`,
		owner, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count opened since: %w", err)
	}
	return n, nil
}

func (s *PositionStore) SumRealizedPnLSince(ctx context.Context, owner string, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		 WHERE owner = $1 AND COALESCE(closed_at, opened_at) >= $2`,
		owner, since,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum realized pnl since: %w", err)
	}
	return sum, nil
}

func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions
		WHERE status NOT IN ` + activeStatuses + ` AND closed_at IS NOT NULL AND closed_at < $1
		ORDER BY closed_at`
	return s.queryPositions(ctx, query, before)
}

var _ domain.PositionStore = (*PositionStore)(nil)
