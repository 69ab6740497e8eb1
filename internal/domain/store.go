package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists DCA positions. Update replaces the whole record in
// a single atomic operation so that concurrent scheduler instances never see
// a half-written position.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListActiveByOwner(ctx context.Context, owner string) ([]Position, error)
	ListActiveBySymbol(ctx context.Context, symbol string) ([]Position, error)
	// CountOpenedSince supports the daily trade-count limit.
	CountOpenedSince(ctx context.Context, owner string, since time.Time) (int, error)
	// SumRealizedPnLSince supports the daily loss-percent limit. It covers
	// both closed positions and realized partials on open ones.
	SumRealizedPnLSince(ctx context.Context, owner string, since time.Time) (float64, error)
	// ListClosedBefore feeds the cold-storage archiver. Closed positions are
	// archived, never deleted.
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
}

// TrailingStopStore persists trailing-stop state per position.
type TrailingStopStore interface {
	Upsert(ctx context.Context, ts TrailingStop) error
	GetByPosition(ctx context.Context, positionID string) (TrailingStop, error)
	ListActive(ctx context.Context) ([]TrailingStop, error)
	Delete(ctx context.Context, positionID string) error
}

// OCOOrderStore persists OCO orders.
type OCOOrderStore interface {
	Create(ctx context.Context, oco OCOOrder) error
	GetByID(ctx context.Context, id string) (OCOOrder, error)
	ListActive(ctx context.Context) ([]OCOOrder, error)
	// MarkExecuted transitions an active order to executed, recording which
	// side fired. It must be atomic and fail with ErrNotFound when the order
	// is no longer active.
	MarkExecuted(ctx context.Context, id string, side OCOSide, at time.Time) error
	Cancel(ctx context.Context, id string) error
}

// UserConfigStore persists per-owner risk and strategy configuration.
type UserConfigStore interface {
	Get(ctx context.Context, owner string) (UserConfig, error)
	Upsert(ctx context.Context, cfg UserConfig) error
	List(ctx context.Context) ([]UserConfig, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	// ListBefore feeds the archiver.
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
