package domain

import (
	"context"
	"io"
	"time"
)

// PriceTick is a single mark-price observation from a streaming feed.
type PriceTick struct {
	Symbol string
	Price  float64
	At     time.Time
}

// PriceCache provides fast access to the latest prices. The scheduler reads
// one snapshot per tick so every decision within a tick sees a consistent
// price view.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// LockManager provides distributed locking for operations that must not run
// concurrently across scheduler instances (for example symbol-wide
// auto-close).
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for position lifecycle events and a durable
// stream for downstream consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// BlobWriter uploads serialized archives to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
