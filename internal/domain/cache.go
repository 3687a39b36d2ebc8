package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource returns the latest USD price of an asset.
type PriceSource interface {
	Price(ctx context.Context, asset string) (decimal.Decimal, time.Time, error)
}

// PriceCache stores prices fed by an external feeder.
type PriceCache interface {
	PriceSource
	SetPrice(ctx context.Context, asset string, price decimal.Decimal, ts time.Time) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// MemoState is the state of an idempotency key.
type MemoState string

const (
	MemoInFlight MemoState = "in_flight"
	MemoDone     MemoState = "done"
)

// MemoEntry is what the memo knows about an idempotency key.
type MemoEntry struct {
	State   MemoState
	Outcome OperationOutcome
}

// OutcomeMemo remembers operations by idempotency key so the dispatcher does
// not re-issue them.
type OutcomeMemo interface {
	// Reserve marks key in flight. It returns the existing entry and false
	// when the key is already in flight or finished successfully.
	Reserve(ctx context.Context, key string) (MemoEntry, bool, error)
	// Finish records the outcome of a reserved key.
	Finish(ctx context.Context, key string, out OperationOutcome) error
}

// StreamMessage represents a single entry from a stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter admits at most limit requests per window for each key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
