package domain

import (
	"context"
	"time"
)

// RateLimiter caps requests per key within a sliding window. The HTTP layer
// keys it by caller address or client IP.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager hands out short-lived exclusive keys. The forwarder holds one
// per transmission while it delivers, and the caller middleware holds one per
// (address, nonce) for the signature's lifetime. Acquire returns ErrLockHeld
// when the key is taken.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one entry of the replayable ledger event stream. ID is
// the cursor a websocket client resumes from.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus fans ledger events out to websocket subscribers. Publish is
// fire-and-forget; the stream keeps a bounded recent history for replay.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
