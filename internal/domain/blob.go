package domain

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the bucket holding ledger snapshots and archived events.
// Keys are slash-separated paths such as "snapshots/ledger-<seq>.json".
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
	// Open returns ErrNotFound when key is absent.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Keys lists every key under prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Archiver moves old ledger events from the database to cold storage.
type Archiver interface {
	ArchiveEvents(ctx context.Context, before time.Time) (int64, error)
}
