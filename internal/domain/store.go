package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditEntry records one privileged action taken against the ledger.
type AuditEntry struct {
	ID     int64
	Action string         // "admin.deposit", "report.delivered", "archive.events", ...
	Actor  common.Address // zero for actions the service takes on its own
	// Seq is the ledger event sequence once the action was applied, so an
	// entry can be lined up with the event log.
	Seq       uint64
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Actor  *common.Address
	Action string
	Since  *time.Time
	Limit  int
	Offset int
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, e AuditEntry) error
	List(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// EventStore reads the persisted ledger event log.
type EventStore interface {
	List(ctx context.Context, opts ListOpts) ([]Event, error)
	ListBefore(ctx context.Context, before time.Time) ([]Event, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// TransmissionRegistry remembers which signed reports were delivered.
type TransmissionRegistry interface {
	IsProcessed(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string) error
	// Forget releases a marker whose delivery was rejected.
	Forget(ctx context.Context, id string) error
}
