package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// EventSource is the slice of domain.EventStore the archiver reads.
type EventSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Event, error)
}

// EventArchiver implements domain.Archiver by copying ledger events older
// than a cutoff into the bucket as one JSONL object per run.
//
// Rows are not deleted from Postgres here; the snapshot service prunes them
// after the upload succeeds.
type EventArchiver struct {
	objects domain.ObjectStore
	events  EventSource
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewEventArchiver creates an EventArchiver. audit may be nil.
func NewEventArchiver(objects domain.ObjectStore, events EventSource, audit domain.AuditStore, logger *slog.Logger) *EventArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventArchiver{
		objects: objects,
		events:  events,
		audit:   audit,
		logger:  logger.With(slog.String("component", "event_archiver")),
	}
}

// ArchiveEvents uploads every event created before the cutoff and returns
// how many were written. Once the upload succeeds the batch counts as
// archived, so a failed audit write is logged rather than returned.
func (a *EventArchiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events marshal: %w", err)
	}

	first, last := events[0].Seq, events[len(events)-1].Seq
	key := archiveKey(before, first, last)
	if err := a.objects.PutObject(ctx, key, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive events upload: %w", err)
	}

	count := int64(len(events))
	if a.audit == nil {
		return count, nil
	}
	err = a.audit.Log(ctx, domain.AuditEntry{
		Action: "archive.events",
		Seq:    last,
		Detail: map[string]any{
			"key":       key,
			"count":     count,
			"first_seq": first,
			"before":    before.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		a.logger.WarnContext(ctx, "archive audit entry not written",
			slog.String("key", key),
			slog.Int64("count", count),
			slog.String("error", err.Error()),
		)
	}
	return count, nil
}

// archiveKey partitions batches by the cutoff's month and names them by the
// sequence range they hold:
//
//	archive/events/2026-01/00000000000000000001-00000000000000000420.jsonl
func archiveKey(before time.Time, firstSeq, lastSeq uint64) string {
	return fmt.Sprintf("archive/events/%s/%020d-%020d.jsonl", before.UTC().Format("2006-01"), firstSeq, lastSeq)
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
