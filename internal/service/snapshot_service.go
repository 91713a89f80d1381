package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// Snapshotter yields and restores complete ledger state.
type Snapshotter interface {
	Snapshot() domain.Snapshot
	Restore(snap domain.Snapshot)
}

// SnapshotArchive is the object store for snapshots.
type SnapshotArchive interface {
	domain.SnapshotStore
	Prune(ctx context.Context, keep int) (int, error)
}

// SnapshotConfig controls the snapshot loop.
type SnapshotConfig struct {
	Interval  time.Duration
	Keep      int           // snapshots retained after each run; 0 keeps all
	Retention time.Duration // events older than this are archived; 0 disables archiving
}

// SnapshotService periodically writes the ledger to object storage and moves
// old events from the database into the archive.
type SnapshotService struct {
	ledger   Snapshotter
	store    SnapshotArchive
	archiver domain.Archiver   // may be nil
	events   domain.EventStore // may be nil
	cfg      SnapshotConfig
	lastSeq  uint64
	saved    bool
	now      func() time.Time
	logger   *slog.Logger
}

// NewSnapshotService creates a SnapshotService. archiver and events may both
// be nil, which disables event archiving.
func NewSnapshotService(
	l Snapshotter,
	store SnapshotArchive,
	archiver domain.Archiver,
	events domain.EventStore,
	cfg SnapshotConfig,
	logger *slog.Logger,
) *SnapshotService {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &SnapshotService{
		ledger:   l,
		store:    store,
		archiver: archiver,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "snapshot_service")),
	}
}

// Run snapshots on every tick until ctx is cancelled. A failed run is logged
// and retried on the next tick.
func (s *SnapshotService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "snapshot loop started", slog.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final snapshot on shutdown, detached from the cancelled context.
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if err := s.RunOnce(shutdownCtx); err != nil {
				s.logger.Error("final snapshot failed", slog.String("error", err.Error()))
			}
			cancel()
			return nil
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "snapshot run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce writes a snapshot if the ledger changed since the last one, prunes
// old snapshots and archives expired events.
func (s *SnapshotService) RunOnce(ctx context.Context) error {
	snap := s.ledger.Snapshot()
	if !s.saved || snap.Seq != s.lastSeq {
		path, err := s.store.Save(ctx, snap)
		if err != nil {
			return fmt.Errorf("snapshot_service: save: %w", err)
		}
		s.lastSeq = snap.Seq
		s.saved = true
		s.logger.InfoContext(ctx, "snapshot written", slog.String("path", path), slog.Uint64("seq", snap.Seq))

		if s.cfg.Keep > 0 {
			removed, err := s.store.Prune(ctx, s.cfg.Keep)
			if err != nil {
				return fmt.Errorf("snapshot_service: prune: %w", err)
			}
			if removed > 0 {
				s.logger.InfoContext(ctx, "old snapshots pruned", slog.Int("removed", removed))
			}
		}
	}

	if s.archiver == nil || s.events == nil || s.cfg.Retention <= 0 {
		return nil
	}
	cutoff := s.now().UTC().Add(-s.cfg.Retention)
	archived, err := s.archiver.ArchiveEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("snapshot_service: archive events before %v: %w", cutoff, err)
	}
	if archived == 0 {
		return nil
	}
	deleted, err := s.events.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("snapshot_service: delete archived events: %w", err)
	}
	s.logger.InfoContext(ctx, "events archived",
		slog.Int64("archived", archived),
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// LoadLatest restores the ledger from the newest snapshot. It reports false
// when the store holds none.
func (s *SnapshotService) LoadLatest(ctx context.Context) (bool, error) {
	snap, err := s.store.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("snapshot_service: load latest: %w", err)
	}
	s.ledger.Restore(snap)
	s.lastSeq = snap.Seq
	s.saved = true
	s.logger.InfoContext(ctx, "ledger restored from snapshot",
		slog.Uint64("seq", snap.Seq),
		slog.Int("markets", len(snap.Markets)),
	)
	return true, nil
}
