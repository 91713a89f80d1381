package s3blob

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

const snapshotPrefix = "snapshots/"

// SnapshotStore implements domain.SnapshotStore. Each snapshot lives under a
// key naming the event sequence it was taken at.
type SnapshotStore struct {
	objects domain.ObjectStore
}

// NewSnapshotStore creates a SnapshotStore on objects.
func NewSnapshotStore(objects domain.ObjectStore) *SnapshotStore {
	return &SnapshotStore{objects: objects}
}

func snapshotKey(seq uint64) string {
	return fmt.Sprintf("%sledger-%020d.json", snapshotPrefix, seq)
}

// parseSnapshotKey returns the sequence encoded in a snapshot key. Foreign
// objects under the prefix are reported as not ok.
func parseSnapshotKey(key string) (uint64, bool) {
	s, ok := strings.CutPrefix(key, snapshotPrefix+"ledger-")
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, ".json")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	return seq, err == nil
}

// Save uploads snap and returns its key.
func (s *SnapshotStore) Save(ctx context.Context, snap domain.Snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal snapshot %d: %w", snap.Seq, err)
	}
	key := snapshotKey(snap.Seq)
	if err := s.objects.PutObject(ctx, key, data, "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// Latest downloads the snapshot with the highest sequence. It returns
// domain.ErrNotFound when there is none.
func (s *SnapshotStore) Latest(ctx context.Context) (domain.Snapshot, error) {
	seqs, err := s.sequences(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if len(seqs) == 0 {
		return domain.Snapshot{}, fmt.Errorf("s3blob: latest snapshot: %w", domain.ErrNotFound)
	}
	key := snapshotKey(seqs[len(seqs)-1])

	body, err := s.objects.Open(ctx, key)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer body.Close()

	var snap domain.Snapshot
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: decode snapshot %s: %w", key, err)
	}
	return snap, nil
}

// Prune deletes all but the newest keep snapshots and returns how many were
// removed.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) (int, error) {
	keep = max(keep, 1)
	seqs, err := s.sequences(ctx)
	if err != nil {
		return 0, err
	}
	if len(seqs) <= keep {
		return 0, nil
	}
	stale := seqs[:len(seqs)-keep]
	for i, seq := range stale {
		if err := s.objects.Delete(ctx, snapshotKey(seq)); err != nil {
			return i, err
		}
	}
	return len(stale), nil
}

// sequences lists stored snapshot sequences in ascending order.
func (s *SnapshotStore) sequences(ctx context.Context) ([]uint64, error) {
	keys, err := s.objects.Keys(ctx, snapshotPrefix)
	if err != nil {
		return nil, err
	}
	seqs := make([]uint64, 0, len(keys))
	for _, k := range keys {
		if seq, ok := parseSnapshotKey(k); ok {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)
	return seqs, nil
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
