package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// MemoryRegistry is a process-local TransmissionRegistry. Markers never
// expire: a report replayed at any later time is still rejected. It is safe
// for concurrent use.
type MemoryRegistry struct {
	seen map[string]time.Time // transmission id -> processed at
	mu   sync.Mutex
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{seen: make(map[string]time.Time)}
}

// IsProcessed implements domain.TransmissionRegistry.
func (r *MemoryRegistry) IsProcessed(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[id]
	return ok, nil
}

// MarkProcessed implements domain.TransmissionRegistry.
func (r *MemoryRegistry) MarkProcessed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; !ok {
		r.seen[id] = time.Now()
	}
	return nil
}

// Forget implements domain.TransmissionRegistry.
func (r *MemoryRegistry) Forget(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, id)
	return nil
}

// Len returns the number of remembered transmissions.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// minSweep is the table size at which LocalLocks first drops expired keys.
const minSweep = 1024

// LocalLocks is a process-local domain.LockManager for single-instance
// deployments. Expired keys are dropped whenever the table doubles.
type LocalLocks struct {
	mu      sync.Mutex
	held    map[string]time.Time // key -> expiry
	sweepAt int
}

// NewLocalLocks creates an empty lock table.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]time.Time), sweepAt: minSweep}
}

// Acquire implements domain.LockManager. It never blocks.
func (l *LocalLocks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, domain.ErrLockHeld
	}
	if len(l.held) >= l.sweepAt {
		for k, e := range l.held {
			if !now.Before(e) {
				delete(l.held, k)
			}
		}
		l.sweepAt = max(2*len(l.held), minSweep)
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.Equal(exp) {
			delete(l.held, key)
		}
	}, nil
}

var (
	_ domain.TransmissionRegistry = (*MemoryRegistry)(nil)
	_ domain.LockManager          = (*LocalLocks)(nil)
)
