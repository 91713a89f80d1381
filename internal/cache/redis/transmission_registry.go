package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// TransmissionRegistry implements domain.TransmissionRegistry with one key
// per delivered report. Markers carry no expiry.
type TransmissionRegistry struct {
	c *Client
}

// NewTransmissionRegistry creates a registry backed by the given Client.
func NewTransmissionRegistry(c *Client) *TransmissionRegistry {
	return &TransmissionRegistry{c: c}
}

func (r *TransmissionRegistry) markerKey(id string) string {
	return r.c.key("transmission:" + id)
}

// IsProcessed reports whether id was marked.
func (r *TransmissionRegistry) IsProcessed(ctx context.Context, id string) (bool, error) {
	n, err := r.c.rdb.Exists(ctx, r.markerKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: transmission lookup %s: %w", id, err)
	}
	return n > 0, nil
}

// MarkProcessed records id with the delivery time. An existing marker is
// left untouched.
func (r *TransmissionRegistry) MarkProcessed(ctx context.Context, id string) error {
	at := time.Now().UTC().Format(time.RFC3339Nano)
	if err := r.c.rdb.SetNX(ctx, r.markerKey(id), at, 0).Err(); err != nil {
		return fmt.Errorf("redis: mark transmission %s: %w", id, err)
	}
	return nil
}

// Forget deletes the marker for id.
func (r *TransmissionRegistry) Forget(ctx context.Context, id string) error {
	if err := r.c.rdb.Del(ctx, r.markerKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: forget transmission %s: %w", id, err)
	}
	return nil
}

var _ domain.TransmissionRegistry = (*TransmissionRegistry)(nil)
