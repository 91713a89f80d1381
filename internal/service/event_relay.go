package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/notify"
)

// notifyKinds are the events operators are told about.
var notifyKinds = map[domain.EventKind]bool{
	domain.EventMarketSettled:   true,
	domain.EventWinningsClaimed: true,
	domain.EventPolicyUpdated:   true,
}

// EventRelay implements domain.EventSink. Events are published to the bus
// synchronously, in commit order. Notifications are queued and sent by Run so
// a slow webhook never holds the ledger lock.
type EventRelay struct {
	bus      domain.EventBus
	notifier *notify.Notifier // may be nil
	queue    chan domain.Event
	logger   *slog.Logger
}

// NewEventRelay creates an EventRelay. queueSize bounds the pending
// notifications; when the queue is full new notifications are dropped.
func NewEventRelay(bus domain.EventBus, notifier *notify.Notifier, queueSize int, logger *slog.Logger) *EventRelay {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &EventRelay{
		bus:      bus,
		notifier: notifier,
		queue:    make(chan domain.Event, queueSize),
		logger:   logger.With(slog.String("component", "event_relay")),
	}
}

// Emit publishes ev on ChannelEvents and appends it to StreamEvents. Bus
// failures are logged; the state change has already been committed.
func (r *EventRelay) Emit(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.ErrorContext(ctx, "marshal event", slog.Uint64("seq", ev.Seq), slog.String("error", err.Error()))
		return
	}
	if err := r.bus.StreamAppend(ctx, StreamEvents, payload); err != nil {
		r.logger.WarnContext(ctx, "stream append failed", slog.Uint64("seq", ev.Seq), slog.String("error", err.Error()))
	}
	if err := r.bus.Publish(ctx, ChannelEvents, payload); err != nil {
		r.logger.WarnContext(ctx, "publish failed", slog.Uint64("seq", ev.Seq), slog.String("error", err.Error()))
	}

	if !r.notifier.Enabled() || !notifyKinds[ev.Kind] {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.WarnContext(ctx, "notification queue full, dropping",
			slog.Uint64("seq", ev.Seq),
			slog.String("kind", string(ev.Kind)),
		)
	}
}

// Run sends queued notifications until ctx is cancelled.
func (r *EventRelay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.queue:
			// Errors are already logged per sender by the notifier.
			_ = r.notifier.NotifyEvent(ctx, ev)
		}
	}
}
