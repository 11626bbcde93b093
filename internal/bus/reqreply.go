package bus

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrReplyTimeout is returned when no reply arrives inside the window.
var ErrReplyTimeout = errors.New("bus: reply timeout")

// RequestReply publishes request to its conversation room and suspends the
// caller until a matching reply is resolved, the timeout elapses, or ctx is
// cancelled. The correlation ID ties replies to requests; for approval
// round-trips it is the approval request ID.
func (b *Bus) RequestReply(ctx context.Context, correlationID string, request models.Event, timeout time.Duration) (models.Event, error) {
	slot := make(chan models.Event, 1)
	if _, loaded := b.pending.LoadOrStore(correlationID, slot); loaded {
		return models.Event{}, errors.New("bus: duplicate correlation id")
	}
	defer b.pending.Delete(correlationID)

	b.Publish(request)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-slot:
		return reply, nil
	case <-timer.C:
		return models.Event{}, ErrReplyTimeout
	case <-ctx.Done():
		return models.Event{}, ctx.Err()
	}
}

// Resolve hands a reply to the suspended requester. The first resolution
// atomically claims the pending slot; later ones return false so the
// caller can log and drop them.
func (b *Bus) Resolve(correlationID string, reply models.Event) bool {
	value, ok := b.pending.LoadAndDelete(correlationID)
	if !ok {
		return false
	}
	slot := value.(chan models.Event)
	slot <- reply
	return true
}
