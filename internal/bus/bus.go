// Package bus implements the in-process event hub: typed pub/sub scoped by
// conversation, plus a request/reply primitive used for approval
// round-trips.
//
// Subscribers are short-lived (one per client connection) and events are
// ephemeral; there is no backlog and no replay. The hub never blocks a
// publisher: a slow subscriber first has its queued message deltas
// coalesced, and if its buffer still cannot keep up it is dropped with a
// terminal subscription.overflow event.
package bus

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultSubscriberBuffer is the per-subscriber queue size.
const DefaultSubscriberBuffer = 256

// Bus is the process-wide event hub. The zero value is not usable; call New.
type Bus struct {
	mu    sync.RWMutex
	rooms map[string][]*Subscription

	pending sync.Map // correlation ID -> chan models.Event (size 1)

	bufferSize int
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics attaches delivery counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// New creates an empty hub.
func New(opts ...Option) *Bus {
	b := &Bus{
		rooms:      make(map[string][]*Subscription),
		bufferSize: DefaultSubscriberBuffer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one subscriber's bounded event queue.
type Subscription struct {
	id             string
	conversationID string
	bus            *Bus

	mu     sync.Mutex
	ch     chan models.Event
	closed bool
}

// Events returns the receive side of the queue. The channel is closed when
// the subscription is closed or dropped on overflow; after an overflow the
// last delivered event is subscription.overflow.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// ConversationID reports the room this subscription belongs to.
func (s *Subscription) ConversationID() string {
	return s.conversationID
}

// Close unsubscribes and closes the event channel. Safe to call twice.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Subscribe registers a new subscriber for a conversation room.
func (b *Bus) Subscribe(conversationID string) *Subscription {
	sub := &Subscription{
		id:             uuid.NewString(),
		conversationID: conversationID,
		bus:            b,
		ch:             make(chan models.Event, b.bufferSize),
	}

	b.mu.Lock()
	b.rooms[conversationID] = append(b.rooms[conversationID], sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.rooms[sub.conversationID]
	for i, s := range subs {
		if s.id == sub.id {
			b.rooms[sub.conversationID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.rooms[sub.conversationID]) == 0 {
		delete(b.rooms, sub.conversationID)
	}
}

// SubscriberCount reports the current size of a room.
func (b *Bus) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[conversationID])
}

// Publish delivers ev to every subscriber of its conversation. It never
// blocks; with no subscribers the event is dropped.
func (b *Bus) Publish(ev models.Event) {
	if b.metrics != nil {
		b.metrics.BusEvents.WithLabelValues(string(ev.Type)).Inc()
	}

	b.mu.RLock()
	subs := append([]*Subscription(nil), b.rooms[ev.ConversationID]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.offer(ev) {
			b.unsubscribe(sub)
			if b.metrics != nil {
				b.metrics.BusDroppedSubscribers.Inc()
			}
			b.logger.Warn("subscriber dropped on overflow",
				"conversation_id", ev.ConversationID,
				"subscription_id", sub.id)
		}
	}
}

// offer enqueues ev, coalescing queued deltas under pressure. It returns
// false when the subscriber had to be dropped.
func (s *Subscription) offer(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	// Buffer is full. Drain it, merge contiguous delta runs, and refill.
	buffered := make([]models.Event, 0, cap(s.ch)+1)
drain:
	for {
		select {
		case queued := <-s.ch:
			buffered = append(buffered, queued)
		default:
			break drain
		}
	}
	buffered = append(buffered, ev)
	buffered = coalesceDeltas(buffered, s.bus.metrics)

	if len(buffered) <= cap(s.ch) {
		for _, queued := range buffered {
			s.ch <- queued
		}
		return true
	}

	// Still over capacity after coalescing: refill what fits, terminate
	// with an overflow marker, and drop the subscriber.
	keep := cap(s.ch) - 1
	if keep < 0 {
		keep = 0
	}
	for _, queued := range buffered[:keep] {
		s.ch <- queued
	}
	s.ch <- models.NewEvent(models.EventSubscriptionOverflow, s.conversationID, ev.TurnID, ev.Seq, nil)
	s.closeLocked()
	return false
}

// coalesceDeltas merges adjacent message.delta events that share a message
// ID by concatenating their delta text. All other event kinds pass through
// untouched in order.
func coalesceDeltas(events []models.Event, metrics *observability.Metrics) []models.Event {
	out := make([]models.Event, 0, len(events))
	for _, ev := range events {
		if ev.Type != models.EventMessageDelta || len(out) == 0 {
			out = append(out, ev)
			continue
		}
		last := &out[len(out)-1]
		if last.Type != models.EventMessageDelta {
			out = append(out, ev)
			continue
		}
		merged, ok := mergeDeltaPayloads(last.Data, ev.Data)
		if !ok {
			out = append(out, ev)
			continue
		}
		last.Data = merged
		last.Seq = ev.Seq
		last.TS = ev.TS
		if metrics != nil {
			metrics.BusCoalesced.Inc()
		}
	}
	return out
}

func mergeDeltaPayloads(a, b []byte) ([]byte, bool) {
	var first, second models.MessageDeltaData
	if unmarshalDelta(a, &first) != nil || unmarshalDelta(b, &second) != nil {
		return nil, false
	}
	if first.MessageID != second.MessageID {
		return nil, false
	}
	first.Delta += second.Delta
	merged, err := json.Marshal(first)
	if err != nil {
		return nil, false
	}
	return merged, true
}

func unmarshalDelta(raw []byte, into *models.MessageDeltaData) error {
	if len(raw) == 0 {
		return errors.New("empty delta payload")
	}
	return json.Unmarshal(raw, into)
}

// Emitter stamps events for one turn: fixed conversation and turn IDs and
// a strictly increasing sequence.
type Emitter struct {
	bus            *Bus
	conversationID string
	turnID         string
	seq            atomic.Uint64
}

// NewEmitter creates the single event producer for a turn.
func (b *Bus) NewEmitter(conversationID, turnID string) *Emitter {
	return &Emitter{bus: b, conversationID: conversationID, turnID: turnID}
}

// Stamp builds the next event in sequence without publishing it. Used when
// delivery goes through RequestReply, which publishes exactly once.
func (e *Emitter) Stamp(t models.EventType, data any) models.Event {
	return models.NewEvent(t, e.conversationID, e.turnID, e.seq.Add(1), data)
}

// Emit publishes one event and returns it as stamped.
func (e *Emitter) Emit(t models.EventType, data any) models.Event {
	ev := e.Stamp(t, data)
	e.bus.Publish(ev)
	return ev
}

// ConversationID reports the emitter's room.
func (e *Emitter) ConversationID() string {
	return e.conversationID
}

// TurnID reports the emitter's turn.
func (e *Emitter) TurnID() string {
	return e.turnID
}
