package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/store"
)

// Delta batching thresholds. Streaming stays token-by-token on the bus;
// the durable record absorbs the same content in batches.
const (
	defaultFlushBytes    = 1024
	defaultFlushInterval = 500 * time.Millisecond
	flushWriteTimeout    = 5 * time.Second
)

// deltaWriter accumulates assistant deltas and appends them to the
// durable message once a batch reaches flushBytes or flushInterval
// elapses, whichever comes first. Writes run on their own context so a
// cancelled turn still persists the content it already streamed.
type deltaWriter struct {
	store     store.Store
	messageID string
	threshold int
	interval  time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	buf   strings.Builder
	timer *time.Timer
	err   error
}

func newDeltaWriter(st store.Store, messageID string, threshold int, interval time.Duration, logger *slog.Logger) *deltaWriter {
	if threshold <= 0 {
		threshold = defaultFlushBytes
	}
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &deltaWriter{
		store:     st,
		messageID: messageID,
		threshold: threshold,
		interval:  interval,
		logger:    logger,
	}
}

// AppendDelta buffers one content fragment. It implements
// engine.DeltaSink and runs before the matching delta event publishes,
// so the durable record never trails what subscribers were promised by
// more than one unflushed batch.
func (w *deltaWriter) AppendDelta(delta string) {
	if delta == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.WriteString(delta)
	if w.buf.Len() >= w.threshold {
		w.flushLocked()
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.interval, w.flushAfter)
	}
}

func (w *deltaWriter) flushAfter() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

// flushLocked appends the buffered batch, retrying once. A batch that
// fails both attempts stays in the buffer so the next flush carries it;
// content is never persisted out of order or dropped silently.
func (w *deltaWriter) flushLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.buf.Len() == 0 {
		return
	}
	chunk := w.buf.String()
	err := w.append(chunk)
	if err != nil {
		err = w.append(chunk)
	}
	if err != nil {
		w.err = err
		w.logger.Warn("delta flush failed",
			"message_id", w.messageID, "bytes", len(chunk), "error", err)
		return
	}
	w.err = nil
	w.buf.Reset()
}

func (w *deltaWriter) append(chunk string) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushWriteTimeout)
	defer cancel()
	return w.store.AppendContent(ctx, w.messageID, chunk)
}

// Flush writes whatever is still buffered. The coordinator calls it
// before the terminal transition; a non-nil error means the durable
// content is incomplete and the message must finish as failed.
func (w *deltaWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
	return w.err
}
