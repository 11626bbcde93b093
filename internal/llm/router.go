package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/secrets"
)

// DefaultChunkIdleTimeout fails a stream that produces no chunk for this
// long.
const DefaultChunkIdleTimeout = 30 * time.Second

// transientBackoff is the retry schedule for rate-limit and server errors.
// Retries only happen before the first delta reaches the caller; emitted
// text cannot be rewound.
var transientBackoff = []time.Duration{200 * time.Millisecond, time.Second}

// RouterConfig is the static model resolution table plus stream limits.
type RouterConfig struct {
	// Models maps model_id to provider name.
	Models map[string]string
	// DefaultProvider answers model IDs absent from Models.
	DefaultProvider string
	// ChunkIdleTimeout overrides DefaultChunkIdleTimeout when positive.
	ChunkIdleTimeout time.Duration
}

// Router implements Adapter over a set of provider factories. Each Chat
// call resolves the payload's model to one backend, binds the owner's
// credential, and supervises the upstream stream: a chunk-idle watchdog
// fails stalls, and transient failures before first output are retried on
// a short backoff schedule.
type Router struct {
	factories   map[string]Factory
	models      map[string]string
	defaultName string
	idleTimeout time.Duration
	secrets     secrets.Store
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewRouter builds a Router. Later factories with a duplicate name win.
func NewRouter(cfg RouterConfig, store secrets.Store, factories []Factory, logger *slog.Logger, metrics *observability.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.ChunkIdleTimeout
	if idle <= 0 {
		idle = DefaultChunkIdleTimeout
	}
	byName := make(map[string]Factory, len(factories))
	for _, f := range factories {
		byName[f.Name()] = f
	}
	return &Router{
		factories:   byName,
		models:      cfg.Models,
		defaultName: cfg.DefaultProvider,
		idleTimeout: idle,
		secrets:     store,
		logger:      logger.With("component", "llm"),
		metrics:     metrics,
	}
}

// Providers lists registered backend names, sorted.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a model ID to its provider factory.
func (r *Router) Resolve(modelID string) (Factory, error) {
	name, ok := r.models[modelID]
	if !ok {
		name = r.defaultName
	}
	if name == "" {
		return nil, fmt.Errorf("no provider for model %q and no default provider", modelID)
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("provider %q for model %q is not registered", name, modelID)
	}
	return factory, nil
}

// Chat resolves, authenticates, and streams one completion. Resolution
// failures return an error; credential and stream failures ride the
// channel as a terminal error chunk so callers have one consumption path.
func (r *Router) Chat(ctx context.Context, payload *Payload) (<-chan Chunk, error) {
	if payload == nil || len(payload.Messages) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	factory, err := r.Resolve(payload.ModelID)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go r.supervise(ctx, factory, payload, out)
	return out, nil
}

func (r *Router) supervise(ctx context.Context, factory Factory, payload *Payload, out chan<- Chunk) {
	defer close(out)

	providerName := factory.Name()
	logger := r.logger.With("provider", providerName, "model", payload.ModelID)
	started := time.Now()

	finish := func(c Chunk) {
		status := string(c.FinishReason)
		var prompt, completion int
		if c.Usage != nil {
			prompt, completion = c.Usage.InputTokens, c.Usage.OutputTokens
		}
		if r.metrics != nil {
			r.metrics.RecordLLMRequest(providerName, payload.ModelID, status, time.Since(started).Seconds(), prompt, completion)
		}
		if c.Err != nil {
			logger.Warn("stream finished with error", "status", status, "error", c.Err)
		} else {
			logger.Debug("stream finished", "status", status, "duration", time.Since(started))
		}
		// Unguarded: callers drain the stream, and the terminal chunk
		// must arrive even after cancellation.
		out <- c
	}

	var apiKey string
	if factory.RequiresKey() {
		key, err := r.secrets.Get(ctx, payload.OwnerID, providerName)
		if err != nil {
			finish(ErrorChunk(NewProviderError(providerName, payload.ModelID, err).WithReason(FailoverMissingKey)))
			return
		}
		apiKey = key
	}
	provider, err := factory.New(apiKey)
	if err != nil {
		finish(ErrorChunk(NewProviderError(providerName, payload.ModelID, err)))
		return
	}

	forwarded := false
	for attempt := 0; ; attempt++ {
		chunk, retryable := r.streamOnce(ctx, provider, payload, out, &forwarded)
		if ctx.Err() != nil {
			finish(Chunk{FinishReason: FinishCancelled})
			return
		}
		if retryable && !forwarded && attempt < len(transientBackoff) {
			delay := transientBackoff[attempt]
			logger.Debug("retrying after transient error", "attempt", attempt+1, "delay", delay, "error", chunk.Err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				finish(Chunk{FinishReason: FinishCancelled})
				return
			}
		}
		finish(chunk)
		return
	}
}

// streamOnce drives a single provider attempt, forwarding deltas to out.
// It returns the terminal chunk and whether the failure is worth a retry.
// The attempt context is cancelled on exit so a stalled upstream goroutine
// is released.
func (r *Router) streamOnce(ctx context.Context, provider Provider, payload *Payload, out chan<- Chunk, forwarded *bool) (Chunk, bool) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	upstream, err := provider.Chat(attemptCtx, payload)
	if err != nil {
		pe := NewProviderError(provider.Name(), payload.ModelID, err)
		return ErrorChunk(pe), pe.Reason.IsRetryable()
	}

	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return Chunk{FinishReason: FinishCancelled}, false

		case <-idle.C:
			pe := NewProviderError(provider.Name(), payload.ModelID,
				fmt.Errorf("no chunk for %s", r.idleTimeout)).WithReason(FailoverTimeout)
			return ErrorChunk(pe), true

		case chunk, ok := <-upstream:
			if !ok {
				pe := NewProviderError(provider.Name(), payload.ModelID,
					fmt.Errorf("stream closed without terminal chunk"))
				return ErrorChunk(pe), false
			}
			if chunk.Terminal() {
				if chunk.FinishReason == FinishError {
					return chunk, IsRetryable(chunk.Err)
				}
				return chunk, false
			}
			select {
			case out <- chunk:
				*forwarded = true
			case <-ctx.Done():
				return Chunk{FinishReason: FinishCancelled}, false
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.idleTimeout)
		}
	}
}
