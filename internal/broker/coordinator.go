// Package broker coordinates turns end to end: admission, message
// persistence, context assembly, the reasoning engine, and terminal
// settlement with the memory write.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/assembler"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

var (
	// ErrForbidden rejects a caller that does not own the conversation.
	ErrForbidden = errors.New("broker: conversation owner mismatch")
	// ErrEmptyMessage rejects a blank user message.
	ErrEmptyMessage = errors.New("broker: empty user message")
	// ErrShutdown rejects turns submitted after Shutdown began.
	ErrShutdown = errors.New("broker: shut down")
)

// Config tunes the coordinator. New applies defaults to zero fields.
type Config struct {
	// MaxConcurrentTurns caps turns in flight across all conversations.
	MaxConcurrentTurns int
	// WorkspaceRoot holds the per-conversation working directories that
	// tool paths resolve within.
	WorkspaceRoot string
	// WriteBatchBytes and WriteBatchInterval tune the delta flusher.
	WriteBatchBytes    int
	WriteBatchInterval time.Duration
	// IdempotencyWindow dedupes identical posts and keeps just-finished
	// turns addressable by stop requests.
	IdempotencyWindow time.Duration
	// TerminalLogName overrides the activity log file name inside each
	// working directory. Empty means tools.TerminalLogName.
	TerminalLogName string
	// DisconnectStopsTurn cancels a conversation's turns when its last
	// subscriber goes away. The transport consults StopsOnDisconnect.
	DisconnectStopsTurn bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTurns: defaultTurnBudget(),
		WorkspaceRoot:      "./workspace",
		WriteBatchBytes:    defaultFlushBytes,
		WriteBatchInterval: defaultFlushInterval,
		IdempotencyWindow:  2 * time.Second,
	}
}

func (c *Config) sanitize() {
	def := DefaultConfig()
	if c.MaxConcurrentTurns <= 0 {
		c.MaxConcurrentTurns = def.MaxConcurrentTurns
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = def.WorkspaceRoot
	}
	if c.WriteBatchBytes <= 0 {
		c.WriteBatchBytes = def.WriteBatchBytes
	}
	if c.WriteBatchInterval <= 0 {
		c.WriteBatchInterval = def.WriteBatchInterval
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = def.IdempotencyWindow
	}
}

// Deps wires the coordinator's collaborators. Store, Bus, Assembler and
// Engine are required; the rest may be nil.
type Deps struct {
	Store     store.Store
	Bus       *bus.Bus
	Assembler *assembler.Assembler
	Engine    *engine.Engine

	// Memory receives one interaction item per settled turn.
	Memory *memory.Manager
	// Sweeper is nudged after settlement so long-term consolidation
	// runs out of turn.
	Sweeper *memory.Sweeper
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Broker is the turn coordinator: the single entry point that takes a
// user message and drives it to a terminal assistant message.
type Broker struct {
	store     store.Store
	bus       *bus.Bus
	assembler *assembler.Assembler
	engine    *engine.Engine
	memory    *memory.Manager
	sweeper   *memory.Sweeper
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	config    Config
	logger    *slog.Logger

	admission  *admission
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	active map[string]*activeTurn
	byConv map[string]map[string]*activeTurn
	idem   map[string]idemEntry
	// recent holds expiry times for just-finished turns so repeated
	// stops inside the idempotency window stay no-ops.
	recent map[string]time.Time
}

type activeTurn struct {
	id             string
	conversationID string
	messageID      string
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
}

type idemEntry struct {
	turnID    string
	messageID string
	expires   time.Time
}

// New builds a Broker. Turns outlive the submitting request, so their
// contexts derive from the broker's own lifecycle, not the caller's.
func New(deps Deps, config Config) *Broker {
	config.sanitize()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		store:      deps.Store,
		bus:        deps.Bus,
		assembler:  deps.Assembler,
		engine:     deps.Engine,
		memory:     deps.Memory,
		sweeper:    deps.Sweeper,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		config:     config,
		logger:     logger,
		admission:  newAdmission(config.MaxConcurrentTurns),
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*activeTurn),
		byConv:     make(map[string]map[string]*activeTurn),
		idem:       make(map[string]idemEntry),
		recent:     make(map[string]time.Time),
	}
}

// RunTurn accepts one user message for the conversation and returns the
// turn ID and the streaming assistant message ID. The turn itself runs
// asynchronously; callers follow it through the event bus. Reposting an
// identical message inside the idempotency window returns the original
// IDs without starting a second turn.
func (b *Broker) RunTurn(ctx context.Context, conversationID, ownerID, text string) (string, string, error) {
	if strings.TrimSpace(text) == "" {
		return "", "", ErrEmptyMessage
	}

	conv, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", "", fmt.Errorf("load conversation: %w", err)
	}
	if conv.OwnerID != ownerID {
		return "", "", ErrForbidden
	}
	agent, err := b.store.GetAgent(ctx, conv.AgentID)
	if err != nil {
		return "", "", fmt.Errorf("load agent: %w", err)
	}

	key := idemKey(conv.ID, text)
	now := time.Now()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", "", ErrShutdown
	}
	if entry, ok := b.idem[key]; ok && now.Before(entry.expires) {
		b.mu.Unlock()
		return entry.turnID, entry.messageID, nil
	}
	b.mu.Unlock()

	turnID := uuid.NewString()
	userMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        text,
		Status:         models.StatusComplete,
		CreatedAt:      now.UTC(),
	}
	if err := b.store.AppendMessage(ctx, userMsg); err != nil {
		return "", "", fmt.Errorf("persist user message: %w", err)
	}

	assistant := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Status:         models.StatusStreaming,
		Metadata:       models.MessageMetadata{ModelID: agent.ModelID},
		CreatedAt:      now.UTC(),
	}
	if err := b.store.AppendMessage(ctx, assistant); err != nil {
		return "", "", fmt.Errorf("create assistant message: %w", err)
	}

	turnCtx, cancel := context.WithCancel(b.baseCtx)
	turn := &activeTurn{
		id:             turnID,
		conversationID: conv.ID,
		messageID:      assistant.ID,
		ctx:            turnCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	ticket := b.admission.enqueue(conv.ID)

	b.mu.Lock()
	b.active[turnID] = turn
	set := b.byConv[conv.ID]
	if set == nil {
		set = make(map[string]*activeTurn)
		b.byConv[conv.ID] = set
	}
	set[turnID] = turn
	for k, entry := range b.idem {
		if now.After(entry.expires) {
			delete(b.idem, k)
		}
	}
	b.idem[key] = idemEntry{
		turnID:    turnID,
		messageID: assistant.ID,
		expires:   now.Add(b.config.IdempotencyWindow),
	}
	b.mu.Unlock()

	// The streaming header goes out before any delta so a subscriber
	// joining mid-turn always sees header, deltas, terminator.
	emitter := b.bus.NewEmitter(conv.ID, turnID)
	emitter.Emit(models.EventMessageCreated, models.MessageCreatedData{
		MessageID: assistant.ID,
		Role:      models.RoleAssistant,
	})

	if b.metrics != nil {
		b.metrics.TurnStarted()
	}
	b.logger.Info("turn accepted",
		"turn_id", turnID, "conversation_id", conv.ID, "agent_id", agent.ID)

	go b.drive(turn, ticket, conv, agent, userMsg, emitter)
	return turnID, assistant.ID, nil
}

func (b *Broker) drive(t *activeTurn, tk *ticket, conv *models.Conversation, agent *models.Agent, userMsg *models.Message, emitter *bus.Emitter) {
	defer close(t.done)
	defer b.retire(t)

	start := time.Now()
	writer := newDeltaWriter(b.store, t.messageID, b.config.WriteBatchBytes, b.config.WriteBatchInterval, b.logger)

	ctx, span := b.span(t.ctx, "turn",
		attribute.String("conversation_id", conv.ID),
		attribute.String("turn_id", t.id))
	defer span.End()

	release, err := tk.wait(ctx)
	if err != nil {
		b.settle(t, agent, userMsg, emitter, writer, &engine.Outcome{State: engine.StateStopped}, start)
		return
	}
	// Held through settlement: the next turn of this conversation must
	// not assemble its context until this one's message is terminal.
	defer release()

	outcome := b.execute(ctx, t, conv, agent, userMsg, emitter, writer)
	if outcome.Err != nil && b.tracer != nil {
		b.tracer.RecordError(span, outcome.Err)
	}
	b.settle(t, agent, userMsg, emitter, writer, outcome, start)
}

// execute prepares the workspace, assembles the payload, and runs the
// engine. Failures ahead of the engine become synthetic outcomes so
// settlement stays uniform.
func (b *Broker) execute(ctx context.Context, t *activeTurn, conv *models.Conversation, agent *models.Agent, userMsg *models.Message, emitter *bus.Emitter, writer *deltaWriter) *engine.Outcome {
	workingDir := filepath.Join(b.config.WorkspaceRoot, conv.ID)
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return &engine.Outcome{State: engine.StateFailed, Err: fmt.Errorf("prepare workspace: %w", err)}
	}

	actx, aspan := b.span(ctx, "assemble_context")
	payload, err := b.assembler.Build(actx, &assembler.Request{
		Agent:        agent,
		Conversation: conv,
		UserMessage:  userMsg,
	})
	if err != nil && b.tracer != nil {
		b.tracer.RecordError(aspan, err)
	}
	aspan.End()
	if err != nil {
		if ctx.Err() != nil {
			return &engine.Outcome{State: engine.StateStopped}
		}
		return &engine.Outcome{State: engine.StateFailed, Err: fmt.Errorf("assemble context: %w", err)}
	}

	terminal, err := tools.OpenTerminalLog(workingDir, b.config.TerminalLogName)
	if err != nil {
		b.logger.Warn("terminal log unavailable", "dir", workingDir, "error", err)
	}
	defer terminal.Close()

	return b.engine.Run(ctx, &engine.Turn{
		ID:             t.id,
		ConversationID: conv.ID,
		MessageID:      t.messageID,
		WorkingDir:     workingDir,
		UserText:       userMsg.Content,
		Payload:        payload,
		Policy:         agent.WorkspacePolicy,
		Emitter:        emitter,
		Sink:           writer,
		Terminal:       terminal,
	})
}

// settle flushes the durable content, performs the single terminal
// transition, publishes the terminal event, and records the interaction
// memory. The terminal event goes out only after the flush so readers
// that react to it see the full content.
func (b *Broker) settle(t *activeTurn, agent *models.Agent, userMsg *models.Message, emitter *bus.Emitter, writer *deltaWriter, out *engine.Outcome, start time.Time) {
	flushErr := writer.Flush()

	status := models.StatusComplete
	switch out.State {
	case engine.StateStopped:
		status = models.StatusStopped
	case engine.StateFailed:
		status = models.StatusFailed
	}

	meta := models.MessageMetadata{ModelID: agent.ModelID, ToolCalls: out.ToolCalls}
	if out.Usage != (models.TokenUsage{}) {
		usage := out.Usage
		meta.TokenUsage = &usage
	}
	if out.Err != nil {
		meta.Error = out.Err.Error()
	}
	if flushErr != nil {
		if status == models.StatusComplete {
			status = models.StatusFailed
		}
		if meta.Error == "" {
			meta.Error = fmt.Sprintf("persist content: %v", flushErr)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushWriteTimeout)
	defer cancel()
	if err := b.store.FinishMessage(ctx, t.messageID, status, meta); err != nil {
		b.logger.Error("finish message failed",
			"turn_id", t.id, "message_id", t.messageID, "error", err)
	}

	if status == models.StatusStopped {
		emitter.Emit(models.EventMessageStopped, models.MessageStoppedData{MessageID: t.messageID})
	} else {
		emitter.Emit(models.EventMessageCompleted, models.MessageCompletedData{
			MessageID: t.messageID,
			Status:    status,
			Metadata:  meta,
		})
	}

	b.remember(ctx, agent, t.conversationID, userMsg.Content, out)
	if b.sweeper != nil {
		b.sweeper.MarkDirty(agent.ID, t.conversationID, agent.MemoryPolicy)
	}
	if b.metrics != nil {
		b.metrics.TurnFinished(string(status), time.Since(start).Seconds())
	}
	b.logger.Info("turn finished",
		"turn_id", t.id,
		"conversation_id", t.conversationID,
		"status", string(status),
		"tool_calls", len(out.ToolCalls),
		"duration", time.Since(start).Round(time.Millisecond))
}

// remember writes the interaction memory for a settled turn. Turns that
// produced neither content nor tool calls leave nothing worth keeping.
func (b *Broker) remember(ctx context.Context, agent *models.Agent, conversationID, userText string, out *engine.Outcome) {
	if b.memory == nil {
		return
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return
	}
	importance := 0.5
	if len(out.ToolCalls) > 0 {
		importance = 0.8
	}
	tags := make([]string, 0, len(out.ToolCalls))
	seen := make(map[string]struct{}, len(out.ToolCalls))
	for _, call := range out.ToolCalls {
		if _, ok := seen[call.ToolName]; ok {
			continue
		}
		seen[call.ToolName] = struct{}{}
		tags = append(tags, call.ToolName)
	}
	item := &models.MemoryItem{
		ID:         uuid.NewString(),
		AgentID:    agent.ID,
		SessionID:  conversationID,
		Tier:       models.TierShortTerm,
		Category:   models.CategoryInteraction,
		Summary:    clip(userText, 160),
		Details:    clip(out.Content, 500),
		Importance: importance,
		Tags:       tags,
		CreatedAt:  time.Now().UTC(),
	}
	if err := b.memory.Remember(ctx, item, agent.MemoryPolicy.ShortTermWindow); err != nil {
		b.logger.Warn("memory write failed",
			"agent_id", agent.ID, "conversation_id", conversationID, "error", err)
	}
}

func (b *Broker) retire(t *activeTurn) {
	now := time.Now()
	b.mu.Lock()
	delete(b.active, t.id)
	if set := b.byConv[t.conversationID]; set != nil {
		delete(set, t.id)
		if len(set) == 0 {
			delete(b.byConv, t.conversationID)
		}
	}
	for id, expiry := range b.recent {
		if now.After(expiry) {
			delete(b.recent, id)
		}
	}
	b.recent[t.id] = now.Add(b.config.IdempotencyWindow)
	b.mu.Unlock()
	t.cancel()
}

// Stop cancels the turn with the given ID. It reports false only for
// turns the broker never knew or that finished beyond the idempotency
// window; repeated stops inside the window stay true no-ops, so a
// client retrying a stop sees the same answer.
func (b *Broker) Stop(turnID string) bool {
	b.mu.Lock()
	if t, ok := b.active[turnID]; ok {
		b.mu.Unlock()
		t.cancel()
		return true
	}
	expiry, ok := b.recent[turnID]
	b.mu.Unlock()
	return ok && time.Now().Before(expiry)
}

// StopConversation cancels every in-flight turn of the conversation.
// The transport calls it when the last subscriber disconnects and the
// stop-on-disconnect policy is enabled.
func (b *Broker) StopConversation(conversationID string) int {
	b.mu.Lock()
	turns := make([]*activeTurn, 0, len(b.byConv[conversationID]))
	for _, t := range b.byConv[conversationID] {
		turns = append(turns, t)
	}
	b.mu.Unlock()
	for _, t := range turns {
		t.cancel()
	}
	return len(turns)
}

// StopsOnDisconnect reports whether client disconnects should cancel
// the conversation's turns.
func (b *Broker) StopsOnDisconnect() bool {
	return b.config.DisconnectStopsTurn
}

// ActiveTurns reports how many turns are currently in flight.
func (b *Broker) ActiveTurns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// Shutdown rejects new turns, cancels the in-flight ones, and waits for
// their settlement or for ctx to end.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	turns := make([]*activeTurn, 0, len(b.active))
	for _, t := range b.active {
		turns = append(turns, t)
	}
	b.mu.Unlock()

	b.baseCancel()
	for _, t := range turns {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// span opens a tracing span when a tracer is wired, and otherwise
// passes through whatever span already rides the context.
func (b *Broker) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if b.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return b.tracer.Start(ctx, name, attrs...)
}

func idemKey(conversationID, text string) string {
	sum := sha256.Sum256([]byte(text))
	return conversationID + ":" + hex.EncodeToString(sum[:])
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
