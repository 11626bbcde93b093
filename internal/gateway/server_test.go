package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/assembler"
	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// adapterScript is one canned model stream. When hold is set the stream
// pauses there until the channel closes; a context cancelled during the
// pause ends the stream with a cancelled terminal.
type adapterScript struct {
	prelude []llm.Chunk
	hold    <-chan struct{}
	finale  []llm.Chunk
}

// scriptedAdapter plays one script per model call, in call order.
type scriptedAdapter struct {
	mu      sync.Mutex
	scripts []adapterScript
	calls   int
}

func (a *scriptedAdapter) Chat(ctx context.Context, payload *llm.Payload) (<-chan llm.Chunk, error) {
	a.mu.Lock()
	call := a.calls
	a.calls++
	if call >= len(a.scripts) {
		a.mu.Unlock()
		return nil, fmt.Errorf("unexpected llm call %d", call)
	}
	script := a.scripts[call]
	a.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, chunk := range script.prelude {
			ch <- chunk
		}
		if script.hold != nil {
			select {
			case <-script.hold:
			case <-ctx.Done():
				ch <- llm.Chunk{FinishReason: llm.FinishCancelled}
				return
			}
		}
		for _, chunk := range script.finale {
			ch <- chunk
		}
	}()
	return ch, nil
}

func text(s string) llm.Chunk { return llm.Chunk{DeltaText: s} }

func terminal(reason llm.FinishReason) llm.Chunk {
	return llm.Chunk{
		FinishReason: reason,
		Usage:        &models.TokenUsage{InputTokens: 8, OutputTokens: 4},
	}
}

func toolEnvelope(name, args string) string {
	return llm.ToolCallOpen + `{"name":"` + name + `","arguments":` + args + `}` + llm.ToolCallClose
}

// installTool is a medium-risk tool; the arbiter gates it on a human
// round-trip.
type installTool struct {
	mu    sync.Mutex
	calls int
}

func (i *installTool) Name() string        { return "install" }
func (i *installTool) Description() string { return "installs a package" }
func (i *installTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"package":{"type":"string"}}}`)
}
func (i *installTool) Execute(ctx context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
	i.mu.Lock()
	i.calls++
	i.mu.Unlock()
	return &models.ToolResult{Success: true, Stdout: "installed"}, nil
}

func (i *installTool) callCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls
}

type gatewayRig struct {
	store   *store.MemoryStore
	bus     *bus.Bus
	broker  *broker.Broker
	arbiter *approval.Arbiter
	server  *Server
	http    *httptest.Server
	install *installTool
	agent   *models.Agent
	conv    *models.Conversation
}

func newGatewayRig(t *testing.T, authCfg config.AuthConfig, brokerCfg broker.Config, scripts ...adapterScript) *gatewayRig {
	t.Helper()

	st := store.NewMemoryStore()
	eventBus := bus.New()
	adapter := &scriptedAdapter{scripts: scripts}
	install := &installTool{}

	registry := tools.NewRegistry()
	err := registry.Register(install, tools.Meta{
		Binding:     tools.BindingShell,
		DefaultRisk: models.RiskMedium,
		Mutating:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	arbiter := approval.NewArbiter(eventBus, approval.DefaultConfig(), nil, nil, nil)
	toolGateway := tools.NewGateway(registry, arbiter, nil, nil)
	mem := memory.NewManager(st, nil)

	if brokerCfg.WorkspaceRoot == "" {
		brokerCfg.WorkspaceRoot = t.TempDir()
	}
	if brokerCfg.WriteBatchBytes == 0 {
		brokerCfg.WriteBatchBytes = 64
	}
	if brokerCfg.WriteBatchInterval == 0 {
		brokerCfg.WriteBatchInterval = 10 * time.Millisecond
	}

	turnBroker := broker.New(broker.Deps{
		Store:     st,
		Bus:       eventBus,
		Assembler: assembler.New(st, mem, nil, registry, assembler.Options{}, nil),
		Engine:    engine.New(adapter, toolGateway, engine.Config{}, nil),
		Memory:    mem,
	}, brokerCfg)

	reg := prometheus.NewRegistry()
	observability.NewMetrics(reg)

	server := New(Deps{
		Broker:   turnBroker,
		Bus:      eventBus,
		Store:    st,
		Arbiter:  arbiter,
		Auth:     NewAuthenticator(authCfg),
		Gatherer: reg,
	}, config.ServerConfig{})

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = turnBroker.Shutdown(ctx)
	})

	agent := &models.Agent{
		ID:           "agent-1",
		OwnerID:      "owner-1",
		ModelID:      "gpt-4o",
		SystemPrompt: "You are a careful coding assistant.",
		MaxTokens:    1024,
		WorkspacePolicy: models.WorkspacePolicy{
			AllowActions:      true,
			AllowContextReads: true,
		},
		MemoryPolicy: models.MemoryPolicy{ShortTermWindow: 4},
	}
	conv := &models.Conversation{ID: "conv-1", OwnerID: "owner-1", AgentID: agent.ID}

	ctx := context.Background()
	if err := st.CreateAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	return &gatewayRig{
		store:   st,
		bus:     eventBus,
		broker:  turnBroker,
		arbiter: arbiter,
		server:  server,
		http:    httpServer,
		install: install,
		agent:   agent,
		conv:    conv,
	}
}

func (r *gatewayRig) postMessage(t *testing.T, conversationID, owner, content string) *http.Response {
	t.Helper()
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, r.http.URL+"/conversations/"+conversationID+"/messages", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	resp, err := r.http.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeAccepted(t *testing.T, resp *http.Response) (string, string) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var out struct {
		TurnID    string `json:"turn_id"`
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.TurnID == "" || out.MessageID == "" {
		t.Fatalf("incomplete accept payload %+v", out)
	}
	return out.TurnID, out.MessageID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(3 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func awaitMessageStatus(t *testing.T, st store.Store, messageID string, want models.MessageStatus) *models.Message {
	t.Helper()
	var msg *models.Message
	waitFor(t, fmt.Sprintf("message %s to reach %s", messageID, want), func() bool {
		current, err := st.GetMessage(context.Background(), messageID)
		if err != nil {
			return false
		}
		msg = current
		return current.Status == want
	})
	return msg
}

func TestCreateMessageReturnsAccepted(t *testing.T) {
	r := newGatewayRig(t, config.AuthConfig{}, broker.Config{},
		adapterScript{prelude: []llm.Chunk{text("Hello "), text("there"), terminal(llm.FinishStop)}})

	resp := r.postMessage(t, r.conv.ID, "owner-1", "Say hello")
	_, messageID := decodeAccepted(t, resp)

	msg := awaitMessageStatus(t, r.store, messageID, models.StatusComplete)
	if msg.Content != "Hello there" {
		t.Errorf("content = %q, want %q", msg.Content, "Hello there")
	}
}

func TestCreateMessageErrors(t *testing.T) {
	r := newGatewayRig(t, config.AuthConfig{}, broker.Config{})

	tests := []struct {
		name    string
		conv    string
		owner   string
		content string
		want    int
	}{
		{"blank content", "conv-1", "owner-1", "   ", http.StatusBadRequest},
		{"unknown conversation", "missing", "owner-1", "hello", http.StatusNotFound},
		{"foreign owner", "conv-1", "intruder", "hello", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := r.postMessage(t, tt.conv, tt.owner, tt.content)
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, r.http.URL+"/conversations/conv-1/messages", strings.NewReader("{"))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set(ownerHeader, "owner-1")
		resp, err := r.http.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		resp, err := r.http.Client().Get(r.http.URL + "/conversations/conv-1/messages")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", resp.StatusCode)
		}
	})
}

func TestStopTurnEndpoint(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	r := newGatewayRig(t, config.AuthConfig{}, broker.Config{},
		adapterScript{prelude: []llm.Chunk{text("thinking ")}, hold: hold})

	resp := r.postMessage(t, r.conv.ID, "owner-1", "long task")
	turnID, messageID := decodeAccepted(t, resp)

	stop, err := http.Post(r.http.URL+"/turns/"+turnID+"/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	stop.Body.Close()
	if stop.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status = %d, want 204", stop.StatusCode)
	}
	awaitMessageStatus(t, r.store, messageID, models.StatusStopped)

	missing, err := http.Post(r.http.URL+"/turns/no-such-turn/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown turn status = %d, want 404", missing.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	r := newGatewayRig(t, config.AuthConfig{}, broker.Config{})

	resp, err := r.http.Client().Get(r.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Errorf("body = %s", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	r := newGatewayRig(t, config.AuthConfig{}, broker.Config{})

	resp, err := r.http.Client().Get(r.http.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Status != "ok" {
		t.Errorf("status field = %q", payload.Status)
	}
	if payload.ActiveTurns != 0 {
		t.Errorf("active turns = %d, want 0", payload.ActiveTurns)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newGatewayRig(t, config.AuthConfig{}, broker.Config{})

	resp, err := r.http.Client().Get(r.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "relay_turns_started_total") {
		t.Error("metrics exposition is missing relay counters")
	}
}

func TestCreateMessageWithAuthEnabled(t *testing.T) {
	authCfg := config.AuthConfig{Enabled: true, JWTSecret: "test-secret"}
	r := newGatewayRig(t, authCfg, broker.Config{},
		adapterScript{prelude: []llm.Chunk{text("ok"), terminal(llm.FinishStop)}})

	body := strings.NewReader(`{"content":"hello"}`)
	req, err := http.NewRequest(http.MethodPost, r.http.URL+"/conversations/conv-1/messages", body)
	if err != nil {
		t.Fatal(err)
	}
	// Owner headers are ignored once bearer auth is on.
	req.Header.Set(ownerHeader, "owner-1")
	resp, err := r.http.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	token, err := r.server.auth.IssueToken("owner-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req, err = http.NewRequest(http.MethodPost, r.http.URL+"/conversations/conv-1/messages", strings.NewReader(`{"content":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = r.http.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_, messageID := decodeAccepted(t, resp)
	awaitMessageStatus(t, r.store, messageID, models.StatusComplete)
}
