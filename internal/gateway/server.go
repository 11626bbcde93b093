// Package gateway exposes the relay over HTTP and WebSocket: turn
// submission, turn stop, the streaming event surface, and the health,
// status, and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/store"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// Deps carries the server's collaborators. Broker, Bus, and Store are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Broker   *broker.Broker
	Bus      *bus.Bus
	Store    store.Store
	Arbiter  *approval.Arbiter
	Router   *llm.Router
	Auth     *Authenticator
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the relay's client-facing edge.
type Server struct {
	cfg      config.ServerConfig
	broker   *broker.Broker
	bus      *bus.Bus
	store    store.Store
	arbiter  *approval.Arbiter
	router   *llm.Router
	auth     *Authenticator
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	upgrader websocket.Upgrader
	started  time.Time

	mu       sync.Mutex
	sessions map[*wsSession]struct{}

	httpServer    *http.Server
	httpListener  net.Listener
	metricsServer *http.Server
}

func New(deps Deps, cfg config.ServerConfig) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := deps.Auth
	if auth == nil {
		auth = NewAuthenticator(config.AuthConfig{})
	}
	return &Server{
		cfg:      cfg,
		broker:   deps.Broker,
		bus:      deps.Bus,
		store:    deps.Store,
		arbiter:  deps.Arbiter,
		router:   deps.Router,
		auth:     auth,
		gatherer: deps.Gatherer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		started:  time.Now(),
		sessions: make(map[*wsSession]struct{}),
	}
}

// Handler builds the client-facing route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/conversations/", s.handleConversations)
	mux.HandleFunc("/turns/", s.handleTurns)
	mux.HandleFunc("/ws", s.handleWS)
	if s.cfg.MetricsPort <= 0 || s.cfg.MetricsPort == s.cfg.HTTPPort {
		mux.Handle("/metrics", s.metricsHandler())
	}
	return s.logRequests(mux)
}

// Start binds the listeners and serves in the background. A separate
// metrics listener is used when metrics_port differs from http_port.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", listener.Addr().String())

	if s.cfg.MetricsPort > 0 && s.cfg.MetricsPort != s.cfg.HTTPPort {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metricsHandler())
		metricsMux.HandleFunc("/healthz", s.handleHealthz)
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
		s.logger.Info("metrics listening", "addr", s.metricsServer.Addr)
	}
	return nil
}

// Addr reports the bound address of the main listener.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Shutdown closes every live socket and drains the HTTP servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	open := make([]*wsSession, 0, len(s.sessions))
	for session := range s.sessions {
		open = append(open, session)
	}
	s.mu.Unlock()
	for _, session := range open {
		session.stop()
	}

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) metricsHandler() http.Handler {
	if s.gatherer != nil {
		return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// handleConversations serves POST /conversations/{id}/messages.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "messages" {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	owner, err := s.auth.Authenticate(r)
	if err != nil {
		jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "malformed request body", http.StatusBadRequest)
		return
	}

	turnID, messageID, err := s.broker.RunTurn(r.Context(), parts[0], owner, body.Content)
	if err != nil {
		s.writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"turn_id":    turnID,
		"message_id": messageID,
	})
}

// handleTurns serves POST /turns/{id}/stop.
func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/turns/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "stop" {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.auth.Authenticate(r); err != nil {
		jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.broker.Stop(parts[0]) {
		jsonError(w, "no such turn", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

type statusPayload struct {
	Status      string   `json:"status"`
	UptimeMS    int64    `json:"uptime_ms"`
	ActiveTurns int      `json:"active_turns"`
	Providers   []string `json:"providers,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := statusPayload{
		Status:   "ok",
		UptimeMS: time.Since(s.started).Milliseconds(),
	}
	if s.broker != nil {
		payload.ActiveTurns = s.broker.ActiveTurns()
	}
	if s.router != nil {
		payload.Providers = s.router.Providers()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrEmptyMessage):
		jsonError(w, "message content is required", http.StatusBadRequest)
	case errors.Is(err, broker.ErrForbidden):
		jsonError(w, "conversation belongs to another owner", http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound):
		jsonError(w, "conversation not found", http.StatusNotFound)
	case errors.Is(err, broker.ErrShutdown):
		jsonError(w, "shutting down", http.StatusServiceUnavailable)
	default:
		s.logger.Error("turn submission failed", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) addSession(session *wsSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session] = struct{}{}
}

func (s *Server) dropSession(session *wsSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}
