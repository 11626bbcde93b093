package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/assembler"
	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/knowledge"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/llm/providers"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/secrets"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/tools/catalog"
	"github.com/haasonsaas/relay/internal/tools/shell"
)

// runServe wires every component and blocks until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	log := logger.Slog()
	slog.SetDefault(log)

	log.Info("configuration loaded",
		"path", configPath,
		"store", cfg.Store.Backend,
		"http_port", cfg.Server.HTTPPort,
		"metrics_port", cfg.Server.MetricsPort,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(metricsReg)
	tracer, stopTracer := observability.NewTracer(cfg.Tracing)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	eventBus := bus.New(
		bus.WithBufferSize(cfg.Bus.SubscriberBuffer),
		bus.WithLogger(log),
		bus.WithMetrics(metrics),
	)

	runner, err := buildRunner(cfg.Tools)
	if err != nil {
		return err
	}
	toolRegistry := catalog.New(catalog.Config{
		Runner: runner,
		Exec: shell.ExecConfig{
			ShortCommandTimeout: cfg.Tools.ShortCommandTimeout,
			MaxCommandTimeout:   cfg.Tools.MaxCommandTimeout,
			DetectionWindow:     cfg.Tools.DetectionWindow,
		},
		MaxReadBytes: cfg.Tools.MaxOutputBytes,
	})

	arbiter := approval.NewArbiter(eventBus, approval.Config{
		CommandTimeout: cfg.Approval.CommandTimeout,
		InstallTimeout: cfg.Approval.InstallTimeout,
		FileOpTimeout:  cfg.Approval.FileOpTimeout,
		GitOpTimeout:   cfg.Approval.GitOpTimeout,
	}, st, log, metrics)

	toolGateway := tools.NewGateway(toolRegistry, arbiter, log, metrics)

	secretStore, closeSecrets, err := buildSecrets(ctx, cfg.Secrets, log)
	if err != nil {
		return err
	}

	router := llm.NewRouter(llm.RouterConfig{
		Models:           cfg.LLM.Models,
		DefaultProvider:  cfg.LLM.DefaultProvider,
		ChunkIdleTimeout: cfg.LLM.ChunkIdleTimeout,
	}, secretStore, buildFactories(cfg.LLM), log, metrics)

	mem := memory.NewManager(st, log)

	var retriever knowledge.Retriever
	if cfg.Knowledge.URL != "" {
		retriever = knowledge.NewHTTPRetriever(cfg.Knowledge.URL, cfg.Knowledge.Timeout, nil)
	}

	asm := assembler.New(st, mem, retriever, toolRegistry, assembler.Options{
		ContextWindowTokens: cfg.LLM.ContextWindowTokens,
	}, log)

	eng := engine.New(router, toolGateway, engine.Config{
		MaxIterations:   cfg.Engine.MaxIterations,
		DisablePlanning: !cfg.Engine.PlanningEnabled,
	}, log)

	var sweeper *memory.Sweeper
	if cfg.Memory.ConsolidationEnabled {
		sweeper = memory.NewSweeper(st, cfg.Memory.ConsolidationSchedule, log)
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start memory sweeper: %w", err)
		}
	}

	brk := broker.New(broker.Deps{
		Store:     st,
		Bus:       eventBus,
		Assembler: asm,
		Engine:    eng,
		Memory:    mem,
		Sweeper:   sweeper,
		Metrics:   metrics,
		Tracer:    tracer,
		Logger:    log,
	}, broker.Config{
		MaxConcurrentTurns:  cfg.Broker.MaxConcurrentTurns,
		WorkspaceRoot:       cfg.Tools.WorkspaceRoot,
		WriteBatchBytes:     cfg.Broker.WriteBatchBytes,
		WriteBatchInterval:  cfg.Broker.WriteBatchInterval,
		IdempotencyWindow:   cfg.Broker.IdempotencyWindow,
		TerminalLogName:     cfg.Tools.TerminalLogName,
		DisconnectStopsTurn: cfg.Broker.DisconnectStopsTurn,
	})

	server := gateway.New(gateway.Deps{
		Broker:   brk,
		Bus:      eventBus,
		Store:    st,
		Arbiter:  arbiter,
		Router:   router,
		Auth:     gateway.NewAuthenticator(cfg.Auth),
		Gatherer: metricsReg,
		Logger:   log,
	}, cfg.Server)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	log.Info("relay started", "version", version, "addr", server.Addr())

	<-ctx.Done()
	log.Info("shutdown signal received, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
	}
	if err := brk.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("broker shutdown: %w", err))
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	if closeSecrets != nil {
		if err := closeSecrets(); err != nil {
			errs = append(errs, fmt.Errorf("secret store close: %w", err))
		}
	}
	if err := st.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if err := stopTracer(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	log.Info("relay stopped gracefully")
	return nil
}

// openStore opens the configured persistence backend. SQLite and
// Postgres apply pending migrations on open.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "sqlite":
		log.Info("opening sqlite store", "path", cfg.Store.Path)
		return store.OpenSQLite(ctx, cfg.Store.Path)
	case "postgres":
		pool := store.DefaultPostgresConfig()
		if cfg.Store.MaxConnections > 0 {
			pool.MaxOpenConns = cfg.Store.MaxConnections
		}
		if cfg.Store.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Store.ConnMaxLifetime
		}
		log.Info("opening postgres store")
		return store.OpenPostgres(ctx, cfg.Store.URL, pool)
	case "memory":
		log.Warn("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}

// buildRunner selects the command executor for shell-bound tools.
func buildRunner(cfg config.ToolsConfig) (shell.Runner, error) {
	switch cfg.Executor {
	case "", "local":
		return shell.NewLocalRunner(cfg.MaxOutputBytes), nil
	case "http":
		if strings.TrimSpace(cfg.ExecutorURL) == "" {
			return nil, fmt.Errorf("tools.executor_url is required for the http executor")
		}
		return shell.NewHTTPRunner(cfg.ExecutorURL, nil), nil
	default:
		return nil, fmt.Errorf("unknown tools executor: %s", cfg.Executor)
	}
}

// buildFactories turns the provider config map into router factories.
func buildFactories(cfg config.LLMConfig) []llm.Factory {
	var factories []llm.Factory
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		switch name {
		case "ollama":
			factories = append(factories, &providers.OllamaFactory{BaseURL: pc.BaseURL})
		case "anthropic":
			factories = append(factories, &providers.AnthropicFactory{BaseURL: pc.BaseURL})
		case "openai":
			factories = append(factories, &providers.OpenAIFactory{BaseURL: pc.BaseURL})
		case "bedrock":
			factories = append(factories, &providers.BedrockFactory{
				Region:          pc.Region,
				AccessKeyID:     pc.AccessKeyID,
				SecretAccessKey: pc.SecretAccessKey,
			})
		case "google":
			factories = append(factories, &providers.GoogleFactory{})
		default:
			slog.Warn("unknown llm provider in config, skipping", "provider", name)
		}
	}
	return factories
}

// buildSecrets assembles the credential chain: optional hot-reloaded key
// file first, environment variables as the fallback. The returned closer
// is nil when no file store is involved.
func buildSecrets(ctx context.Context, cfg config.SecretsConfig, log *slog.Logger) (secrets.Store, func() error, error) {
	env := secrets.NewEnvStore()
	if strings.TrimSpace(cfg.File) == "" {
		return env, nil, nil
	}
	fileStore, err := secrets.NewFileStore(cfg.File, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open secrets file: %w", err)
	}
	if err := fileStore.StartWatching(ctx); err != nil {
		log.Warn("secrets file watch unavailable, hot reload disabled", "error", err)
	}
	return secrets.Chain{fileStore, env}, fileStore.Close, nil
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	slog.Info("running database migrations", "config", configPath, "steps", steps)

	migrator, db, err := openMigrator(configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}
	slog.Info("migrations completed successfully")
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	slog.Warn("rolling back migrations", "config", configPath, "steps", steps)

	migrator, db, err := openMigrator(configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	reverted, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(reverted) == 0 {
		slog.Info("no migrations to roll back")
		return nil
	}
	for _, id := range reverted {
		slog.Info("rolled back migration", "id", id)
	}
	return nil
}

// runMigrateStatus handles the migrate status command.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	migrator, db, err := openMigrator(configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Applied migrations: %d\n", len(applied))
	for _, m := range applied {
		fmt.Fprintf(out, "  %s (applied %s)\n", m.ID, m.AppliedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Pending migrations: %d\n", len(pending))
	for _, m := range pending {
		fmt.Fprintf(out, "  %s\n", m.ID)
	}
	return nil
}

func openMigrator(configPath string) (*store.Migrator, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, dialect, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := store.NewMigrator(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, db, nil
}

// serverStatus mirrors the gateway's GET /status payload.
type serverStatus struct {
	Status      string   `json:"status"`
	UptimeMS    int64    `json:"uptime_ms"`
	ActiveTurns int      `json:"active_turns"`
	Providers   []string `json:"providers,omitempty"`
}

// runStatus handles the status command: server health over HTTP plus
// approval audit counts from the store.
func runStatus(ctx context.Context, out io.Writer, configPath, serverAddr string, jsonOutput bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	baseURL := strings.TrimRight(serverAddr, "/")
	if baseURL == "" {
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		baseURL = fmt.Sprintf("http://%s:%d", host, cfg.Server.HTTPPort)
	}

	status, statusErr := fetchServerStatus(ctx, baseURL)
	counts, countsErr := approvalCounts(ctx, cfg)

	if jsonOutput {
		payload := struct {
			Version     string         `json:"version"`
			Commit      string         `json:"commit"`
			Built       string         `json:"built"`
			Server      *serverStatus  `json:"server,omitempty"`
			ServerError string         `json:"server_error,omitempty"`
			Approvals   map[string]int `json:"approvals,omitempty"`
			AuditError  string         `json:"audit_error,omitempty"`
		}{Version: version, Commit: commit, Built: date, Server: status, Approvals: counts}
		if statusErr != nil {
			payload.ServerError = statusErr.Error()
		}
		if countsErr != nil {
			payload.AuditError = countsErr.Error()
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	fmt.Fprintln(out, "RELAY STATUS")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Version: %s (commit: %s)\n", version, commit)
	fmt.Fprintf(out, "Built: %s\n", date)
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Server (%s)\n", baseURL)
	if statusErr != nil {
		fmt.Fprintf(out, "   Unreachable: %v\n", statusErr)
	} else {
		fmt.Fprintf(out, "   Status: %s\n", status.Status)
		fmt.Fprintf(out, "   Uptime: %s\n", (time.Duration(status.UptimeMS) * time.Millisecond).Round(time.Second))
		fmt.Fprintf(out, "   Active turns: %d\n", status.ActiveTurns)
		if len(status.Providers) > 0 {
			fmt.Fprintf(out, "   Providers: %s\n", strings.Join(status.Providers, ", "))
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Approvals")
	switch {
	case countsErr != nil:
		fmt.Fprintf(out, "   Unavailable: %v\n", countsErr)
	case len(counts) == 0:
		fmt.Fprintln(out, "   No decisions recorded.")
	default:
		decisions := make([]string, 0, len(counts))
		for decision := range counts {
			decisions = append(decisions, decision)
		}
		sort.Strings(decisions)
		for _, decision := range decisions {
			fmt.Fprintf(out, "   %s: %d\n", decision, counts[decision])
		}
	}

	return nil
}

func fetchServerStatus(ctx context.Context, baseURL string) (*serverStatus, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var status serverStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

// approvalCounts reads decision totals from the audit table. The memory
// backend keeps audit in-process, so there is nothing to read here.
func approvalCounts(ctx context.Context, cfg *config.Config) (map[string]int, error) {
	if cfg.Store.Backend == "memory" {
		return nil, fmt.Errorf("the memory backend keeps audit in-process")
	}
	st, err := openStore(ctx, cfg, slog.Default())
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.ApprovalCounts(ctx)
}

// runConfigSchema prints the JSON Schema for the config file format.
func runConfigSchema(out io.Writer) error {
	data, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
