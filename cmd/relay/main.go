// Package main provides the CLI entry point for the Relay agent execution broker.
//
// Relay drives AI agent turns end to end: it accepts user messages over
// HTTP, assembles model context, streams the reasoning loop over WebSocket,
// gates side-effecting tools behind human approval, and persists every
// message.
//
// # Basic Usage
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Check a running server:
//
//	relay status
//
// Manage database migrations:
//
//	relay migrate up
//	relay migrate status
//
// # Environment Variables
//
//   - RELAY_CONFIG: path to the configuration file (default: relay.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY: shared provider keys
//   - RELAY_SECRET_<OWNER>_<PROVIDER>: per-owner provider keys
//   - WORKSPACE_ROOT: overrides tools.workspace_root
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// defaultConfigName is picked up from the working directory when no
// --config flag or RELAY_CONFIG variable is set.
const defaultConfigName = "relay.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - AI agent execution broker",
		Long: `Relay turns user messages into supervised agent turns: context
assembly, streaming LLM reasoning, tool execution behind risk-based
human approval, and tiered conversation memory.

Clients submit messages over HTTP and watch turns unfold over a
WebSocket event stream.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildStatusCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the flag > environment > working-directory
// precedence. An empty result means built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("RELAY_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

// openDB opens the configured backend as a raw connection for the
// migrator and the status report. Unlike store.OpenSQLite this never
// applies migrations.
func openDB(cfg *config.Config) (*sql.DB, store.Dialect, error) {
	var (
		db      *sql.DB
		dialect store.Dialect
		err     error
	)
	switch cfg.Store.Backend {
	case "", "sqlite":
		if cfg.Store.Path == "" {
			return nil, "", fmt.Errorf("store.path is required for the sqlite backend")
		}
		dialect = store.DialectSQLite
		db, err = sql.Open("sqlite", store.SQLiteDSN(cfg.Store.Path))
	case "postgres":
		if strings.TrimSpace(cfg.Store.URL) == "" {
			return nil, "", fmt.Errorf("store.url is required for the postgres backend")
		}
		dialect = store.DialectPostgres
		db, err = sql.Open("postgres", cfg.Store.URL)
	case "memory":
		return nil, "", fmt.Errorf("the memory backend has no database")
	default:
		return nil, "", fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}

	if cfg.Store.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.Store.MaxConnections)
	}
	if cfg.Store.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Store.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping database: %w", err)
	}
	return db, dialect, nil
}
