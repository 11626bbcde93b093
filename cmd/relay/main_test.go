package main

import (
	"path/filepath"
	"testing"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/store"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "migrate", "status", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Run("flag wins", func(t *testing.T) {
		t.Setenv("RELAY_CONFIG", "/env/relay.yaml")
		if got := resolveConfigPath("/flag/relay.yaml"); got != "/flag/relay.yaml" {
			t.Fatalf("resolveConfigPath = %q, want flag value", got)
		}
	})
	t.Run("environment fallback", func(t *testing.T) {
		t.Setenv("RELAY_CONFIG", "/env/relay.yaml")
		if got := resolveConfigPath(""); got != "/env/relay.yaml" {
			t.Fatalf("resolveConfigPath = %q, want env value", got)
		}
	})
	t.Run("defaults when unset", func(t *testing.T) {
		t.Setenv("RELAY_CONFIG", "")
		if got := resolveConfigPath("  "); got != "" {
			t.Fatalf("resolveConfigPath = %q, want empty", got)
		}
	})
}

func TestBuildFactories(t *testing.T) {
	cfg := config.LLMConfig{Providers: map[string]config.ProviderConfig{
		"ollama":    {Enabled: true, BaseURL: "http://localhost:11434"},
		"anthropic": {Enabled: true},
		"openai":    {Enabled: false},
		"bogus":     {Enabled: true},
	}}

	factories := buildFactories(cfg)

	names := map[string]bool{}
	for _, f := range factories {
		names[f.Name()] = true
	}
	if len(factories) != 2 || !names["ollama"] || !names["anthropic"] {
		t.Fatalf("factories = %v, want exactly ollama and anthropic", names)
	}
}

func TestOpenDB(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		cfg := config.Default()
		cfg.Store.Path = filepath.Join(t.TempDir(), "relay.db")

		db, dialect, err := openDB(cfg)
		if err != nil {
			t.Fatalf("openDB: %v", err)
		}
		defer db.Close()
		if dialect != store.DialectSQLite {
			t.Fatalf("dialect = %q, want sqlite", dialect)
		}
	})
	t.Run("memory backend has no database", func(t *testing.T) {
		cfg := config.Default()
		cfg.Store.Backend = "memory"
		if _, _, err := openDB(cfg); err == nil {
			t.Fatal("expected error for memory backend")
		}
	})
	t.Run("unknown backend", func(t *testing.T) {
		cfg := config.Default()
		cfg.Store.Backend = "cockroach"
		if _, _, err := openDB(cfg); err == nil {
			t.Fatal("expected error for unknown backend")
		}
	})
}

func TestBuildRunner(t *testing.T) {
	if _, err := buildRunner(config.ToolsConfig{Executor: "local"}); err != nil {
		t.Fatalf("local runner: %v", err)
	}
	if _, err := buildRunner(config.ToolsConfig{Executor: "http"}); err == nil {
		t.Fatal("http executor without url should fail")
	}
	if _, err := buildRunner(config.ToolsConfig{Executor: "http", ExecutorURL: "http://executor:8088"}); err != nil {
		t.Fatalf("http runner: %v", err)
	}
	if _, err := buildRunner(config.ToolsConfig{Executor: "firecracker"}); err == nil {
		t.Fatal("unknown executor should fail")
	}
}
