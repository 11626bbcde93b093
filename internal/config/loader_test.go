package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", cfg.Engine.MaxIterations)
	}
	if cfg.Bus.SubscriberBuffer != 256 {
		t.Errorf("SubscriberBuffer = %d, want 256", cfg.Bus.SubscriberBuffer)
	}
	if cfg.Tools.ShortCommandTimeout != 30*time.Second {
		t.Errorf("ShortCommandTimeout = %v, want 30s", cfg.Tools.ShortCommandTimeout)
	}
}

func TestLoadYAMLWithInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "engine:\n  max_iterations: 5\nbus:\n  subscriber_buffer: 128\n")
	main := writeFile(t, dir, "relay.yaml", "$include: base.yaml\nbus:\n  subscriber_buffer: 512\n")

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxIterations != 5 {
		t.Errorf("included MaxIterations = %d, want 5", cfg.Engine.MaxIterations)
	}
	if cfg.Bus.SubscriberBuffer != 512 {
		t.Errorf("override SubscriberBuffer = %d, want 512", cfg.Bus.SubscriberBuffer)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	b := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := Load(b); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "relay.json5", `{
  // comments are allowed in json5
  engine: { max_iterations: 7 },
}`)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d, want 7", cfg.Engine.MaxIterations)
	}
}

func TestLoadUnknownKeyFails(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "relay.yaml", "enigne:\n  max_iterations: 5\n")

	if _, err := Load(main); err == nil {
		t.Fatal("expected unknown-key error for typo")
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_WS", "/tmp/ws-12345")
	dir := t.TempDir()
	main := writeFile(t, dir, "relay.yaml", "tools:\n  workspace_root: ${RELAY_TEST_WS}\n")

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tools.WorkspaceRoot != "/tmp/ws-12345" {
		t.Errorf("WorkspaceRoot = %q, want expanded env", cfg.Tools.WorkspaceRoot)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MAX_REACT_ITERATIONS", "9")
	t.Setenv("APPROVAL_TIMEOUT_MS", "15000")
	t.Setenv("LLM_CHUNK_IDLE_TIMEOUT_MS", "45000")
	t.Setenv("SHORT_COMMAND_TIMEOUT_MS", "10000")
	t.Setenv("WORKSPACE_ROOT", "/srv/agent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxIterations != 9 {
		t.Errorf("MaxIterations = %d, want 9", cfg.Engine.MaxIterations)
	}
	if cfg.Approval.CommandTimeout != 15*time.Second {
		t.Errorf("CommandTimeout = %v, want 15s", cfg.Approval.CommandTimeout)
	}
	if cfg.Approval.InstallTimeout != 22500*time.Millisecond {
		t.Errorf("InstallTimeout = %v, want 22.5s", cfg.Approval.InstallTimeout)
	}
	if cfg.Approval.FileOpTimeout != 11250*time.Millisecond {
		t.Errorf("FileOpTimeout = %v, want 11.25s", cfg.Approval.FileOpTimeout)
	}
	if cfg.Approval.GitOpTimeout != 15*time.Second {
		t.Errorf("GitOpTimeout = %v, want 15s", cfg.Approval.GitOpTimeout)
	}
	if cfg.LLM.ChunkIdleTimeout != 45*time.Second {
		t.Errorf("ChunkIdleTimeout = %v, want 45s", cfg.LLM.ChunkIdleTimeout)
	}
	if cfg.Tools.ShortCommandTimeout != 10*time.Second {
		t.Errorf("ShortCommandTimeout = %v, want 10s", cfg.Tools.ShortCommandTimeout)
	}
	if cfg.Tools.WorkspaceRoot != "/srv/agent" {
		t.Errorf("WorkspaceRoot = %q, want /srv/agent", cfg.Tools.WorkspaceRoot)
	}
}

func TestSanitizeRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "dynamo" }},
		{"postgres without url", func(c *Config) { c.Store.Backend = "postgres"; c.Store.URL = "" }},
		{"http executor without url", func(c *Config) { c.Tools.Executor = "http"; c.Tools.ExecutorURL = "" }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = " " }},
		{"max below short timeout", func(c *Config) {
			c.Tools.ShortCommandTimeout = time.Minute
			c.Tools.MaxCommandTimeout = time.Second
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Sanitize(); err == nil {
				t.Error("expected sanitize error")
			}
		})
	}
}

func TestJSONSchemaGenerates(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	if len(schema) == 0 {
		t.Fatal("empty schema")
	}
}
