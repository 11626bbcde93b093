// Package config defines Relay's configuration surface and its loader.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
)

// Config is the root configuration for the relay binary.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Auth      AuthConfig               `yaml:"auth"`
	Store     StoreConfig              `yaml:"store"`
	LLM       LLMConfig                `yaml:"llm"`
	Secrets   SecretsConfig            `yaml:"secrets"`
	Tools     ToolsConfig              `yaml:"tools"`
	Approval  ApprovalConfig           `yaml:"approval"`
	Engine    EngineConfig             `yaml:"engine"`
	Broker    BrokerConfig             `yaml:"broker"`
	Bus       BusConfig                `yaml:"bus"`
	Memory    MemoryConfig             `yaml:"memory"`
	Knowledge KnowledgeConfig          `yaml:"knowledge"`
	Logging   observability.LogConfig  `yaml:"logging"`
	Tracing   observability.TraceConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP/WS gateway.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// AuthConfig configures bearer-token auth on the gateway. Disabled auth
// trusts the X-Owner-ID header, which is only sane behind a trusted proxy
// or in development.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is sqlite, postgres, or memory.
	Backend string `yaml:"backend"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// URL is the Postgres connection string.
	URL string `yaml:"url"`

	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ProviderConfig configures one LLM backend.
type ProviderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	// Region, AccessKeyID, and SecretAccessKey apply to bedrock only.
	// Leave the keys empty to use the ambient AWS credential chain.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LLMConfig configures the adapter layer.
type LLMConfig struct {
	// Providers maps provider name (ollama|anthropic|openai|bedrock|google)
	// to its settings.
	Providers map[string]ProviderConfig `yaml:"providers"`
	// Models maps model_id to provider name; the static resolution table.
	Models map[string]string `yaml:"models"`
	// DefaultProvider answers model IDs absent from Models.
	DefaultProvider string `yaml:"default_provider"`
	// ChunkIdleTimeout fails a stream that delivers no bytes for this long.
	ChunkIdleTimeout time.Duration `yaml:"chunk_idle_timeout"`
	// ContextWindowTokens is the assumed model context size for budgeting.
	ContextWindowTokens int `yaml:"context_window_tokens"`
}

// SecretsConfig configures per-owner API key resolution.
type SecretsConfig struct {
	// File is an optional YAML file of owner/provider keys, hot-reloaded.
	File string `yaml:"file"`
}

// ToolsConfig configures the executor gateway.
type ToolsConfig struct {
	// WorkspaceRoot is the directory all tool paths resolve within.
	WorkspaceRoot string `yaml:"workspace_root"`
	// Executor is local or http.
	Executor string `yaml:"executor"`
	// ExecutorURL is the MCP-style endpoint when Executor is http.
	ExecutorURL string `yaml:"executor_url"`

	ShortCommandTimeout time.Duration `yaml:"short_command_timeout"`
	MaxCommandTimeout   time.Duration `yaml:"max_command_timeout"`
	DetectionWindow     time.Duration `yaml:"detection_window"`
	MaxOutputBytes      int           `yaml:"max_output_bytes"`
	TerminalLogName     string        `yaml:"terminal_log_name"`
}

// ApprovalConfig configures the arbiter.
type ApprovalConfig struct {
	// CommandTimeout et al. bound how long a human has to answer.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	InstallTimeout time.Duration `yaml:"install_timeout"`
	FileOpTimeout  time.Duration `yaml:"file_op_timeout"`
	GitOpTimeout   time.Duration `yaml:"git_op_timeout"`
}

// EngineConfig configures the reasoning loop.
type EngineConfig struct {
	MaxIterations   int  `yaml:"max_iterations"`
	PlanningEnabled bool `yaml:"planning_enabled"`
}

// BrokerConfig configures the turn coordinator.
type BrokerConfig struct {
	// MaxConcurrentTurns caps in-flight turns; 0 means min(4*CPU, 64).
	MaxConcurrentTurns int `yaml:"max_concurrent_turns"`
	// DisconnectStopsTurn cancels a turn when its last subscriber leaves.
	DisconnectStopsTurn bool `yaml:"disconnect_stops_turn"`
	// WriteBatchBytes / WriteBatchInterval tune the delta flusher.
	WriteBatchBytes    int           `yaml:"write_batch_bytes"`
	WriteBatchInterval time.Duration `yaml:"write_batch_interval"`
	// IdempotencyWindow dedupes identical message posts.
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`
}

// BusConfig configures per-subscriber buffering.
type BusConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// MemoryConfig configures the tiered memory manager.
type MemoryConfig struct {
	// ConsolidationSchedule is a cron expression for the sweeper.
	ConsolidationSchedule string `yaml:"consolidation_schedule"`
	ConsolidationEnabled  bool   `yaml:"consolidation_enabled"`
}

// KnowledgeConfig configures the external retriever client.
type KnowledgeConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a fully populated config with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Auth: AuthConfig{Enabled: false},
		Store: StoreConfig{
			Backend:         "sqlite",
			Path:            "relay.db",
			MaxConnections:  10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		LLM: LLMConfig{
			Providers: map[string]ProviderConfig{
				"ollama": {Enabled: true, BaseURL: "http://localhost:11434"},
			},
			Models:              map[string]string{},
			DefaultProvider:     "ollama",
			ChunkIdleTimeout:    30 * time.Second,
			ContextWindowTokens: 128000,
		},
		Tools: ToolsConfig{
			WorkspaceRoot:       "./workspace",
			Executor:            "local",
			ShortCommandTimeout: 30 * time.Second,
			MaxCommandTimeout:   300 * time.Second,
			DetectionWindow:     3 * time.Second,
			MaxOutputBytes:      64000,
			TerminalLogName:     ".agent-terminal.log",
		},
		Approval: ApprovalConfig{
			CommandTimeout: 60 * time.Second,
			InstallTimeout: 90 * time.Second,
			FileOpTimeout:  45 * time.Second,
			GitOpTimeout:   60 * time.Second,
		},
		Engine: EngineConfig{
			MaxIterations:   3,
			PlanningEnabled: true,
		},
		Broker: BrokerConfig{
			MaxConcurrentTurns: 0,
			WriteBatchBytes:    1024,
			WriteBatchInterval: 500 * time.Millisecond,
			IdempotencyWindow:  2 * time.Second,
		},
		Bus: BusConfig{SubscriberBuffer: 256},
		Memory: MemoryConfig{
			ConsolidationSchedule: "@every 10m",
			ConsolidationEnabled:  true,
		},
		Knowledge: KnowledgeConfig{Timeout: 5 * time.Second},
		Logging:   observability.DefaultLogConfig(),
		Tracing:   observability.TraceConfig{ServiceName: "relay"},
	}
}

// Sanitize fills zero values with defaults and validates cross-field
// constraints. Called after every load.
func (c *Config) Sanitize() error {
	def := Default()

	if c.Server.HTTPPort <= 0 {
		c.Server.HTTPPort = def.Server.HTTPPort
	}
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}

	switch c.Store.Backend {
	case "":
		c.Store.Backend = def.Store.Backend
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Store.Backend == "postgres" && c.Store.URL == "" {
		return fmt.Errorf("store.url is required for the postgres backend")
	}
	if c.Store.MaxConnections <= 0 {
		c.Store.MaxConnections = def.Store.MaxConnections
	}
	if c.Store.ConnMaxLifetime <= 0 {
		c.Store.ConnMaxLifetime = def.Store.ConnMaxLifetime
	}

	if c.LLM.ChunkIdleTimeout <= 0 {
		c.LLM.ChunkIdleTimeout = def.LLM.ChunkIdleTimeout
	}
	if c.LLM.ContextWindowTokens <= 0 {
		c.LLM.ContextWindowTokens = def.LLM.ContextWindowTokens
	}
	if c.LLM.DefaultProvider == "" {
		c.LLM.DefaultProvider = def.LLM.DefaultProvider
	}
	if c.LLM.Models == nil {
		c.LLM.Models = map[string]string{}
	}

	if c.Tools.WorkspaceRoot == "" {
		c.Tools.WorkspaceRoot = def.Tools.WorkspaceRoot
	}
	switch c.Tools.Executor {
	case "":
		c.Tools.Executor = def.Tools.Executor
	case "local", "http":
	default:
		return fmt.Errorf("unknown tools executor %q", c.Tools.Executor)
	}
	if c.Tools.Executor == "http" && c.Tools.ExecutorURL == "" {
		return fmt.Errorf("tools.executor_url is required for the http executor")
	}
	if c.Tools.ShortCommandTimeout <= 0 {
		c.Tools.ShortCommandTimeout = def.Tools.ShortCommandTimeout
	}
	if c.Tools.MaxCommandTimeout <= 0 {
		c.Tools.MaxCommandTimeout = def.Tools.MaxCommandTimeout
	}
	if c.Tools.MaxCommandTimeout < c.Tools.ShortCommandTimeout {
		return fmt.Errorf("tools.max_command_timeout must be >= short_command_timeout")
	}
	if c.Tools.DetectionWindow <= 0 {
		c.Tools.DetectionWindow = def.Tools.DetectionWindow
	}
	if c.Tools.MaxOutputBytes <= 0 {
		c.Tools.MaxOutputBytes = def.Tools.MaxOutputBytes
	}
	if c.Tools.TerminalLogName == "" {
		c.Tools.TerminalLogName = def.Tools.TerminalLogName
	}

	if c.Approval.CommandTimeout <= 0 {
		c.Approval.CommandTimeout = def.Approval.CommandTimeout
	}
	if c.Approval.InstallTimeout <= 0 {
		c.Approval.InstallTimeout = def.Approval.InstallTimeout
	}
	if c.Approval.FileOpTimeout <= 0 {
		c.Approval.FileOpTimeout = def.Approval.FileOpTimeout
	}
	if c.Approval.GitOpTimeout <= 0 {
		c.Approval.GitOpTimeout = def.Approval.GitOpTimeout
	}

	if c.Engine.MaxIterations <= 0 {
		c.Engine.MaxIterations = def.Engine.MaxIterations
	}

	if c.Broker.MaxConcurrentTurns <= 0 {
		c.Broker.MaxConcurrentTurns = defaultTurnBudget()
	}
	if c.Broker.WriteBatchBytes <= 0 {
		c.Broker.WriteBatchBytes = def.Broker.WriteBatchBytes
	}
	if c.Broker.WriteBatchInterval <= 0 {
		c.Broker.WriteBatchInterval = def.Broker.WriteBatchInterval
	}
	if c.Broker.IdempotencyWindow <= 0 {
		c.Broker.IdempotencyWindow = def.Broker.IdempotencyWindow
	}

	if c.Bus.SubscriberBuffer <= 0 {
		c.Bus.SubscriberBuffer = def.Bus.SubscriberBuffer
	}
	if c.Memory.ConsolidationSchedule == "" {
		c.Memory.ConsolidationSchedule = def.Memory.ConsolidationSchedule
	}
	if c.Knowledge.Timeout <= 0 {
		c.Knowledge.Timeout = def.Knowledge.Timeout
	}

	return nil
}

// ApplyEnv overlays the core environment variables onto the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MAX_REACT_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxIterations = n
		}
	}
	if v := os.Getenv("APPROVAL_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			d := time.Duration(ms) * time.Millisecond
			// Kind timeouts keep their ratios to the command base:
			// install 1.5x, file ops 0.75x, git ops 1x.
			c.Approval.CommandTimeout = d
			c.Approval.InstallTimeout = d * 3 / 2
			c.Approval.FileOpTimeout = d * 3 / 4
			c.Approval.GitOpTimeout = d
		}
	}
	if v := os.Getenv("LLM_CHUNK_IDLE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.LLM.ChunkIdleTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SHORT_COMMAND_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Tools.ShortCommandTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		c.Tools.WorkspaceRoot = v
	}
}

// defaultTurnBudget sizes the in-flight turn cap to the host.
func defaultTurnBudget() int {
	budget := runtime.NumCPU() * 4
	if budget > 64 {
		budget = 64
	}
	if budget < 4 {
		budget = 4
	}
	return budget
}
