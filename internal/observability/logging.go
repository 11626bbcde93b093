// Package observability provides structured logging, metrics, and tracing
// for Relay.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ContextKey is the type for context values carried into log records.
type ContextKey string

const (
	// RequestIDKey carries the inbound HTTP/WS request ID.
	RequestIDKey ContextKey = "request_id"
	// ConversationIDKey carries the conversation being served.
	ConversationIDKey ContextKey = "conversation_id"
	// TurnIDKey carries the active turn.
	TurnIDKey ContextKey = "turn_id"
	// OwnerIDKey carries the authenticated owner.
	OwnerIDKey ContextKey = "owner_id"
)

// LogConfig configures the logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
	// Output is stdout, stderr, or a file path.
	Output string `yaml:"output"`
	// AddSource includes file:line in records.
	AddSource bool `yaml:"add_source"`
	// RedactPatterns are extra regexes whose matches are masked.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// DefaultLogConfig returns the production defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}
}

// defaultRedactPatterns mask common secret shapes: provider API keys, bearer
// tokens, JWTs, and long hex strings.
var defaultRedactPatterns = []string{
	`sk-[A-Za-z0-9_-]{16,}`,
	`(?i)bearer\s+[A-Za-z0-9._-]+`,
	`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9._-]{10,}`,
	`\b[0-9a-fA-F]{32,}\b`,
}

// Logger wraps slog with secret redaction and context-aware fields.
type Logger struct {
	logger  *slog.Logger
	config  LogConfig
	redacts []*regexp.Regexp
}

// NewLogger builds a Logger from config. Invalid levels or unwritable
// outputs are errors; redact patterns that fail to compile are skipped.
func NewLogger(config LogConfig) (*Logger, error) {
	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", config.Level)
	}

	var out io.Writer
	switch config.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: config.AddSource}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	patterns := append(append([]string{}, defaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		redacts = append(redacts, re)
	}

	return &Logger{
		logger:  slog.New(handler),
		config:  config,
		redacts: redacts,
	}, nil
}

// Slog exposes the underlying slog.Logger for components that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// WithContext returns a slog.Logger annotated with the IDs present in ctx.
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	logger := l.logger
	for _, key := range []ContextKey{RequestIDKey, ConversationIDKey, TurnIDKey, OwnerIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			logger = logger.With(string(key), v)
		}
	}
	return logger
}

// Debug logs at debug level with redacted args.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, l.redactArgs(args)...)
}

// Info logs at info level with redacted args.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, l.redactArgs(args)...)
}

// Warn logs at warn level with redacted args.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, l.redactArgs(args)...)
}

// Error logs at error level with redacted args.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, l.redactArgs(args)...)
}

func (l *Logger) redactArgs(args []any) []any {
	if len(l.redacts) == 0 {
		return args
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = l.redactValue(a)
	}
	return out
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.RedactString(val)
	case error:
		if val == nil {
			return val
		}
		return l.RedactString(val.Error())
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, mv := range val {
			out[k] = l.redactValue(mv)
		}
		return out
	default:
		return v
	}
}

// RedactString masks every secret-shaped substring in s.
func (l *Logger) RedactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// ContextWith returns ctx annotated with a typed ID value.
func ContextWith(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}
