package observability

import (
	"context"
	"strings"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"info", false},
		{"warn", false},
		{"warning", false},
		{"error", false},
		{"", false},
		{"verbose", true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			_, err := NewLogger(LogConfig{Level: tt.level})
			if (err != nil) != tt.wantErr {
				t.Errorf("NewLogger(level=%q) err = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
		})
	}
}

func TestRedactString(t *testing.T) {
	logger, err := NewLogger(DefaultLogConfig())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	tests := []struct {
		name  string
		in    string
		leaks string
	}{
		{"api key", "key is sk-abc123def456ghi789jkl", "sk-abc123"},
		{"bearer token", "Authorization: Bearer abc.def.ghi", "abc.def.ghi"},
		{"jwt", "token eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxMjMifQ", "eyJhbGciOiJIUzI1NiJ9"},
		{"hex secret", "secret 0123456789abcdef0123456789abcdef", "0123456789abcdef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := logger.RedactString(tt.in)
			if strings.Contains(got, tt.leaks) {
				t.Errorf("RedactString(%q) = %q, still contains secret", tt.in, got)
			}
			if !strings.Contains(got, "[REDACTED]") {
				t.Errorf("RedactString(%q) = %q, no redaction marker", tt.in, got)
			}
		})
	}
}

func TestRedactStringKeepsPlainText(t *testing.T) {
	logger, err := NewLogger(DefaultLogConfig())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	in := "turn completed in 1.2s with 3 tool calls"
	if got := logger.RedactString(in); got != in {
		t.Errorf("RedactString altered plain text: %q", got)
	}
}

func TestWithContextAnnotation(t *testing.T) {
	logger, err := NewLogger(DefaultLogConfig())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	ctx := ContextWith(context.Background(), ConversationIDKey, "conv-42")
	ctx = ContextWith(ctx, TurnIDKey, "turn-17")

	// Annotated logger must be a distinct instance carrying the IDs.
	annotated := logger.WithContext(ctx)
	if annotated == logger.Slog() {
		t.Error("WithContext returned the bare logger despite context IDs")
	}

	bare := logger.WithContext(context.Background())
	if bare != logger.Slog() {
		t.Error("WithContext without IDs should return the bare logger")
	}
}
