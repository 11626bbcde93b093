package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TerminalLogName is the append-only activity file kept inside the
// working directory so users can follow tool activity from a shell.
const TerminalLogName = ".agent-terminal.log"

// terminalLogMaxBytes caps the activity file. A full log rotates to
// <name>.1 and starts fresh, keeping one previous generation.
const terminalLogMaxBytes = 1 << 20

// TerminalLog appends human-readable lines for each tool invocation.
type TerminalLog struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxBytes int64
}

// OpenTerminalLog opens (creating if needed) the terminal log inside dir.
// An empty name uses TerminalLogName.
func OpenTerminalLog(dir, name string) (*TerminalLog, error) {
	if name == "" {
		name = TerminalLogName
	}
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open terminal log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat terminal log: %w", err)
	}
	return &TerminalLog{path: path, file: file, size: info.Size(), maxBytes: terminalLogMaxBytes}, nil
}

// Command records the start of an invocation.
func (t *TerminalLog) Command(toolName, preview string) {
	if preview == "" {
		t.line("$ %s", toolName)
		return
	}
	t.line("$ %s %s", toolName, preview)
}

// Result records the outcome of an invocation.
func (t *TerminalLog) Result(toolName string, success bool, detail string, elapsed time.Duration) {
	mark := "ok"
	if !success {
		mark = "failed"
	}
	if detail != "" {
		t.line("%s %s: %s (%s)", mark, toolName, detail, elapsed.Round(time.Millisecond))
		return
	}
	t.line("%s %s (%s)", mark, toolName, elapsed.Round(time.Millisecond))
}

func (t *TerminalLog) line(format string, args ...any) {
	if t == nil || t.file == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.size >= t.maxBytes {
		t.rotate()
	}
	stamp := time.Now().UTC().Format("15:04:05")
	n, _ := fmt.Fprintf(t.file, "[%s] "+format+"\n", append([]any{stamp}, args...)...)
	t.size += int64(n)
}

// rotate swaps in a fresh file once the cap is hit. Any failure keeps
// the current handle so lines are never dropped.
func (t *TerminalLog) rotate() {
	if err := os.Rename(t.path, t.path+".1"); err != nil {
		return
	}
	fresh, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	t.file.Close()
	t.file = fresh
	t.size = 0
}

// Close flushes and closes the log file.
func (t *TerminalLog) Close() error {
	if t == nil || t.file == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.file.Close()
	t.file = nil
	return err
}
