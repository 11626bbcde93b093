// Package shell runs workspace commands for the execute_command tool.
package shell

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Request describes one command invocation.
type Request struct {
	Command string
	// Dir is the absolute working directory.
	Dir string
	Env map[string]string
	// Timeout is the wall-clock limit for a synchronous run.
	Timeout time.Duration
	// Detach keeps the process running after the capture window; used for
	// dev servers and watchers that never exit.
	Detach bool
	// CaptureWindow is how long a detached run collects output before
	// returning.
	CaptureWindow time.Duration
}

// Result summarizes one run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	PID      int
	// Detached reports that the process was left running.
	Detached bool
	// TimedOut reports that the wall-clock limit killed the process.
	TimedOut bool
}

// Runner executes commands. Implementations run locally or proxy to a
// remote executor.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

const (
	// termGrace is how long a process gets between SIGTERM and SIGKILL.
	termGrace = 2 * time.Second

	defaultMaxOutput     = 64000
	defaultCaptureWindow = 3 * time.Second
)

// LocalRunner executes commands on the host via /bin/sh.
type LocalRunner struct {
	maxOutput int
}

// NewLocalRunner creates a host runner. maxOutput caps captured bytes per
// stream; zero means the default.
func NewLocalRunner(maxOutput int) *LocalRunner {
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &LocalRunner{maxOutput: maxOutput}
}

func (r *LocalRunner) Run(ctx context.Context, req Request) (Result, error) {
	if req.Command == "" {
		return Result{}, errors.New("command is required")
	}
	if req.Detach {
		return r.runDetached(req)
	}
	return r.runSync(ctx, req)
}

func (r *LocalRunner) runSync(ctx context.Context, req Request) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", req.Command)
	cmd.Dir = req.Dir
	cmd.Env = mergedEnv(req.Env)
	// On cancellation ask nicely first; SIGKILL follows after the grace
	// window via WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	stdout := newLimitedBuffer(r.maxOutput)
	stderr := newLimitedBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(err),
		Duration: time.Since(start),
	}
	if cmd.Process != nil {
		result.PID = cmd.Process.Pid
	}
	if runCtx.Err() != nil && ctx.Err() == nil {
		result.TimedOut = true
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	// Non-zero exit is a result, not a runner error.
	return result, nil
}

// runDetached starts the process in its own group, captures output for
// the window, and returns while the process keeps running.
func (r *LocalRunner) runDetached(req Request) (Result, error) {
	cmd := exec.Command("/bin/sh", "-c", req.Command)
	cmd.Dir = req.Dir
	cmd.Env = mergedEnv(req.Env)
	// New process group so the server outlives the turn.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newLimitedBuffer(r.maxOutput)
	stderr := newLimitedBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, err
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() {
		// Wait reaps the child whenever it eventually exits.
		done <- cmd.Wait()
	}()

	window := req.CaptureWindow
	if window <= 0 {
		window = defaultCaptureWindow
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case err := <-done:
		// Exited inside the window after all; report it as a normal run.
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitCode(err),
			Duration: time.Since(start),
			PID:      pid,
		}, nil
	case <-timer.C:
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
			PID:      pid,
			Detached: true,
		}, nil
	}
}

func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	base := os.Environ()
	for k, v := range extra {
		base = append(base, k+"="+v)
	}
	return base
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer caps captured output so a chatty process cannot exhaust
// memory. Writes past the cap are accepted and discarded.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	if remaining := b.max - len(b.buf); b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
