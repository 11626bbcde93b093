package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRunner proxies command execution to a remote executor speaking the
// POST /tools/execute protocol. Used when the broker host must not run
// agent commands itself.
type HTTPRunner struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRunner creates a runner against baseURL.
func NewHTTPRunner(baseURL string, client *http.Client) *HTTPRunner {
	if client == nil {
		client = &http.Client{Timeout: 330 * time.Second}
	}
	return &HTTPRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type executeRequest struct {
	Tool       string            `json:"tool"`
	Parameters executeParameters `json:"parameters"`
}

type executeParameters struct {
	Command   string `json:"command,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	Shell     bool   `json:"shell,omitempty"`
	Detach    bool   `json:"detach,omitempty"`
}

type executeResponse struct {
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	PID        int    `json:"pid,omitempty"`
	Detached   bool   `json:"detached,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

func (r *HTTPRunner) Run(ctx context.Context, req Request) (Result, error) {
	payload := executeRequest{
		Tool: "execute_command",
		Parameters: executeParameters{
			Command:   req.Command,
			Cwd:       req.Dir,
			TimeoutMS: req.Timeout.Milliseconds(),
			Shell:     true,
			Detach:    req.Detach,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/tools/execute", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("executor request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read executor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("executor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded executeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, fmt.Errorf("decode executor response: %w", err)
	}

	return Result{
		Stdout:   decoded.Output,
		Stderr:   decoded.Error,
		ExitCode: decoded.ExitCode,
		Duration: time.Duration(decoded.DurationMS) * time.Millisecond,
		PID:      decoded.PID,
		Detached: decoded.Detached,
		TimedOut: decoded.TimedOut,
	}, nil
}
