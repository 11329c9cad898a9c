package code

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRunner executes code by POSTing to a remote sandbox service.
type HTTPRunner struct {
	baseURL string
	cfg     runnerConfig
	client  *http.Client
}

var _ Runner = (*HTTPRunner)(nil)

// NewHTTPRunner creates an HTTPRunner that POSTs code to the sandbox
// at baseURL (e.g. "http://sandbox:9000").
func NewHTTPRunner(baseURL string, opts ...Option) *HTTPRunner {
	cfg := defaultRunnerConfig()
	for _, o := range opts {
		o(&cfg)
	}

	return &HTTPRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
		client:  &http.Client{},
	}
}

// Run executes code via the sandbox HTTP service.
func (r *HTTPRunner) Run(ctx context.Context, req Request) (*Result, error) {
	timeout := r.cfg.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execReq := sandboxExecRequest{
		Code:         req.Code,
		TimeoutSecs:  int(timeout.Seconds()),
		Requirements: req.Requirements,
	}
	for _, f := range req.Files {
		execReq.Files = append(execReq.Files, wireFile{
			Name: f.Name,
			MIME: f.MIME,
			Data: base64.StdEncoding.EncodeToString(f.Data),
		})
	}

	started := time.Now()
	resp, err := r.doExecute(ctx, execReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox execution failed: %w", err)
	}

	result := &Result{
		Output:   clip(resp.Output, r.cfg.maxOutput),
		Logs:     clip(resp.Logs, r.cfg.maxOutput),
		ExitCode: resp.ExitCode,
		Duration: time.Since(started),
	}
	if resp.Error != "" && result.ExitCode == 0 {
		result.ExitCode = 1
		result.Logs = strings.TrimSpace(result.Logs + "\n" + resp.Error)
	}

	for _, f := range resp.Files {
		decoded, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			continue // skip malformed files
		}
		if r.cfg.maxFileSize > 0 && int64(len(decoded)) > r.cfg.maxFileSize {
			r.cfg.logger.Warn("sandbox file exceeds size cap, dropping data",
				"name", f.Name, "size", len(decoded))
			result.Files = append(result.Files, File{Name: f.Name, MIME: f.MIME})
			continue
		}
		result.Files = append(result.Files, File{Name: f.Name, MIME: f.MIME, Data: decoded})
	}

	return result, nil
}

// --- sandbox wire types ---

type sandboxExecRequest struct {
	Code         string     `json:"code"`
	TimeoutSecs  int        `json:"timeout"`
	Requirements []string   `json:"requirements,omitempty"`
	Files        []wireFile `json:"files,omitempty"`
}

type sandboxExecResponse struct {
	Output   string     `json:"output"`
	Logs     string     `json:"logs"`
	ExitCode int        `json:"exit_code"`
	Error    string     `json:"error,omitempty"`
	Files    []wireFile `json:"files,omitempty"`
}

// wireFile is the JSON wire format for files (base64 encoded).
type wireFile struct {
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	Data string `json:"data,omitempty"` // base64
}

// doExecute POSTs the execution request to the sandbox with retry logic.
func (r *HTTPRunner) doExecute(ctx context.Context, execReq sandboxExecRequest) (sandboxExecResponse, error) {
	body, err := json.Marshal(execReq)
	if err != nil {
		return sandboxExecResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	delay := r.cfg.retryDelay
	attempts := r.cfg.maxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return sandboxExecResponse{}, ctx.Err()
			}
		}

		resp, err := r.doOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return sandboxExecResponse{}, err
		}
		r.cfg.logger.Warn("sandbox request failed, retrying",
			"attempt", attempt+1, "error", err)
		lastErr = err
	}

	return sandboxExecResponse{}, fmt.Errorf("sandbox unreachable after %d attempts: %w", attempts, lastErr)
}

// doOnce performs a single POST to /execute.
func (r *HTTPRunner) doOnce(ctx context.Context, body []byte) (sandboxExecResponse, error) {
	url := r.baseURL + "/execute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return sandboxExecResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.apiKey != "" {
		httpReq.Header.Set("X-API-Key", r.cfg.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return sandboxExecResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20)) // 50MB limit
	if err != nil {
		return sandboxExecResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return sandboxExecResponse{}, &serverError{code: resp.StatusCode, body: string(respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		return sandboxExecResponse{}, fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, respBody)
	}

	var result sandboxExecResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return sandboxExecResponse{}, fmt.Errorf("parse response: %w", err)
	}
	return result, nil
}

// serverError represents a 5xx response from the sandbox.
type serverError struct {
	code int
	body string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("sandbox returned %d: %s", e.code, e.body)
}

// isTransient reports whether err is a transient network/server error
// that should be retried.
func isTransient(err error) bool {
	if _, ok := err.(*serverError); ok {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "EOF")
}

// clip truncates s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8ValidCut(s, n) {
		n--
	}
	return s[:n]
}

func utf8ValidCut(s string, n int) bool {
	if n >= len(s) {
		return true
	}
	// A cut is valid when the next byte is not a UTF-8 continuation byte.
	return s[n]&0xC0 != 0x80
}
