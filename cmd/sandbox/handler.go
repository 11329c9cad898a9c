package main

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// executeRequest mirrors the bot's sandboxExecRequest wire type.
type executeRequest struct {
	Code         string     `json:"code"`
	TimeoutSecs  int        `json:"timeout"`
	Requirements []string   `json:"requirements,omitempty"`
	Files        []wireFile `json:"files,omitempty"`
}

// executeResponse mirrors the bot's sandboxExecResponse wire type.
type executeResponse struct {
	Output   string     `json:"output"`
	Logs     string     `json:"logs"`
	ExitCode int        `json:"exit_code"`
	Error    string     `json:"error,omitempty"`
	Files    []wireFile `json:"files,omitempty"`
}

// wireFile carries one file as base64.
type wireFile struct {
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	Data string `json:"data,omitempty"`
}

const (
	maxRequestBodyBytes = 32 << 20
	defaultTimeoutSecs  = 30
	maxTimeoutSecs      = 300
	maxRequirements     = 16
)

type handler struct {
	cfg config
	run *runner
	sem chan struct{}
	log *slog.Logger
}

func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.cfg.apiKey != "" {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req executeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if reason := validateRequest(&req); reason != "" {
		writeError(w, http.StatusBadRequest, reason)
		return
	}

	timeout := defaultTimeoutSecs
	if req.TimeoutSecs > 0 {
		timeout = req.TimeoutSecs
	}
	if timeout > maxTimeoutSecs {
		timeout = maxTimeoutSecs
	}

	// One slot per execution; fail fast so the client's retry backoff
	// spreads the load instead of piling requests up here.
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		writeError(w, http.StatusServiceUnavailable, "server busy: execution capacity reached")
		return
	}

	started := time.Now()
	resp := h.run.run(r.Context(), &req, time.Duration(timeout)*time.Second)
	h.log.Info("execution finished",
		"exit_code", resp.ExitCode,
		"duration", time.Since(started),
		"files", len(resp.Files),
		"requirements", len(req.Requirements))

	writeJSON(w, http.StatusOK, resp)
}

func validateRequest(req *executeRequest) string {
	if req.Code == "" {
		return "code is required"
	}
	if len(req.Requirements) > maxRequirements {
		return "too many requirements"
	}
	for _, pkg := range req.Requirements {
		if !validRequirement(pkg) {
			return "invalid requirement: " + pkg
		}
	}
	return ""
}

// validRequirement accepts pip package specs like "numpy", "pandas==2.1",
// "scikit-learn>=1.0" and rejects anything that could be read as a pip flag
// or a path.
func validRequirement(s string) bool {
	if s == "" || len(s) > 128 || s[0] == '-' || s[0] == '.' || s[0] == '/' {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '[' || c == ']' || c == ',':
		case c == '=' || c == '<' || c == '>' || c == '!' || c == '~':
		default:
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
