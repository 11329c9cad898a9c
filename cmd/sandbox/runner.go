package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// runner executes Python code in a throwaway workspace directory.
type runner struct {
	pythonBin string
	pipBin    string
	root      string
	maxOutput int
	log       *slog.Logger
}

func newRunner(pythonBin, pipBin, root string, maxOutput int, log *slog.Logger) *runner {
	if maxOutput <= 0 {
		maxOutput = 512 * 1024
	}
	return &runner{pythonBin: pythonBin, pipBin: pipBin, root: root, maxOutput: maxOutput, log: log}
}

// depsDir is where pip installs requirements inside the workspace; it is
// excluded from output collection.
const depsDir = ".deps"

func (r *runner) run(ctx context.Context, req *executeRequest, timeout time.Duration) executeResponse {
	workdir, err := os.MkdirTemp(r.root, "sandbox-*")
	if err != nil {
		return executeResponse{ExitCode: -1, Error: "create workspace: " + err.Error()}
	}
	defer os.RemoveAll(workdir)

	inputs := map[string]bool{"main.py": true}
	if err := writeInputFiles(workdir, req.Files, inputs); err != nil {
		return executeResponse{ExitCode: -1, Error: err.Error()}
	}
	if err := os.WriteFile(filepath.Join(workdir, "main.py"), []byte(req.Code), 0o640); err != nil {
		return executeResponse{ExitCode: -1, Error: "write script: " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(req.Requirements) > 0 {
		if msg := r.installRequirements(ctx, workdir, req.Requirements); msg != "" {
			return executeResponse{ExitCode: -1, Error: msg}
		}
	}

	cmd := exec.CommandContext(ctx, r.pythonBin, "main.py")
	cmd.Dir = workdir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workdir,
		"LANG=en_US.UTF-8",
		"MPLBACKEND=Agg",
		"PYTHONPATH=" + filepath.Join(workdir, depsDir),
	}

	var stdout, stderr limitedWriter
	stdout.limit = r.maxOutput
	stderr.limit = r.maxOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	resp := executeResponse{
		Output: stdout.String(),
		Logs:   stderr.String(),
		Files:  collectOutputFiles(workdir, inputs),
	}
	switch {
	case runErr == nil:
	case ctx.Err() == context.DeadlineExceeded:
		resp.ExitCode = -1
		resp.Error = fmt.Sprintf("execution timed out after %s", timeout)
	default:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			resp.ExitCode = -1
			resp.Error = runErr.Error()
		}
	}
	return resp
}

// installRequirements pip-installs into the workspace-local deps directory.
// Returns a client-facing error message on failure, empty on success.
func (r *runner) installRequirements(ctx context.Context, workdir string, pkgs []string) string {
	args := append([]string{"install", "--quiet", "--no-input",
		"--target", filepath.Join(workdir, depsDir)}, pkgs...)
	cmd := exec.CommandContext(ctx, r.pipBin, args...)
	cmd.Dir = workdir

	var out limitedWriter
	out.limit = r.maxOutput
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		r.log.Warn("pip install failed", "packages", strings.Join(pkgs, ","), "error", err)
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			msg = err.Error()
		}
		return "requirement install failed: " + msg
	}
	return ""
}

// writeInputFiles places request files into the workspace, rejecting path
// traversal. Written names are recorded in inputs so they are not echoed
// back as outputs.
func writeInputFiles(workdir string, files []wireFile, inputs map[string]bool) error {
	for _, f := range files {
		if f.Name == "" {
			continue
		}
		name := filepath.Base(f.Name)
		if name == "." || name == ".." || name == string(filepath.Separator) {
			return fmt.Errorf("invalid file name: %q", f.Name)
		}
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return fmt.Errorf("decode %q: %w", f.Name, err)
		}
		if err := os.WriteFile(filepath.Join(workdir, name), data, 0o640); err != nil {
			return fmt.Errorf("write %q: %w", f.Name, err)
		}
		inputs[name] = true
	}
	return nil
}

// collectOutputFiles returns every regular file the execution created,
// base64-encoded, skipping inputs and the deps directory.
func collectOutputFiles(workdir string, inputs map[string]bool) []wireFile {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		return nil
	}
	var out []wireFile
	for _, e := range entries {
		if !e.Type().IsRegular() || inputs[e.Name()] || e.Name() == depsDir {
			continue
		}
		data, err := os.ReadFile(filepath.Join(workdir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, wireFile{
			Name: e.Name(),
			MIME: detectMIME(e.Name(), data),
			Data: base64.StdEncoding.EncodeToString(data),
		})
	}
	return out
}

// detectMIME maps common artifact extensions, falling back to sniffing.
func detectMIME(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".svg":
		return "image/svg+xml"
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".html", ".htm":
		return "text/html"
	case ".txt", ".log":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".zip":
		return "application/zip"
	}
	sniff := data
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	return http.DetectContentType(sniff)
}

// limitedWriter captures up to limit bytes and discards the rest.
type limitedWriter struct {
	buf   strings.Builder
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.buf.Len() < w.limit {
		remaining := w.limit - w.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		w.buf.Write(p)
	}
	return n, nil
}

func (w *limitedWriter) String() string { return w.buf.String() }
