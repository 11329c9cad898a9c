package code

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// blockedPatterns are checked before execution to reject obviously dangerous code.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`os\.system\s*\(`),
	regexp.MustCompile(`subprocess\.\w+\s*\(`),
}

// SubprocessRunner executes Python code in a local subprocess. It exists
// for development without a deployed sandbox and offers no real isolation
// beyond a pattern blocklist and a scratch working directory.
type SubprocessRunner struct {
	pythonBin string
	cfg       runnerConfig
}

var _ Runner = (*SubprocessRunner)(nil)

// NewSubprocessRunner creates a SubprocessRunner that executes Python code
// via the given Python binary (e.g., "python3").
func NewSubprocessRunner(pythonBin string, opts ...Option) *SubprocessRunner {
	cfg := defaultRunnerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &SubprocessRunner{pythonBin: pythonBin, cfg: cfg}
}

// Run executes Python code in a subprocess. Input files are placed in a
// fresh working directory; files the code leaves behind come back in the
// result.
func (r *SubprocessRunner) Run(ctx context.Context, req Request) (*Result, error) {
	for _, pat := range blockedPatterns {
		if pat.MatchString(req.Code) {
			return &Result{
				Logs:     fmt.Sprintf("blocked: code contains prohibited pattern: %s", pat.String()),
				ExitCode: 1,
			}, nil
		}
	}

	if len(req.Requirements) > 0 {
		r.cfg.logger.Warn("subprocess runner ignores requirements",
			"requirements", strings.Join(req.Requirements, ","))
	}

	timeout := r.cfg.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workdir, err := os.MkdirTemp(r.cfg.workspace, "florin-exec-*")
	if err != nil {
		return nil, fmt.Errorf("code runner: create workspace: %w", err)
	}
	defer os.RemoveAll(workdir)

	inputNames := make(map[string]bool, len(req.Files))
	for _, f := range req.Files {
		name := filepath.Base(f.Name)
		if name == "." || name == string(filepath.Separator) {
			continue
		}
		if err := os.WriteFile(filepath.Join(workdir, name), f.Data, 0o600); err != nil {
			return nil, fmt.Errorf("code runner: write input %s: %w", name, err)
		}
		inputNames[name] = true
	}

	scriptPath := filepath.Join(workdir, "main.py")
	if err := os.WriteFile(scriptPath, []byte(req.Code), 0o600); err != nil {
		return nil, fmt.Errorf("code runner: write script: %w", err)
	}
	inputNames["main.py"] = true

	cmd := exec.CommandContext(ctx, r.pythonBin, scriptPath)
	cmd.Dir = workdir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workdir,
		"LANG=en_US.UTF-8",
		"MPLBACKEND=Agg",
	}

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &cappedWriter{w: &stdoutBuf, max: r.cfg.maxOutput}
	cmd.Stderr = &cappedWriter{w: &stderrBuf, max: r.cfg.maxOutput}

	started := time.Now()
	err = cmd.Run()

	result := &Result{
		Output:   stdoutBuf.String(),
		Logs:     stderrBuf.String(),
		Duration: time.Since(started),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.Logs = strings.TrimSpace(result.Logs + fmt.Sprintf("\nexecution timed out after %s", timeout))
			result.ExitCode = -1
			return result, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("code runner: %w", err)
		}
	}

	files, err := r.collectFiles(workdir, inputNames)
	if err != nil {
		r.cfg.logger.Warn("collecting generated files failed", "error", err)
	}
	result.Files = files

	return result, nil
}

// collectFiles gathers regular files the code created in the working
// directory, skipping inputs and anything over the size cap.
func (r *SubprocessRunner) collectFiles(workdir string, inputNames map[string]bool) ([]File, error) {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		return nil, err
	}

	var files []File
	for _, e := range entries {
		if !e.Type().IsRegular() || inputNames[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if r.cfg.maxFileSize > 0 && info.Size() > r.cfg.maxFileSize {
			r.cfg.logger.Warn("generated file exceeds size cap, skipping",
				"name", e.Name(), "size", info.Size())
			continue
		}
		data, err := os.ReadFile(filepath.Join(workdir, e.Name()))
		if err != nil {
			continue
		}
		files = append(files, File{
			Name: e.Name(),
			MIME: mimeByName(e.Name()),
			Data: data,
		})
	}
	return files, nil
}

func mimeByName(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// cappedWriter limits captured output to a maximum size.
type cappedWriter struct {
	w   *strings.Builder
	max int
}

// Write reports the full length so io.Copy keeps draining the pipe after
// the cap; excess bytes are discarded, not short-written.
func (cw *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if cw.w.Len() < cw.max {
		remaining := cw.max - cw.w.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		cw.w.Write(p)
	}
	return n, nil
}
