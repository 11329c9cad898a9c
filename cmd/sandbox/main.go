// Command sandbox is the code-execution sidecar for the florin bot.
//
// It accepts Python source over HTTP, runs it in an ephemeral workspace
// with optional pip requirements, and returns captured output plus any
// files the code wrote. The bot's code.HTTPRunner is the client side of
// the /execute contract.
//
// This is a single-tenant service meant to run in its own container with
// no secrets mounted; it provides workspace isolation, not a security
// boundary. Stronger isolation belongs to the container runtime.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

type config struct {
	addr           string
	apiKey         string
	workspaceRoot  string
	pythonBin      string
	pipBin         string
	maxConcurrent  int
	maxOutputBytes int
}

func loadConfig() config {
	cfg := config{
		addr:           ":9000",
		apiKey:         os.Getenv("SANDBOX_API_KEY"),
		workspaceRoot:  os.TempDir(),
		pythonBin:      "python3",
		pipBin:         "pip3",
		maxConcurrent:  4,
		maxOutputBytes: 512 * 1024,
	}
	if v := os.Getenv("SANDBOX_ADDR"); v != "" {
		cfg.addr = v
	}
	if v := os.Getenv("SANDBOX_WORKSPACE"); v != "" {
		cfg.workspaceRoot = v
	}
	if v := os.Getenv("SANDBOX_PYTHON_BIN"); v != "" {
		cfg.pythonBin = v
	}
	if v := os.Getenv("SANDBOX_PIP_BIN"); v != "" {
		cfg.pipBin = v
	}
	if v := os.Getenv("SANDBOX_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxConcurrent = n
		}
	}
	if v := os.Getenv("SANDBOX_MAX_OUTPUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxOutputBytes = n
		}
	}
	return cfg
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := loadConfig()

	run := newRunner(cfg.pythonBin, cfg.pipBin, cfg.workspaceRoot, cfg.maxOutputBytes, log)
	h := &handler{cfg: cfg, run: run, sem: make(chan struct{}, cfg.maxConcurrent), log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/execute", h.execute)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	srv := &http.Server{
		Addr:         cfg.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("sandbox listening", "addr", cfg.addr, "auth", cfg.apiKey != "")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
}
