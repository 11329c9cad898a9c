package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
	"github.com/velikov/florin/code"
	"github.com/velikov/florin/frontend/telegram"
	"github.com/velikov/florin/internal/config"
	"github.com/velikov/florin/internal/i18n"
	"github.com/velikov/florin/observer"
	"github.com/velikov/florin/provider/anthropic"
	"github.com/velikov/florin/provider/gemini"
	"github.com/velikov/florin/provider/whisper"
	"github.com/velikov/florin/store/postgres"
	"github.com/velikov/florin/store/rediscache"
	"github.com/velikov/florin/tools/artifacts"
	"github.com/velikov/florin/tools/imagegen"
	"github.com/velikov/florin/tools/latex"
	"github.com/velikov/florin/tools/preview"
	"github.com/velikov/florin/tools/pycode"
	"github.com/velikov/florin/tools/speech"
	"github.com/velikov/florin/tools/vision"
	"github.com/velikov/florin/tools/web"
)

func main() {
	configPath := flag.String("config", os.Getenv("FLORIN_CONFIG"), "path to florin.toml")
	flag.Parse()

	// 1. Config + logger
	cfg := config.Load(*configPath)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(log)

	if cfg.Telegram.Token == "" {
		log.Error("telegram token is not configured (FLORIN_TELEGRAM_TOKEN)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Observability
	metrics := florin.Metrics(florin.NopMetrics{})
	var obsShutdown func(context.Context) error
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		metrics = observer.NewRecorder(inst)
		obsShutdown = shutdown
	}

	// 3. Storage
	pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
	if err != nil {
		log.Error("postgres pool", "error", err)
		os.Exit(1)
	}
	store := postgres.New(pool)
	if err := store.Init(ctx); err != nil {
		log.Error("postgres init", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	cache := rediscache.New(rdb, log.With("component", "cache"))

	// 4. Providers
	filesTTL := time.Duration(cfg.Files.FilesTTLHours) * time.Hour
	claude := anthropic.New(anthropic.Config{
		APIKey:         cfg.Anthropic.APIKey,
		RequestsPerMin: cfg.Anthropic.RequestsPerMin,
		TokensPerMin:   cfg.Anthropic.TokensPerMin,
		FileTTL:        filesTTL,
		Logger:         log.With("component", "anthropic"),
	})
	provider := florin.WithRetry(claude, "anthropic",
		florin.RetryMaxAttempts(cfg.Retry.MaxRetries),
		florin.RetryBaseDelay(time.Duration(cfg.Retry.BaseDelaySeconds)*time.Second),
		florin.RetryMaxDelay(time.Duration(cfg.Retry.MaxDelaySeconds)*time.Second),
		florin.RetryLogger(log.With("component", "retry")))

	speechClient := whisper.New(whisper.Config{
		BaseURL: cfg.Whisper.BaseURL,
		APIKey:  cfg.Whisper.APIKey,
		Model:   cfg.Whisper.Model,
		Logger:  log.With("component", "whisper"),
	})

	imageGen, err := gemini.New(ctx, gemini.Config{
		APIKey: cfg.Gemini.APIKey,
		Model:  cfg.Gemini.Model,
		Logger: log.With("component", "gemini"),
	})
	if err != nil {
		log.Error("gemini client", "error", err)
		os.Exit(1)
	}

	var runner code.Runner
	if cfg.Sandbox.BaseURL != "" && !cfg.Sandbox.LocalFallback {
		runner = code.NewHTTPRunner(cfg.Sandbox.BaseURL,
			code.WithAPIKey(cfg.Sandbox.APIKey),
			code.WithMaxFileSize(int64(cfg.Files.ExecFileMaxSizeMB)<<20),
			code.WithLogger(log.With("component", "sandbox")))
	} else {
		log.Warn("sandbox URL not set or local fallback forced, running python locally")
		runner = code.NewSubprocessRunner("python3",
			code.WithMaxFileSize(int64(cfg.Files.ExecFileMaxSizeMB)<<20),
			code.WithLogger(log.With("component", "sandbox")))
	}

	// 5. Frontend + file plumbing
	bot := telegram.NewBot(cfg.Telegram.Token, log.With("component", "telegram"))
	fileMgr := florin.NewFileManager(store, cache, bot, claude, florin.FileManagerConfig{
		Logger: log.With("component", "files"),
	})

	// 6. Tools
	toolPrice := func(name string, def float64) decimal.Decimal {
		if v, ok := cfg.Billing.ToolPrices[name]; ok {
			return decimal.NewFromFloat(v)
		}
		return decimal.NewFromFloat(def)
	}
	registry := florin.NewRegistry()
	registry.Register(vision.New(claude, cfg.Anthropic.Model, 0))
	registry.Register(speech.New(speechClient, fileMgr, decimal.NewFromFloat(cfg.Whisper.PricePerMinute)))
	registry.Register(pycode.New(runner, fileMgr, toolPrice("execute_python", 0.001)))
	registry.Register(artifacts.New(fileMgr))
	registry.Register(imagegen.New(imageGen, fileMgr, decimal.NewFromFloat(cfg.Gemini.PricePerImage)))
	registry.Register(latex.New(runner))
	registry.Register(web.New(web.Config{
		BraveAPIKey: cfg.Search.BraveAPIKey,
		SearchCost:  decimal.NewFromFloat(cfg.Search.SearchCost),
		Logger:      log.With("component", "web"),
	}))
	registry.Register(preview.New(fileMgr, claude, cfg.Anthropic.Model, 0))
	registry.MarkPaid(cfg.Billing.PaidTools...)

	// 7. Billing
	ledger := florin.NewLedger(store, cache, florin.LedgerConfig{
		MinimumBalance: decimal.NewFromFloat(cfg.Billing.MinimumBalance),
		Logger:         log.With("component", "ledger"),
	})
	payments, err := florin.NewPayments(store, cache, florin.PaymentsConfig{
		StarsToUSD:   decimal.NewFromFloat(cfg.Billing.StarsToUSD),
		K1:           decimal.NewFromFloat(cfg.Billing.WithdrawalFee),
		K2:           decimal.NewFromFloat(cfg.Billing.TopicsFee),
		K3:           decimal.NewFromFloat(cfg.Billing.OwnerMargin),
		RefundPeriod: time.Duration(cfg.Billing.RefundPeriodDays) * 24 * time.Hour,
		Logger:       log.With("component", "payments"),
	})
	if err != nil {
		log.Error("payments config", "error", err)
		os.Exit(1)
	}
	audit := florin.NewToolCallBatcher(store, florin.AuditConfig{
		Logger: log.With("component", "audit"),
	})

	// 8. Pipeline
	prompts := florin.NewPromptBuilder(store, cache, florin.PromptConfig{
		SystemPrompt:   cfg.Bot.SystemPrompt,
		DefaultModel:   cfg.Anthropic.Model,
		HistoryLimit:   cfg.Bot.HistoryLimit,
		MaxTokens:      cfg.Anthropic.MaxTokens,
		ThinkingBudget: cfg.Anthropic.ThinkingBudget,
	})
	executor := florin.NewExecutor(provider, registry, ledger, prompts, store, cache, bot, audit, metrics, florin.ExecutorConfig{
		MaxIterations:   cfg.Bot.MaxIterations,
		CostCap:         decimal.NewFromFloat(cfg.Billing.CostCap),
		CostCapNotice:   i18n.T(cfg.Bot.DefaultLanguage, "cost_cap"),
		DisablePrecheck: !cfg.Billing.PrecheckEnabled,
		Display: florin.DisplayConfig{
			Mode:         florin.ModeHTML,
			EditInterval: time.Duration(cfg.Display.EditIntervalMS) * time.Millisecond,
			Logger:       log.With("component", "display"),
		},
		Logger: log.With("component", "executor"),
	})

	normalizer := florin.NewNormalizer(bot, claude, speechClient, florin.NormalizerConfig{
		FilesTTL:            filesTTL,
		MaxRetries:          cfg.Retry.MaxRetries,
		RetryBase:           time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
		TranscriptionPerMin: decimal.NewFromFloat(cfg.Whisper.PricePerMinute),
		Logger:              log.With("component", "normalizer"),
	})
	router := florin.NewTopicRouter(claude, store, cache, bot, florin.RouterConfig{
		Enabled:        cfg.Router.Enabled,
		Model:          cfg.Router.Model,
		MaxTokens:      cfg.Router.MaxTokens,
		MinGap:         time.Duration(cfg.Router.MinGapMinutes) * time.Minute,
		RecentTopics:   cfg.Router.RecentTopics,
		RecentMessages: cfg.Router.RecentMessages,
		Truncate:       cfg.Router.Truncate,
		TitleMaxLen:    cfg.Router.TitleMaxLen,
		Logger:         log.With("component", "router"),
	})

	app := newApp(&cfg, deps{
		Frontend:    bot,
		Store:       store,
		Cache:       cache,
		Normalizer:  normalizer,
		Router:      router,
		Executor:    executor,
		Ledger:      ledger,
		Payments:    payments,
		Audit:       audit,
		Metrics:     metrics,
		GenTracker:  florin.NewGenerationTracker(),
		NormTracker: florin.NewNormalizationTracker(),
		Groups:      florin.NewMediaGroupTracker(),
		Limiter: florin.NewLimiter(florin.LimiterConfig{
			Capacity:     int64(cfg.Limits.MaxConcurrentPerUser),
			QueueTimeout: time.Duration(cfg.Limits.QueueTimeoutSeconds) * time.Second,
		}),
		Logger: log,
	})

	// 9. Run until signalled, then drain
	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("bot stopped", "error", err)
	}

	audit.Close()
	store.Close()
	rdb.Close()
	if obsShutdown != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		obsShutdown(sctx)
		cancel()
	}
	log.Info("shutdown complete")
}

func logLevel() slog.Level {
	switch os.Getenv("FLORIN_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
