package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram  TelegramConfig  `toml:"telegram"`
	Anthropic AnthropicConfig `toml:"anthropic"`
	Whisper   WhisperConfig   `toml:"whisper"`
	Gemini    GeminiConfig    `toml:"gemini"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Search    SearchConfig    `toml:"search"`
	Limits    LimitsConfig    `toml:"limits"`
	Router    RouterConfig    `toml:"router"`
	Billing   BillingConfig   `toml:"billing"`
	Files     FilesConfig     `toml:"files"`
	Retry     RetryConfig     `toml:"retry"`
	Display   DisplayConfig   `toml:"display"`
	Bot       BotConfig       `toml:"bot"`
	Observer  ObserverConfig  `toml:"observer"`
}

type TelegramConfig struct {
	Token    string  `toml:"token"`
	AdminIDs []int64 `toml:"admin_ids"`
}

type AnthropicConfig struct {
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	MaxTokens      int64  `toml:"max_tokens"`
	ThinkingBudget int64  `toml:"thinking_budget"`
	RequestsPerMin int    `toml:"requests_per_minute"`
	TokensPerMin   int64  `toml:"tokens_per_minute"`
}

type WhisperConfig struct {
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	PricePerMinute float64 `toml:"price_per_minute"`
}

type GeminiConfig struct {
	APIKey        string  `toml:"api_key"`
	Model         string  `toml:"model"`
	PricePerImage float64 `toml:"price_per_image"`
}

type SandboxConfig struct {
	BaseURL       string `toml:"base_url"`
	APIKey        string `toml:"api_key"`
	LocalFallback bool   `toml:"local_fallback"`
}

type DatabaseConfig struct {
	PostgresURL string `toml:"postgres_url"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type SearchConfig struct {
	BraveAPIKey string  `toml:"brave_api_key"`
	SearchCost  float64 `toml:"search_cost"`
}

type LimitsConfig struct {
	MaxConcurrentPerUser int `toml:"max_concurrent_per_user"`
	QueueTimeoutSeconds  int `toml:"queue_timeout_seconds"`
}

type RouterConfig struct {
	Enabled        bool   `toml:"enabled"`
	Model          string `toml:"model"`
	MaxTokens      int64  `toml:"max_tokens"`
	MinGapMinutes  int    `toml:"min_gap_minutes"`
	RecentTopics   int    `toml:"recent_topics"`
	RecentMessages int    `toml:"recent_messages"`
	Truncate       int    `toml:"truncate"`
	TitleMaxLen    int    `toml:"title_max_len"`
}

type BillingConfig struct {
	MinimumBalance   float64            `toml:"minimum_balance"`
	PrecheckEnabled  bool               `toml:"precheck_enabled"`
	StarsToUSD       float64            `toml:"stars_to_usd"`
	WithdrawalFee    float64            `toml:"withdrawal_fee"`
	TopicsFee        float64            `toml:"topics_fee"`
	OwnerMargin      float64            `toml:"owner_margin"`
	RefundPeriodDays int                `toml:"refund_period_days"`
	CostCap          float64            `toml:"cost_cap"`
	PaidTools        []string           `toml:"paid_tools"`
	ToolPrices       map[string]float64 `toml:"tool_prices"`
}

type FilesConfig struct {
	FilesTTLHours       int `toml:"files_ttl_hours"`
	ExecFileTTLMinutes  int `toml:"exec_file_ttl_minutes"`
	ExecFileMaxSizeMB   int `toml:"exec_file_max_size_mb"`
	MediaGroupQuietMS   int `toml:"media_group_quiet_ms"`
	MediaGroupMaxWaitMS int `toml:"media_group_max_wait_ms"`
}

type RetryConfig struct {
	MaxRetries       int `toml:"max_retries"`
	BaseDelaySeconds int `toml:"base_delay_seconds"`
	MaxDelaySeconds  int `toml:"max_delay_seconds"`
}

type DisplayConfig struct {
	EditIntervalMS int `toml:"edit_interval_ms"`
	BatchDelayMS   int `toml:"batch_delay_ms"`
}

type BotConfig struct {
	SystemPrompt    string `toml:"system_prompt"`
	DefaultLanguage string `toml:"default_language"`
	HistoryLimit    int    `toml:"history_limit"`
	MaxIterations   int    `toml:"max_iterations"`
}

type ObserverConfig struct {
	Enabled  bool                       `toml:"enabled"`
	Endpoint string                     `toml:"endpoint"`
	Pricing  map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input      float64 `toml:"input"`
	Output     float64 `toml:"output"`
	CacheRead  float64 `toml:"cache_read"`
	CacheWrite float64 `toml:"cache_write"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Anthropic: AnthropicConfig{
			Model:          "claude-sonnet-4-5",
			MaxTokens:      8192,
			ThinkingBudget: 0,
			RequestsPerMin: 50,
			TokensPerMin:   80_000,
		},
		Whisper: WhisperConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "whisper-1",
			PricePerMinute: 0.006,
		},
		Gemini: GeminiConfig{
			Model:         "gemini-2.5-flash-image",
			PricePerImage: 0.04,
		},
		Database: DatabaseConfig{PostgresURL: "postgres://localhost:5432/florin"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Search:   SearchConfig{SearchCost: 0.01},
		Limits: LimitsConfig{
			MaxConcurrentPerUser: 5,
			QueueTimeoutSeconds:  30,
		},
		Router: RouterConfig{
			Model:          "claude-3-5-haiku-latest",
			MaxTokens:      128,
			MinGapMinutes:  30,
			RecentTopics:   5,
			RecentMessages: 3,
			Truncate:       200,
			TitleMaxLen:    32,
		},
		Billing: BillingConfig{
			PrecheckEnabled:  true,
			StarsToUSD:       0.013,
			WithdrawalFee:    0.0,
			TopicsFee:        0.3,
			OwnerMargin:      0.1,
			RefundPeriodDays: 28,
			CostCap:          1.0,
			PaidTools: []string{
				"analyze_image", "analyze_pdf", "transcribe_audio",
				"execute_python", "generate_image", "web_search", "preview_file",
			},
		},
		Files: FilesConfig{
			FilesTTLHours:       48,
			ExecFileTTLMinutes:  30,
			ExecFileMaxSizeMB:   10,
			MediaGroupQuietMS:   300,
			MediaGroupMaxWaitMS: 5000,
		},
		Retry: RetryConfig{
			MaxRetries:       3,
			BaseDelaySeconds: 1,
			MaxDelaySeconds:  10,
		},
		Display: DisplayConfig{
			EditIntervalMS: 700,
			BatchDelayMS:   150,
		},
		Bot: BotConfig{
			DefaultLanguage: "en",
			HistoryLimit:    40,
			MaxIterations:   16,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "florin.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("FLORIN_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("FLORIN_ANTHROPIC_API_KEY"); v != "" {
		cfg.Anthropic.APIKey = v
	}
	if v := os.Getenv("FLORIN_WHISPER_API_KEY"); v != "" {
		cfg.Whisper.APIKey = v
	}
	if v := os.Getenv("FLORIN_GEMINI_API_KEY"); v != "" {
		cfg.Gemini.APIKey = v
	}
	if v := os.Getenv("FLORIN_SANDBOX_API_KEY"); v != "" {
		cfg.Sandbox.APIKey = v
	}
	if v := os.Getenv("FLORIN_BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("FLORIN_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("FLORIN_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FLORIN_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FLORIN_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if v := os.Getenv("FLORIN_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("FLORIN_ADMIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.AdminIDs = append(cfg.Telegram.AdminIDs, id)
		}
	}

	// Fallbacks
	if cfg.Router.Model == "" {
		cfg.Router.Model = cfg.Anthropic.Model
	}
	if cfg.Whisper.APIKey == "" {
		cfg.Whisper.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return cfg
}
