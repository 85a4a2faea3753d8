// Package config provides environment configuration for the bot.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration

	// Telegram settings
	TelegramToken         string
	TelegramBotUsername   string
	TelegramWebhookURL    string
	TelegramWebhookSecret string
	TelegramAPIBaseURL    string
	TelegramMaxDownload   int64

	// Model settings
	PrimaryModel      string
	GeminiAPIKey      string
	GeminiModel       string
	GeminiVisionModel string
	GeminiImageModel  string
	DeepSeekAPIKey    string
	DeepSeekBaseURL   string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	AnthropicAPIKey   string
	AnthropicModel    string
	OpenAIAPIKey      string
	TranscribeModel   string
	ModelTimeouts     map[string]time.Duration

	// Resilience settings
	RateLimitRPM     int
	RateLimitBurst   int
	BreakerThreshold int
	BreakerWindow    time.Duration
	MaxConcurrency   int64
	RetryAttempts    int
	RequestTimeout   time.Duration
	ImageTimeout     time.Duration
	DeliveryTimeout  time.Duration

	// Store settings
	StoreDriver  string
	StoreDSN     string
	HistoryLimit int

	// Redis settings
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	DedupTTL      time.Duration

	// NATS settings
	NATSURL       string
	NATSCAFile    string
	NATSCertFile  string
	NATSKeyFile   string
	NATSToken     string
	NATSStreamAge time.Duration

	// JWT settings
	JWTSecret string

	// Admin API rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string

	// Workers
	WorkerCount     int
	WorkerQueueSize int

	// Janitor
	InactivityThreshold time.Duration
	JanitorInterval     time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		// Telegram
		TelegramToken:         getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramBotUsername:   getEnv("TELEGRAM_BOT_USERNAME", ""),
		TelegramWebhookURL:    getEnv("TELEGRAM_WEBHOOK_URL", ""),
		TelegramWebhookSecret: getEnv("TELEGRAM_WEBHOOK_SECRET", ""),
		TelegramAPIBaseURL:    getEnv("TELEGRAM_API_BASE_URL", "https://api.telegram.org"),
		TelegramMaxDownload:   int64(getIntEnv("TELEGRAM_MAX_DOWNLOAD_BYTES", 20<<20)),

		// Models
		PrimaryModel:      strings.ToLower(getEnv("PRIMARY_MODEL", "gemini")),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", ""),
		GeminiVisionModel: getEnv("GEMINI_VISION_MODEL", ""),
		GeminiImageModel:  getEnv("GEMINI_IMAGE_MODEL", ""),
		DeepSeekAPIKey:    getEnv("DEEPSEEK_API_KEY", ""),
		DeepSeekBaseURL:   getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:    getEnv("ANTHROPIC_MODEL", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		TranscribeModel:   getEnv("TRANSCRIBE_MODEL", "whisper-1"),
		ModelTimeouts:     getDurationMapEnv("MODEL_TIMEOUTS"),

		// Resilience
		RateLimitRPM:     getIntEnv("MODEL_RATE_LIMIT_RPM", 60),
		RateLimitBurst:   getIntEnv("MODEL_RATE_LIMIT_BURST", 5),
		BreakerThreshold: getIntEnv("BREAKER_THRESHOLD", 5),
		BreakerWindow:    getDurationEnv("BREAKER_WINDOW", 5*time.Minute),
		MaxConcurrency:   int64(getIntEnv("MAX_CONCURRENT_REQUESTS", 20)),
		RetryAttempts:    getIntEnv("RETRY_ATTEMPTS", 3),
		RequestTimeout:   getDurationEnv("REQUEST_TIMEOUT", 6*time.Minute),
		ImageTimeout:     getDurationEnv("IMAGE_TIMEOUT", 2*time.Minute),
		DeliveryTimeout:  getDurationEnv("DELIVERY_TIMEOUT", 30*time.Second),

		// Store
		StoreDriver:  strings.ToLower(getEnv("STORE_DRIVER", "memory")),
		StoreDSN:     getEnv("STORE_DSN", ""),
		HistoryLimit: getIntEnv("HISTORY_LIMIT", 50),

		// Redis
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		DedupTTL:      getDurationEnv("DEDUP_TTL", 10*time.Minute),

		// NATS
		NATSURL:       getEnv("NATS_URL", ""),
		NATSCAFile:    getEnv("NATS_CA_FILE", ""),
		NATSCertFile:  getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:   getEnv("NATS_KEY_FILE", ""),
		NATSToken:     getEnv("NATS_TOKEN", ""),
		NATSStreamAge: getDurationEnv("NATS_STREAM_MAX_AGE", 30*24*time.Hour),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// Admin API rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		CORSOrigins:       getListEnv("CORS_ORIGINS", []string{"http://localhost:3000"}),

		// Workers
		WorkerCount:     getIntEnv("WORKER_COUNT", 8),
		WorkerQueueSize: getIntEnv("WORKER_QUEUE_SIZE", 256),

		// Janitor
		InactivityThreshold: getDurationEnv("INACTIVITY_THRESHOLD", 30*24*time.Hour),
		JanitorInterval:     getDurationEnv("JANITOR_INTERVAL", 6*time.Hour),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate rejects configurations the bot cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	switch c.StoreDriver {
	case "memory":
	case "sqlite3", "mysql", "postgres":
		if c.StoreDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_DSN is required for driver %q", c.StoreDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if !c.hasCredentials(c.PrimaryModel) {
		errs = append(errs, fmt.Errorf("primary model %q has no API key", c.PrimaryModel))
	}

	positive := map[string]int64{
		"BREAKER_THRESHOLD":       int64(c.BreakerThreshold),
		"MAX_CONCURRENT_REQUESTS": c.MaxConcurrency,
		"WORKER_COUNT":            int64(c.WorkerCount),
		"HISTORY_LIMIT":           int64(c.HistoryLimit),
		"BREAKER_WINDOW":          int64(c.BreakerWindow),
		"REQUEST_TIMEOUT":         int64(c.RequestTimeout),
		"DELIVERY_TIMEOUT":        int64(c.DeliveryTimeout),
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.WorkerQueueSize < 0 {
		errs = append(errs, errors.New("WORKER_QUEUE_SIZE must not be negative"))
	}
	return errors.Join(errs...)
}

// JobTimeout bounds one webhook job. It leaves room for the attachment
// download before orchestration and for delivery after it, so the
// orchestrator always times out first.
func (c *Config) JobTimeout() time.Duration {
	return c.RequestTimeout + 2*c.DeliveryTimeout
}

// hasCredentials reports whether the API key backing a model name is set.
func (c *Config) hasCredentials(name string) bool {
	switch name {
	case "gemini":
		return c.GeminiAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	case "quasar_alpha":
		return c.OpenRouterAPIKey != ""
	case "claude":
		return c.AnthropicAPIKey != ""
	}
	return false
}

// AdminEnabled reports whether the admin API should be mounted.
func (c *Config) AdminEnabled() bool {
	return c.JWTSecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getDurationMapEnv parses "name=duration,name=duration". Bad entries are skipped.
func getDurationMapEnv(key string) map[string]time.Duration {
	out := map[string]time.Duration{}
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		name, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
			out[strings.ToLower(strings.TrimSpace(name))] = d
		}
	}
	return out
}
