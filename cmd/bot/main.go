// Package main is the entry point for the Telegram bot service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/gembot/internal/assembler"
	"github.com/capitalize-ai/gembot/internal/classifier"
	"github.com/capitalize-ai/gembot/internal/config"
	"github.com/capitalize-ai/gembot/internal/dedup"
	"github.com/capitalize-ai/gembot/internal/handler"
	"github.com/capitalize-ai/gembot/internal/llm"
	"github.com/capitalize-ai/gembot/internal/middleware"
	"github.com/capitalize-ai/gembot/internal/model"
	"github.com/capitalize-ai/gembot/internal/modelhandler"
	natsclient "github.com/capitalize-ai/gembot/internal/nats"
	"github.com/capitalize-ai/gembot/internal/orchestrator"
	"github.com/capitalize-ai/gembot/internal/resilience"
	"github.com/capitalize-ai/gembot/internal/store"
	"github.com/capitalize-ai/gembot/internal/telegram"
	"github.com/capitalize-ai/gembot/internal/worker"
	"github.com/capitalize-ai/gembot/pkg/logger"
	"github.com/capitalize-ai/gembot/pkg/metrics"
	"github.com/capitalize-ai/gembot/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gembot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("starting bot", zap.String("primary_model", cfg.PrimaryModel), zap.String("store", cfg.StoreDriver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "gembot", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Conversation store
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Update dedup
	var deduper dedup.Deduper = dedup.NewMemory(10000, cfg.DedupTTL)
	var redisPinger handler.Pinger
	if cfg.RedisAddr != "" {
		rc, err := dedup.NewRedisClient(ctx, dedup.RedisConfig{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn("redis unavailable, using in-process dedup", zap.Error(err))
		} else {
			defer rc.Close()
			r := dedup.NewRedis(rc, cfg.DedupTTL)
			deduper, redisPinger = r, r
		}
	}

	// Conversation events
	var (
		publisher  natsclient.Publisher = natsclient.NopPublisher{}
		events     handler.EventReader
		natsHealth handler.ConnChecker
	)
	if cfg.NATSURL != "" {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "gembot",
		}, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()

		streams := natsclient.NewStreamManager(nc, cfg.NATSStreamAge)
		if err := streams.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		publisher, events, natsHealth = streams, streams, nc
	}

	// Model backends
	clients, media := buildClients(ctx, cfg, log)
	registry := modelhandler.NewRegistry(
		cfg.PrimaryModel,
		presets(cfg),
		clients,
		modelhandler.WithRetryPolicy(retryPolicy(cfg)),
		modelhandler.WithLogger(log),
	)

	breakers := resilience.NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerWindow,
		resilience.OnOpen(func(name string) {
			metrics.CircuitBreakerOpenTotal.WithLabelValues(name).Inc()
			log.Warn("circuit breaker opened", zap.String("api", name))
		}),
	)

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:       st,
		Registry:    registry,
		Classifier:  classifier.New(),
		Assembler:   assembler.New(st, log),
		Limiter:     resilience.NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst),
		Breakers:    breakers,
		Images:      media.images,
		Vision:      media.vision,
		Transcriber: media.transcriber,
		Extractor:   media.documents,
		Events:      publisher,
		Logger:      log,
	}, orchestrator.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		RequestTimeout: cfg.RequestTimeout,
		ImageTimeout:   cfg.ImageTimeout,
	})
	if err != nil {
		return err
	}

	// Telegram
	tg := telegram.NewClient(cfg.TelegramToken, telegram.WithBaseURL(cfg.TelegramAPIBaseURL))
	username := cfg.TelegramBotUsername
	if username == "" {
		me, err := tg.GetMe(ctx)
		if err != nil {
			return fmt.Errorf("resolve bot username: %w", err)
		}
		username = me.Username
	}
	bot := telegram.NewBot(tg, orch, telegram.BotConfig{
		Username:        username,
		MaxDownload:     cfg.TelegramMaxDownload,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, log)

	if cfg.TelegramWebhookURL != "" {
		if err := tg.SetWebhook(ctx, cfg.TelegramWebhookURL, cfg.TelegramWebhookSecret); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
		log.Info("webhook registered", zap.String("url", cfg.TelegramWebhookURL))
	}

	pool := worker.New(cfg.WorkerCount, cfg.WorkerQueueSize, log)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go store.NewJanitor(st, cfg.InactivityThreshold, cfg.JanitorInterval, log.Named("janitor")).Run(janitorCtx)

	// HTTP
	webhookHandler := handler.NewWebhookHandler(cfg.TelegramWebhookSecret, deduper, pool, bot, cfg.JobTimeout(), log)
	healthHandler := handler.NewHealthHandler(readiness{st, redisPinger}, natsHealth)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhook", webhookHandler.Receive)

	if cfg.AdminEnabled() {
		adminHandler := handler.NewAdminHandler(orch, events, log)
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.CORS(cfg.CORSOrigins))
			r.Use(middleware.IPRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RequireScope(middleware.AdminScope))
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			adminHandler.Routes(r)
		})
	} else {
		log.Info("admin API disabled, JWT_SECRET not set")
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		log.Warn("workers did not drain", zap.Error(err))
	}
	stopJanitor()

	log.Info("bot stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(cfg.HistoryLimit), nil
	}
	s, err := store.OpenSQL(ctx, cfg.StoreDriver, cfg.StoreDSN, cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// mediaClients are the optional non-chat capabilities.
type mediaClients struct {
	images      llm.ImageGenerator
	vision      llm.VisionClient
	transcriber llm.Transcriber
	documents   orchestrator.DocumentExtractor
}

// buildClients creates one client per configured backend. Models whose key
// is missing get no client and are reported unavailable by the registry.
func buildClients(ctx context.Context, cfg *config.Config, log *logger.Logger) (map[string]llm.Client, mediaClients) {
	clients := map[string]llm.Client{}
	var media mediaClients

	if cfg.GeminiAPIKey != "" {
		gc, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			DefaultModel: cfg.GeminiModel,
			VisionModel:  cfg.GeminiVisionModel,
			ImageModel:   cfg.GeminiImageModel,
		})
		if err != nil {
			log.Warn("failed to create Gemini client", zap.Error(err))
		} else {
			clients[modelhandler.Gemini] = gc
			media.images, media.vision = gc, gc
			media.documents = orchestrator.ModelExtractor{Reader: gc, Fallback: orchestrator.TextExtractor{}}
		}
	}

	if cfg.DeepSeekAPIKey != "" {
		dc, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			Name:    string(llm.ProviderDeepSeek),
			APIKey:  cfg.DeepSeekAPIKey,
			BaseURL: cfg.DeepSeekBaseURL,
		})
		if err != nil {
			log.Warn("failed to create DeepSeek client", zap.Error(err))
		} else {
			clients[modelhandler.DeepSeek] = dc
		}
	}

	if cfg.OpenRouterAPIKey != "" {
		oc, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			Name:    string(llm.ProviderOpenRouter),
			APIKey:  cfg.OpenRouterAPIKey,
			BaseURL: cfg.OpenRouterBaseURL,
			Headers: map[string]string{"X-Title": "gembot"},
		})
		if err != nil {
			log.Warn("failed to create OpenRouter client", zap.Error(err))
		} else {
			clients[modelhandler.QuasarAlpha] = oc
		}
	}

	if cfg.AnthropicAPIKey != "" {
		ac, err := llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		if err != nil {
			log.Warn("failed to create Anthropic client", zap.Error(err))
		} else {
			clients[modelhandler.Claude] = ac
		}
	}

	if cfg.OpenAIAPIKey != "" {
		wc, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			DefaultModel: cfg.TranscribeModel,
		})
		if err != nil {
			log.Warn("failed to create transcription client", zap.Error(err))
		} else {
			media.transcriber = wc
		}
	}

	return clients, media
}

// presets applies per-model timeout overrides to the built-in descriptors.
func presets(cfg *config.Config) []model.ModelConfig {
	configs := modelhandler.DefaultPresets()
	for i := range configs {
		if d, ok := cfg.ModelTimeouts[configs[i].Name]; ok {
			configs[i].Timeout = d
		}
	}
	return configs
}

func retryPolicy(cfg *config.Config) resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	if cfg.RetryAttempts > 0 {
		p.MaxAttempts = cfg.RetryAttempts
	}
	return p
}

// readiness pings the store and, when configured, Redis.
type readiness struct {
	store store.Store
	redis handler.Pinger
}

func (r readiness) Ping(ctx context.Context) error {
	if err := r.store.Ping(ctx); err != nil {
		return err
	}
	if r.redis != nil {
		return r.redis.Ping(ctx)
	}
	return nil
}
