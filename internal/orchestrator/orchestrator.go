// Package orchestrator turns inbound messages into delivery plans. It owns the
// per-request flow: classification, context assembly, model selection,
// protected model invocation and the conversation bookkeeping that follows.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/capitalize-ai/gembot/internal/assembler"
	"github.com/capitalize-ai/gembot/internal/classifier"
	"github.com/capitalize-ai/gembot/internal/llm"
	"github.com/capitalize-ai/gembot/internal/model"
	"github.com/capitalize-ai/gembot/internal/modelhandler"
	natsclient "github.com/capitalize-ai/gembot/internal/nats"
	"github.com/capitalize-ai/gembot/internal/resilience"
	"github.com/capitalize-ai/gembot/internal/store"
	"github.com/capitalize-ai/gembot/pkg/logger"
	"github.com/capitalize-ai/gembot/pkg/metrics"
	"github.com/capitalize-ai/gembot/pkg/tracing"
)

// Breaker names for the non-chat capabilities.
const (
	imageAPI      = "image_generation"
	visionAPI     = "vision"
	transcribeAPI = "transcription"
	documentAPI   = "document_reading"
)

// Deps are the collaborators an Orchestrator is built from. Store and
// Registry are required; the media capabilities are optional and their
// requests fail politely when absent.
type Deps struct {
	Store       store.Store
	Registry    *modelhandler.Registry
	Classifier  *classifier.Classifier
	Assembler   *assembler.Assembler
	Limiter     *resilience.RateLimiter
	Breakers    *resilience.BreakerSet
	Images      llm.ImageGenerator
	Vision      llm.VisionClient
	Transcriber llm.Transcriber
	Extractor   DocumentExtractor
	Events      natsclient.Publisher
	Logger      *logger.Logger
}

// Config holds orchestration limits.
type Config struct {
	// MaxConcurrency caps in-flight backend calls across all users.
	MaxConcurrency int64
	// RequestTimeout bounds a whole request including queueing.
	RequestTimeout time.Duration
	// ImageTimeout bounds one image generation or analysis call.
	ImageTimeout time.Duration
	// EventTimeout bounds publishing one conversation event.
	EventTimeout time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 20,
		RequestTimeout: 6 * time.Minute,
		ImageTimeout:   2 * time.Minute,
		EventTimeout:   5 * time.Second,
	}
}

// Orchestrator coordinates one request at a time per user and any number across users.
type Orchestrator struct {
	store      store.Store
	registry   *modelhandler.Registry
	classifier *classifier.Classifier
	assembler  *assembler.Assembler
	limiter    *resilience.RateLimiter
	breakers   *resilience.BreakerSet
	images     llm.ImageGenerator
	vision     llm.VisionClient
	transcribe llm.Transcriber
	extractor  DocumentExtractor
	events     natsclient.Publisher
	logger     *logger.Logger

	cfg    Config
	sem    *semaphore.Weighted
	locks  *resilience.KeyedMutex
	tracer trace.Tracer
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("orchestrator: model registry is required")
	}

	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = def.ImageTimeout
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = def.EventTimeout
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("orchestrator")

	o := &Orchestrator{
		store:      deps.Store,
		registry:   deps.Registry,
		classifier: deps.Classifier,
		assembler:  deps.Assembler,
		limiter:    deps.Limiter,
		breakers:   deps.Breakers,
		images:     deps.Images,
		vision:     deps.Vision,
		transcribe: deps.Transcriber,
		extractor:  deps.Extractor,
		events:     deps.Events,
		logger:     log,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrency),
		locks:      resilience.NewKeyedMutex(),
		tracer:     tracing.Tracer("github.com/capitalize-ai/gembot/internal/orchestrator"),
	}
	if o.classifier == nil {
		o.classifier = classifier.New()
	}
	if o.assembler == nil {
		o.assembler = assembler.New(deps.Store, log)
	}
	if o.breakers == nil {
		o.breakers = resilience.NewBreakerSet(5, 5*time.Minute)
	}
	switch ex := o.extractor.(type) {
	case nil:
		o.extractor = TextExtractor{}
	case ModelExtractor:
		if ex.Reader != nil {
			ex.Reader = protectedReader{o: o, next: ex.Reader}
			o.extractor = ex
		}
	}
	if o.events == nil {
		o.events = natsclient.NopPublisher{}
	}
	return o, nil
}

// Intent classifies a message without handling it. Transports use it to pick
// a progress indicator before calling HandleMessage.
func (o *Orchestrator) Intent(msg model.InboundMessage) classifier.Intent {
	return o.classifier.Classify(msg.Text, msg.AttachmentKind())
}

// HandleMessage runs the full request flow and always returns a plan to
// deliver. Failures are logged and turned into apologetic text plans.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg model.InboundMessage) model.DeliveryPlan {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "orchestrator.HandleMessage", trace.WithAttributes(
		attribute.String("user_id", msg.UserID),
		attribute.Int64("chat_id", msg.ChatID),
		attribute.Bool("is_edit", msg.IsEdit),
	))
	defer span.End()

	log := o.logger.With(
		zap.String("user_id", msg.UserID),
		zap.Int64("chat_id", msg.ChatID),
		zap.Int64("message_id", msg.MessageID),
	)

	unlock, err := o.locks.Lock(ctx, msg.UserID)
	if err != nil {
		log.Warn("gave up waiting for earlier request", zap.Error(err))
		span.SetStatus(codes.Error, "user lock")
		return failurePlan(err)
	}
	defer unlock()

	intent := o.Intent(msg)
	metrics.IntentsTotal.WithLabelValues(string(intent.Kind)).Inc()
	span.SetAttributes(attribute.String("intent", string(intent.Kind)))

	var plan model.DeliveryPlan
	if intent.Kind == classifier.KindMediaSubmission {
		plan = o.handleMedia(ctx, log, msg)
	} else {
		plan = o.handleText(ctx, log, msg.UserID, msg.Text, intent, model.StatsDelta{Messages: 1})
	}

	span.SetAttributes(
		attribute.String("model", plan.Model),
		attribute.String("outcome", string(plan.Outcome)),
	)
	if plan.Outcome != model.OutcomeSuccess && plan.Outcome != model.OutcomeFallback {
		span.SetStatus(codes.Error, string(plan.Outcome))
	}
	return plan
}

// handleText answers a text intent. Image requests short-circuit the chat
// model and fall back to it with a notice when generation fails.
func (o *Orchestrator) handleText(ctx context.Context, log *logger.Logger, userID, text string, intent classifier.Intent, delta model.StatsDelta) model.DeliveryPlan {
	if intent.Kind == classifier.KindImageGeneration {
		if plan, ok := o.generateImage(ctx, log, userID, intent.ImagePrompt); ok {
			return plan
		}
		plan := o.respond(ctx, log, turnRequest{userID: userID, text: text, intent: intent, delta: delta})
		plan.Notice = ImageFailureNotice
		return plan
	}
	return o.respond(ctx, log, turnRequest{userID: userID, text: text, intent: intent, delta: delta})
}

// turnRequest describes one chat-model exchange. text is what the user said
// and what history records unless historyText overrides it; prompt, when set,
// replaces the context-folded text sent to the model. onSuccess runs extra
// bookkeeping after history was updated.
type turnRequest struct {
	userID      string
	text        string
	prompt      string
	historyText string
	intent      classifier.Intent
	delta       model.StatsDelta
	sourceRef   string
	onSuccess   func(ctx context.Context, cfg model.ModelConfig, reply string)
}

// respond runs the chat-model path: load context, resolve the user's model,
// invoke it under protection and record the exchange on success only.
func (o *Orchestrator) respond(ctx context.Context, log *logger.Logger, req turnRequest) model.DeliveryPlan {
	session, err := o.assembler.Load(ctx, req.userID)
	if err != nil {
		metrics.ContextDegradedTotal.Inc()
	}

	preferred := ""
	if session != nil {
		preferred = session.PreferredModel
	}
	h, fellBack, err := o.registry.Resolve(preferred)
	if err != nil {
		log.Error("no usable model", zap.String("preferred", preferred), zap.Error(err))
		return failurePlan(err)
	}
	cfg := h.Config()
	log = log.With(zap.String("model", cfg.Name))

	payload := assembler.Build(session, cfg.MaxContextTurns, req.intent)
	prompt := req.prompt
	if prompt == "" {
		prompt = payload.Prompt(req.text)
	}
	prompt = modelhandler.ApplyStyleGuidelines(cfg, prompt)

	start := time.Now()
	var reply string
	err = o.protect(ctx, apiName(cfg), func(ctx context.Context) error {
		var err error
		reply, err = h.GenerateResponse(ctx, prompt, payload.History, cfg.Temperature, cfg.MaxTokens)
		return err
	})
	elapsed := time.Since(start)

	if err != nil {
		outcome := outcomeOf(err)
		metrics.RecordModelCall(cfg.Name, string(outcome), elapsed.Seconds())
		log.Error("model call failed", append([]zap.Field{
			zap.String("outcome", string(outcome)),
			zap.Duration("elapsed", elapsed),
		}, log.FailureFields(err)...)...)
		o.publish(ctx, req.userID, eventFor(outcome), cfg.Name, req.intent, err.Error(), elapsed)
		plan := failurePlan(err)
		plan.Model = cfg.Name
		return plan
	}

	outcome := model.OutcomeSuccess
	if fellBack {
		outcome = model.OutcomeFallback
	}
	metrics.RecordModelCall(cfg.Name, string(outcome), elapsed.Seconds())

	userTurn := req.text
	if req.historyText != "" {
		userTurn = req.historyText
	}
	if err := o.store.AppendTurns(ctx, req.userID,
		model.NewTurn(model.RoleUser, userTurn),
		model.NewTurn(model.RoleAssistant, reply),
	); err != nil {
		log.Warn("failed to record turns", zap.Error(err))
	}
	if err := o.store.UpdateStats(ctx, req.userID, req.delta); err != nil {
		log.Warn("failed to update stats", zap.Error(err))
	}
	if req.onSuccess != nil {
		req.onSuccess(ctx, cfg, reply)
	}
	o.publish(ctx, req.userID, model.EventTurnCompleted, cfg.Name, req.intent, "", elapsed)

	log.Info("reply generated",
		zap.String("intent", string(req.intent.Kind)),
		zap.Int("history_turns", len(payload.History)),
		zap.Int("omitted_turns", payload.OmittedTurns),
		zap.Duration("elapsed", elapsed),
	)

	return model.DeliveryPlan{
		Kind:      model.DeliveryText,
		Text:      reply,
		Indicator: h.ModelIndicator(),
		Model:     cfg.Name,
		Outcome:   outcome,
		SourceRef: req.sourceRef,
	}
}

// protect runs fn behind the breaker for api, the global concurrency cap and
// the rate limiter. An open circuit fails before any queueing. The limiter is
// a queue: waiting in it is not a failure.
func (o *Orchestrator) protect(ctx context.Context, api string, fn func(context.Context) error) error {
	breaker := o.breakers.Get(api)
	if breaker.Blocked() {
		return model.ErrCircuitOpen
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.sem.Release(1)

	if err := o.limiter.Acquire(ctx); err != nil {
		return err
	}
	return breaker.Execute(ctx, fn)
}

// apiName keys breakers by backend API so models sharing one provider trip together.
func apiName(cfg model.ModelConfig) string {
	if cfg.Provider != "" {
		return cfg.Provider
	}
	return cfg.Name
}

func outcomeOf(err error) model.Outcome {
	switch {
	case errors.Is(err, model.ErrCircuitOpen):
		return model.OutcomeCircuitOpen
	case errors.Is(err, model.ErrModelTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.OutcomeTimeout
	default:
		return model.OutcomeFailure
	}
}

func eventFor(outcome model.Outcome) model.EventType {
	switch outcome {
	case model.OutcomeCircuitOpen:
		return model.EventCircuitOpen
	case model.OutcomeTimeout:
		return model.EventTimeout
	default:
		return model.EventModelFailure
	}
}

// failurePlan maps an error onto the apology the user sees.
func failurePlan(err error) model.DeliveryPlan {
	outcome := outcomeOf(err)
	text := ErrorMessage
	switch {
	case outcome == model.OutcomeCircuitOpen:
		text = BusyMessage
	case outcome == model.OutcomeTimeout:
		text = TimeoutMessage
	case errors.Is(err, model.ErrEmptyResponse):
		text = EmptyResponseMessage
	}
	return model.DeliveryPlan{Kind: model.DeliveryText, Text: text, Outcome: outcome}
}
