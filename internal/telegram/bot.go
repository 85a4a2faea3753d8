package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/gembot/internal/cache"
	"github.com/capitalize-ai/gembot/internal/classifier"
	"github.com/capitalize-ai/gembot/internal/delivery"
	"github.com/capitalize-ai/gembot/internal/model"
	"github.com/capitalize-ai/gembot/pkg/logger"
	"github.com/capitalize-ai/gembot/pkg/metrics"
)

const (
	thinkingPlaceholder = "Thinking...🧠"
	imagePlaceholder    = "Generating image... This may take a moment."
	downloadFailed      = "Sorry, I couldn't download that file. Please try again."
	maxCaptionRunes     = 1024

	defaultDeliveryTimeout = 30 * time.Second
)

// Orchestrator is what the bot needs from the orchestration layer.
type Orchestrator interface {
	Intent(msg model.InboundMessage) classifier.Intent
	HandleMessage(ctx context.Context, msg model.InboundMessage) model.DeliveryPlan
	ResetHistory(ctx context.Context, userID string) error
	SetModel(ctx context.Context, userID, name string) error
	CurrentModel(ctx context.Context, userID string) model.ModelConfig
	Models() []model.ModelConfig
	RecordDelivery(ctx context.Context, userID, sourceRef string, replyRefs []string)
}

// BotConfig configures a Bot.
type BotConfig struct {
	Username       string
	MaxDownload    int64
	ReplyCacheSize int
	ReplyCacheTTL  time.Duration
	// DeliveryTimeout bounds sending the reply and removing the placeholder.
	// It runs after orchestration even when the request context has expired.
	DeliveryTimeout time.Duration
}

// Bot turns Telegram updates into orchestrator calls and delivers the results.
type Bot struct {
	client      *Client
	orch        Orchestrator
	username    string
	maxDownload int64
	deliverFor  time.Duration
	// replies maps an inbound message ref to the ids of the bot's replies.
	replies *cache.LRU[string, []int64]
	logger  *logger.Logger
}

// NewBot creates a Bot.
func NewBot(client *Client, orch Orchestrator, cfg BotConfig, log *logger.Logger) *Bot {
	if cfg.ReplyCacheSize <= 0 {
		cfg.ReplyCacheSize = 1000
	}
	if cfg.ReplyCacheTTL <= 0 {
		cfg.ReplyCacheTTL = 24 * time.Hour
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Bot{
		client:      client,
		orch:        orch,
		username:    strings.TrimPrefix(cfg.Username, "@"),
		maxDownload: cfg.MaxDownload,
		deliverFor:  cfg.DeliveryTimeout,
		replies:     cache.New[string, []int64](cfg.ReplyCacheSize, cfg.ReplyCacheTTL),
		logger:      log.Named("telegram"),
	}
}

// Username returns the bot handle used for mention detection.
func (b *Bot) Username() string { return b.username }

// HandleUpdate processes one update end to end.
func (b *Bot) HandleUpdate(ctx context.Context, u Update) error {
	msg, ok := Normalize(u, b.username)
	if !ok {
		metrics.TelegramUpdatesTotal.WithLabelValues("ignored").Inc()
		return nil
	}
	log := b.logger.WithContext(uuid.NewString(), msg.ChatID, msg.UserID)

	if msg.IsEdit {
		b.dropStaleReplies(ctx, log, msg)
	}

	if cmd, args, ok := ParseCommand(msg.Text); ok && msg.Attachment == nil {
		if b.handleCommand(ctx, log, msg, cmd, args) {
			metrics.TelegramUpdatesTotal.WithLabelValues("command").Inc()
			return nil
		}
	}

	if msg.Attachment != nil {
		data, _, err := b.client.FetchFile(ctx, msg.Attachment.FileRef, b.maxDownload)
		if err != nil {
			log.Warn("attachment download failed", zap.Error(err))
			b.sendPlain(ctx, log, msg.ChatID, downloadFailed, msg.MessageID)
			metrics.TelegramUpdatesTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("download attachment: %w", err)
		}
		msg.Attachment.Data = data
	}

	placeholder, action := thinkingPlaceholder, "typing"
	if b.orch.Intent(msg).Kind == classifier.KindImageGeneration {
		placeholder, action = imagePlaceholder, "upload_photo"
	}
	if err := b.client.SendChatAction(ctx, msg.ChatID, action); err != nil {
		log.Debug("chat action failed", zap.Error(err))
	}
	placeholderID, err := b.client.SendMessage(ctx, msg.ChatID, placeholder, "", msg.MessageID)
	if err != nil {
		log.Debug("placeholder failed", zap.Error(err))
	}

	plan := b.orch.HandleMessage(ctx, msg)

	// The reply, including a timeout notice, must go out even if ctx is done.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.deliverFor)
	defer cancel()
	sent, err := b.Deliver(ctx, msg, plan)

	if placeholderID != 0 {
		if err := b.client.DeleteMessage(ctx, msg.ChatID, placeholderID); err != nil {
			log.Debug("placeholder cleanup failed", zap.Error(err))
		}
	}
	if len(sent) > 0 {
		b.replies.Set(msg.Ref(), sent)
	}
	if plan.SourceRef != "" && len(sent) > 0 {
		refs := make([]string, len(sent))
		for i, id := range sent {
			refs[i] = model.MessageRef(msg.ChatID, id)
		}
		b.orch.RecordDelivery(ctx, msg.UserID, plan.SourceRef, refs)
	}

	if err != nil {
		log.Error("delivery failed", zap.Error(err))
		metrics.TelegramUpdatesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.TelegramUpdatesTotal.WithLabelValues("processed").Inc()
	return nil
}

// Deliver sends a plan and returns the ids of the messages sent. Only the
// first chunk replies to the user's message.
func (b *Bot) Deliver(ctx context.Context, msg model.InboundMessage, plan model.DeliveryPlan) ([]int64, error) {
	if plan.Kind == model.DeliveryImage {
		caption := []rune(plan.Caption)
		if len(caption) > maxCaptionRunes {
			caption = caption[:maxCaptionRunes]
		}
		id, err := b.client.SendPhoto(ctx, msg.ChatID, plan.Image, "image"+extension(plan.ImageMIME), string(caption), msg.MessageID)
		if err != nil {
			return nil, fmt.Errorf("send photo: %w", err)
		}
		return []int64{id}, nil
	}

	var sent []int64
	replyTo := msg.MessageID
	for _, m := range delivery.Render(plan) {
		id, err := b.sendFormatted(ctx, msg.ChatID, m, replyTo)
		if err != nil {
			return sent, err
		}
		sent = append(sent, id)
		replyTo = 0
	}
	return sent, nil
}

// sendFormatted tries MarkdownV2 and falls back to plain text when Telegram
// rejects the markup.
func (b *Bot) sendFormatted(ctx context.Context, chatID int64, m delivery.Message, replyTo int64) (int64, error) {
	id, err := b.client.SendMessage(ctx, chatID, m.Markdown, "MarkdownV2", replyTo)
	if err == nil {
		return id, nil
	}
	if !IsParseError(err) {
		return 0, err
	}
	b.logger.Warn("markdown rejected, sending plain text", zap.Error(err))
	return b.client.SendMessage(ctx, chatID, m.Plain, "", replyTo)
}

func (b *Bot) sendPlain(ctx context.Context, log *logger.Logger, chatID int64, text string, replyTo int64) {
	if _, err := b.client.SendMessage(ctx, chatID, text, "", replyTo); err != nil {
		log.Warn("send failed", zap.Error(err))
	}
}

// dropStaleReplies deletes the replies sent for the original version of an edited message.
func (b *Bot) dropStaleReplies(ctx context.Context, log *logger.Logger, msg model.InboundMessage) {
	ids, ok := b.replies.Take(msg.Ref())
	if !ok {
		return
	}
	for _, id := range ids {
		if err := b.client.DeleteMessage(ctx, msg.ChatID, id); err != nil {
			log.Debug("stale reply cleanup failed", zap.Int64("reply_id", id), zap.Error(err))
		}
	}
}

// handleCommand runs /reset and /model. It reports false for anything else so
// the text reaches the model.
func (b *Bot) handleCommand(ctx context.Context, log *logger.Logger, msg model.InboundMessage, cmd, args string) bool {
	switch cmd {
	case "reset":
		reply := "Conversation history has been reset!"
		if err := b.orch.ResetHistory(ctx, msg.UserID); err != nil {
			log.Error("reset failed", zap.Error(err))
			reply = "Sorry, I couldn't reset the conversation. Please try again later."
		}
		b.sendPlain(ctx, log, msg.ChatID, reply, msg.MessageID)
		return true

	case "model":
		b.sendPlain(ctx, log, msg.ChatID, b.modelReply(ctx, log, msg.UserID, args), msg.MessageID)
		return true
	}
	return false
}

func (b *Bot) modelReply(ctx context.Context, log *logger.Logger, userID, name string) string {
	if name == "" {
		current := b.orch.CurrentModel(ctx, userID)
		var sb strings.Builder
		fmt.Fprintf(&sb, "Current model: %s\n\nAvailable models:\n", current.Indicator())
		for _, c := range b.orch.Models() {
			fmt.Fprintf(&sb, "%s (%s)\n", c.Indicator(), c.Name)
		}
		sb.WriteString("\nUse /model <name> to switch.")
		return sb.String()
	}

	name = strings.ToLower(name)
	if err := b.orch.SetModel(ctx, userID, name); err != nil {
		var cfgErr *model.ConfigurationError
		if errors.As(err, &cfgErr) {
			return fmt.Sprintf("Model %q is not available. Send /model to see the options.", name)
		}
		log.Error("model switch failed", zap.Error(err))
		return "Sorry, I couldn't switch models. Please try again later."
	}
	for _, c := range b.orch.Models() {
		if c.Name == name {
			return "Switched to " + c.Indicator() + "."
		}
	}
	return "Switched to " + name + "."
}

func extension(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
