// Package modelhandler adapts LLM clients to a uniform reply contract and
// resolves user model preferences to handlers.
package modelhandler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/gembot/internal/llm"
	"github.com/capitalize-ai/gembot/internal/model"
	"github.com/capitalize-ai/gembot/internal/resilience"
	"github.com/capitalize-ai/gembot/pkg/logger"
	"github.com/capitalize-ai/gembot/pkg/metrics"
)

// Handler generates replies with one backend model.
type Handler interface {
	// GenerateResponse answers prompt given earlier turns. Zero temperature or
	// maxTokens fall back to the model's configuration.
	GenerateResponse(ctx context.Context, prompt string, history []model.Turn, temperature float64, maxTokens int) (string, error)
	SystemMessage() string
	ModelIndicator() string
	Config() model.ModelConfig
}

type chatHandler struct {
	cfg    model.ModelConfig
	client llm.Client
	retry  resilience.RetryPolicy
	logger *logger.Logger
}

func newChatHandler(cfg model.ModelConfig, client llm.Client, retry resilience.RetryPolicy, log *logger.Logger) *chatHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &chatHandler{cfg: cfg, client: client, retry: retry, logger: log.Named(cfg.Name)}
}

func (h *chatHandler) Config() model.ModelConfig { return h.cfg }

func (h *chatHandler) SystemMessage() string { return h.cfg.SystemMessage }

func (h *chatHandler) ModelIndicator() string { return h.cfg.Indicator() }

// MemoryReminder is injected ahead of a non-empty history.
func MemoryReminder(n int) string {
	return fmt.Sprintf("IMPORTANT: You have access to %d previous messages in this conversation. "+
		"You MUST use this history to maintain context and provide coherent responses. "+
		"If asked about previous questions or context, refer to this history.", n)
}

func (h *chatHandler) GenerateResponse(ctx context.Context, prompt string, history []model.Turn, temperature float64, maxTokens int) (string, error) {
	if temperature <= 0 {
		temperature = h.cfg.Temperature
	}
	if maxTokens <= 0 {
		maxTokens = h.cfg.MaxTokens
	}

	req := &llm.CompletionRequest{
		Model:       h.cfg.BackendModel,
		System:      h.cfg.SystemMessage,
		Messages:    buildMessages(prompt, history),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	var resp *llm.CompletionResponse
	err := h.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = h.client.Complete(ctx, req)
		if err != nil && model.IsTransient(err) {
			h.logger.Warn("transient backend failure, retrying", zap.Error(err))
		}
		return err
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s after %s: %w", h.cfg.Name, h.cfg.Timeout, model.ErrModelTimeout)
		}
		return "", err
	}

	metrics.RecordTokens(h.cfg.Name, resp.TokensIn, resp.TokensOut)
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", fmt.Errorf("%s: %w", h.cfg.Name, model.ErrEmptyResponse)
	}
	return content, nil
}

// buildMessages maps turns onto the generic chat roles. Malformed turns are skipped.
func buildMessages(prompt string, history []model.Turn) []llm.ChatMessage {
	valid := model.ValidTurns(history)
	messages := make([]llm.ChatMessage, 0, len(valid)+2)
	if len(valid) > 0 {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: MemoryReminder(len(valid))})
	}
	for _, t := range valid {
		messages = append(messages, llm.ChatMessage{Role: string(t.Role), Content: t.Content})
	}
	return append(messages, llm.ChatMessage{Role: "user", Content: prompt})
}

// ApplyStyleGuidelines prepends the model's style block to a prompt.
func ApplyStyleGuidelines(cfg model.ModelConfig, prompt string) string {
	style := strings.TrimSpace(cfg.StyleInstructions)
	if style == "" {
		return prompt
	}
	return style + "\n\nUser query: " + prompt
}
