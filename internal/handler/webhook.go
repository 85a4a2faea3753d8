// Package handler provides the HTTP handlers for the webhook, admin API and health checks.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/gembot/internal/dedup"
	"github.com/capitalize-ai/gembot/internal/telegram"
	"github.com/capitalize-ai/gembot/internal/worker"
	"github.com/capitalize-ai/gembot/pkg/logger"
	"github.com/capitalize-ai/gembot/pkg/metrics"
)

// SecretHeader carries the secret registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxUpdateBytes = 1 << 20

// UpdateHandler processes one Telegram update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u telegram.Update) error
}

// Submitter queues background work.
type Submitter interface {
	Submit(job worker.Job) error
}

// WebhookHandler receives Telegram updates and hands them to the worker pool.
type WebhookHandler struct {
	secret     string
	dedup      dedup.Deduper
	pool       Submitter
	updates    UpdateHandler
	jobTimeout time.Duration
	logger     *logger.Logger
}

// NewWebhookHandler creates a new webhook handler. An empty secret disables the check.
func NewWebhookHandler(secret string, d dedup.Deduper, pool Submitter, updates UpdateHandler, jobTimeout time.Duration, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:     secret,
		dedup:      d,
		pool:       pool,
		updates:    updates,
		jobTimeout: jobTimeout,
		logger:     log.Named("webhook"),
	}
}

// Receive handles POST /webhook
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(h.secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid secret token")
		return
	}

	var u telegram.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBytes)).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update")
		return
	}

	key := updateKey(u)
	if dup, err := h.dedup.Seen(r.Context(), key); err != nil {
		h.logger.Warn("dedup check failed, processing anyway", zap.Int64("update_id", u.UpdateID), zap.Error(err))
	} else if dup {
		metrics.DedupHitsTotal.Inc()
		metrics.TelegramUpdatesTotal.WithLabelValues("duplicate").Inc()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	err := h.pool.Submit(func(ctx context.Context) error {
		if h.jobTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.jobTimeout)
			defer cancel()
		}
		return h.updates.HandleUpdate(ctx, u)
	})
	if err != nil {
		// Telegram redelivers after a non-2xx answer; the redelivery must not look like a duplicate.
		if ferr := h.dedup.Forget(r.Context(), key); ferr != nil {
			h.logger.Warn("failed to forget rejected update", zap.Int64("update_id", u.UpdateID), zap.Error(ferr))
		}
	}
	switch {
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrStopped):
		h.logger.Warn("update rejected", zap.Int64("update_id", u.UpdateID), zap.Error(err))
		metrics.TelegramUpdatesTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusServiceUnavailable, "busy")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to queue update")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// updateKey identifies an update for deduplication. Edits carry the new text,
// so they are not mistaken for redeliveries of the original.
func updateKey(u telegram.Update) string {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil {
		return dedup.Key(u.UpdateID, 0, 0, "")
	}
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	return dedup.Key(u.UpdateID, msg.Chat.ID, msg.MessageID, content)
}
