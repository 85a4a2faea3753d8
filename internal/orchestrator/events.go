package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/gembot/internal/classifier"
	"github.com/capitalize-ai/gembot/internal/model"
	"github.com/capitalize-ai/gembot/pkg/logger"
)

// publish emits a conversation event. Publishing never fails a request.
func (o *Orchestrator) publish(ctx context.Context, userID string, typ model.EventType, modelName string, intent classifier.Intent, reason string, latency time.Duration) {
	event := &model.ConversationEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Type:      typ,
		Model:     modelName,
		Intent:    string(intent.Kind),
		Reason:    logger.Truncate(reason, 200),
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}

	// The request context may already be close to its deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.EventTimeout)
	defer cancel()

	if _, err := o.events.PublishEvent(ctx, event); err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("user_id", userID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}
