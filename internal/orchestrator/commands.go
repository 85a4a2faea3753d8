package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/gembot/internal/classifier"
	"github.com/capitalize-ai/gembot/internal/model"
)

// ResetHistory clears a user's conversation while keeping stats and preference.
func (o *Orchestrator) ResetHistory(ctx context.Context, userID string) error {
	unlock, err := o.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := o.store.ClearHistory(ctx, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	o.publish(ctx, userID, model.EventHistoryCleared, "", classifier.Intent{}, "", 0)
	o.logger.Info("history cleared", zap.String("user_id", userID))
	return nil
}

// SetModel stores a user's preferred model. Unknown or unconfigured models
// are rejected with a *model.ConfigurationError.
func (o *Orchestrator) SetModel(ctx context.Context, userID, name string) error {
	if !o.registry.Available(name) {
		return &model.ConfigurationError{Model: name, Reason: "not available"}
	}
	if err := o.store.SetPreferredModel(ctx, userID, name); err != nil {
		return fmt.Errorf("set preferred model: %w", err)
	}
	o.logger.Info("preferred model changed", zap.String("user_id", userID), zap.String("model", name))
	return nil
}

// CurrentModel returns the model a user's next message will be answered by.
func (o *Orchestrator) CurrentModel(ctx context.Context, userID string) model.ModelConfig {
	session, _ := o.assembler.Load(ctx, userID)
	preferred := ""
	if session != nil {
		preferred = session.PreferredModel
	}
	if preferred != "" && o.registry.Available(preferred) {
		for _, c := range o.registry.Configs() {
			if c.Name == preferred {
				return c
			}
		}
	}
	for _, c := range o.registry.Configs() {
		if c.Name == o.registry.Primary() {
			return c
		}
	}
	return model.ModelConfig{Name: o.registry.Primary()}
}

// Models lists the selectable models, primary first.
func (o *Orchestrator) Models() []model.ModelConfig {
	return o.registry.Configs()
}

// RecordDelivery links sent reply message ids to the document record created
// for sourceRef.
func (o *Orchestrator) RecordDelivery(ctx context.Context, userID, sourceRef string, replyRefs []string) {
	if sourceRef == "" || len(replyRefs) == 0 {
		return
	}
	if err := o.store.AttachDocumentReplies(ctx, userID, sourceRef, replyRefs); err != nil {
		o.logger.Warn("failed to record delivered replies",
			zap.String("user_id", userID),
			zap.String("source_ref", sourceRef),
			zap.Error(err),
		)
	}
}

// Session returns a user's stored session.
func (o *Orchestrator) Session(ctx context.Context, userID string) (*model.UserSession, error) {
	session, err := o.store.GetSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}
