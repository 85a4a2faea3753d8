package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/gembot/internal/classifier"
	"github.com/capitalize-ai/gembot/internal/llm"
	"github.com/capitalize-ai/gembot/internal/model"
	"github.com/capitalize-ai/gembot/pkg/logger"
	"github.com/capitalize-ai/gembot/pkg/metrics"
)

const (
	visionIndicator = "🖼️ Image analysis"
	// maxDocumentRunes bounds the extracted text sent to a model.
	maxDocumentRunes = 30000
)

var errCapabilityMissing = errors.New("capability not configured")

// generateImage tries the image capability. It reports false when the
// caller should fall back to a text reply.
func (o *Orchestrator) generateImage(ctx context.Context, log *logger.Logger, userID, prompt string) (model.DeliveryPlan, bool) {
	if o.images == nil {
		log.Warn("image generation requested but not configured")
		return model.DeliveryPlan{}, false
	}

	start := time.Now()
	var img *llm.GeneratedImage
	err := o.protect(ctx, imageAPI, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.ImageTimeout)
		defer cancel()

		var err error
		img, err = o.images.GenerateImage(ctx, prompt)
		if err == nil && (img == nil || len(img.Data) == 0) {
			err = fmt.Errorf("image generation: %w", model.ErrEmptyResponse)
		}
		return err
	})
	elapsed := time.Since(start)

	intent := classifier.Intent{Kind: classifier.KindImageGeneration, ImagePrompt: prompt}
	if err != nil {
		outcome := outcomeOf(err)
		metrics.RecordModelCall(imageAPI, string(outcome), elapsed.Seconds())
		log.Warn("image generation failed, falling back to text",
			append([]zap.Field{zap.String("outcome", string(outcome))}, log.FailureFields(err)...)...)
		o.publish(ctx, userID, eventFor(outcome), imageAPI, intent, err.Error(), elapsed)
		return model.DeliveryPlan{}, false
	}
	metrics.RecordModelCall(imageAPI, string(model.OutcomeSuccess), elapsed.Seconds())

	if err := o.store.AppendTurns(ctx, userID,
		model.NewTurn(model.RoleUser, imageRequestTurn(prompt)),
		model.NewTurn(model.RoleAssistant, imageReplyTurn(prompt)),
	); err != nil {
		log.Warn("failed to record image turns", zap.Error(err))
	}
	if err := o.store.UpdateStats(ctx, userID, model.StatsDelta{ImagesGenerated: 1}); err != nil {
		log.Warn("failed to update stats", zap.Error(err))
	}
	o.publish(ctx, userID, model.EventImageGenerated, imageAPI, intent, "", elapsed)

	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return model.DeliveryPlan{
		Kind:      model.DeliveryImage,
		Image:     img.Data,
		ImageMIME: mime,
		Caption:   imageCaption(prompt),
		Model:     imageAPI,
		Outcome:   model.OutcomeSuccess,
	}, true
}

// handleMedia dispatches a direct submission by attachment kind.
func (o *Orchestrator) handleMedia(ctx context.Context, log *logger.Logger, msg model.InboundMessage) model.DeliveryPlan {
	switch msg.AttachmentKind() {
	case model.AttachmentImage:
		return o.analyzeImage(ctx, log, msg)
	case model.AttachmentVoice:
		return o.handleVoice(ctx, log, msg)
	case model.AttachmentDocument:
		return o.analyzeDocument(ctx, log, msg)
	default:
		return failurePlan(fmt.Errorf("unsupported attachment %q", msg.AttachmentKind()))
	}
}

func (o *Orchestrator) analyzeImage(ctx context.Context, log *logger.Logger, msg model.InboundMessage) model.DeliveryPlan {
	if o.vision == nil {
		log.Warn("image received but vision is not configured")
		return failurePlan(errCapabilityMissing)
	}

	caption := strings.TrimSpace(msg.Text)
	prompt := caption
	if prompt == "" {
		prompt = DefaultImagePrompt
	}

	start := time.Now()
	var description string
	err := o.protect(ctx, visionAPI, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.ImageTimeout)
		defer cancel()

		var err error
		description, err = o.vision.AnalyzeImage(ctx, msg.Attachment.Data, msg.Attachment.MimeType, prompt)
		if err == nil && strings.TrimSpace(description) == "" {
			err = fmt.Errorf("vision: %w", model.ErrEmptyResponse)
		}
		return err
	})
	elapsed := time.Since(start)

	intent := classifier.Intent{Kind: classifier.KindMediaSubmission, Media: model.AttachmentImage}
	if err != nil {
		outcome := outcomeOf(err)
		metrics.RecordModelCall(visionAPI, string(outcome), elapsed.Seconds())
		log.Error("image analysis failed", log.FailureFields(err)...)
		o.publish(ctx, msg.UserID, eventFor(outcome), visionAPI, intent, err.Error(), elapsed)
		plan := failurePlan(err)
		plan.Model = visionAPI
		return plan
	}
	metrics.RecordModelCall(visionAPI, string(model.OutcomeSuccess), elapsed.Seconds())

	userTurn := "[Shared an image]"
	if caption != "" {
		userTurn += " " + caption
	}
	if err := o.store.AppendTurns(ctx, msg.UserID,
		model.NewTurn(model.RoleUser, userTurn),
		model.NewTurn(model.RoleAssistant, description),
	); err != nil {
		log.Warn("failed to record image turns", zap.Error(err))
	}
	if err := o.store.AddImageRecord(ctx, msg.UserID, model.ImageRecord{
		Timestamp:        time.Now().UTC(),
		FileRef:          msg.Attachment.FileRef,
		Caption:          caption,
		Description:      description,
		SourceMessageRef: msg.Ref(),
	}); err != nil {
		log.Warn("failed to record image", zap.Error(err))
	}
	if err := o.store.UpdateStats(ctx, msg.UserID, model.StatsDelta{Images: 1}); err != nil {
		log.Warn("failed to update stats", zap.Error(err))
	}
	o.publish(ctx, msg.UserID, model.EventTurnCompleted, visionAPI, intent, "", elapsed)

	return model.DeliveryPlan{
		Kind:      model.DeliveryText,
		Text:      description,
		Indicator: visionIndicator,
		Model:     visionAPI,
		Outcome:   model.OutcomeSuccess,
	}
}

// handleVoice transcribes the audio and answers the transcript like typed text.
func (o *Orchestrator) handleVoice(ctx context.Context, log *logger.Logger, msg model.InboundMessage) model.DeliveryPlan {
	if o.transcribe == nil {
		log.Warn("voice received but transcription is not configured")
		return failurePlan(errCapabilityMissing)
	}

	name := msg.Attachment.FileName
	if name == "" {
		name = "voice.ogg"
	}

	var text string
	err := o.protect(ctx, transcribeAPI, func(ctx context.Context) error {
		var err error
		text, err = o.transcribe.Transcribe(ctx, msg.Attachment.Data, name)
		return err
	})
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		if err != nil {
			log.Error("transcription failed", log.FailureFields(err)...)
		}
		if err != nil && outcomeOf(err) != model.OutcomeFailure {
			return failurePlan(err)
		}
		return model.DeliveryPlan{Kind: model.DeliveryText, Text: VoiceFailureMessage, Outcome: model.OutcomeFailure}
	}

	intent := o.classifier.Classify(text, model.AttachmentNone)
	metrics.IntentsTotal.WithLabelValues(string(intent.Kind)).Inc()

	plan := o.handleText(ctx, log, msg.UserID, text, intent, model.StatsDelta{Messages: 1, VoiceMessages: 1})
	notice := transcriptNotice(text)
	if plan.Notice != "" {
		notice += "\n\n" + plan.Notice
	}
	plan.Notice = notice
	return plan
}

// analyzeDocument extracts the text of a document and has the user's model
// analyse it. The untruncated reply is kept for follow-up questions.
func (o *Orchestrator) analyzeDocument(ctx context.Context, log *logger.Logger, msg model.InboundMessage) model.DeliveryPlan {
	att := msg.Attachment
	content, err := o.extractor.Extract(ctx, att.FileName, att.MimeType, att.Data)
	if err != nil {
		log.Warn("document extraction failed",
			zap.String("file_name", att.FileName),
			zap.Error(err),
		)
		if errors.Is(err, ErrUnsupportedDocument) {
			return model.DeliveryPlan{Kind: model.DeliveryText, Text: UnsupportedDocMessage, Outcome: model.OutcomeFailure}
		}
		return failurePlan(err)
	}
	if strings.TrimSpace(content) == "" {
		return model.DeliveryPlan{Kind: model.DeliveryText, Text: DocumentEmptyMessage, Outcome: model.OutcomeFailure}
	}

	prompt := strings.TrimSpace(msg.Text)
	if prompt == "" {
		prompt = DefaultDocumentPrompt
	}
	ref := msg.Ref()
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(att.FileName), "."))

	return o.respond(ctx, log, turnRequest{
		userID:      msg.UserID,
		text:        prompt,
		prompt:      documentPrompt(prompt, att.FileName, content),
		intent:      classifier.Intent{Kind: classifier.KindMediaSubmission, Media: model.AttachmentDocument},
		delta:       model.StatsDelta{Documents: 1},
		historyText: fmt.Sprintf("[Shared a document: %s] %s", att.FileName, prompt),
		sourceRef:   ref,
		onSuccess: func(ctx context.Context, cfg model.ModelConfig, reply string) {
			err := o.store.AddDocumentRecord(ctx, msg.UserID, model.DocumentRecord{
				Timestamp:        time.Now().UTC(),
				FileRef:          att.FileRef,
				FileName:         att.FileName,
				Extension:        ext,
				PromptUsed:       prompt,
				Summary:          summarize(reply, model.SummaryLength),
				FullResponse:     reply,
				SourceMessageRef: ref,
			})
			if err != nil {
				log.Warn("failed to record document", zap.Error(err))
			}
		},
	})
}

func documentPrompt(prompt, fileName, content string) string {
	return fmt.Sprintf("%s\n\nDocument: %s\n\n%s", prompt, fileName, logger.Truncate(content, maxDocumentRunes))
}

// summarize shortens s to at most n runes including the ellipsis.
func summarize(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
