// Package assembler builds the bounded context payload sent alongside a prompt.
package assembler

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/gembot/internal/classifier"
	"github.com/capitalize-ai/gembot/internal/model"
	"github.com/capitalize-ai/gembot/pkg/logger"
)

const (
	// DefaultMaxTurns is used when a model does not specify its own window.
	DefaultMaxTurns = 15
	// imageContextRecords is how many recent images are described.
	imageContextRecords = 3
	// imageDescriptionRunes bounds each image description.
	imageDescriptionRunes = 100
)

// Payload is the context attached to one prompt.
type Payload struct {
	// History holds the kept turns, preceded by a system note when older turns were left out.
	History         []model.Turn
	OmittedTurns    int
	ImageContext    string
	DocumentContext string
}

// HasAttachmentContext reports whether image or document context was built.
func (p Payload) HasAttachmentContext() bool {
	return p.ImageContext != "" || p.DocumentContext != ""
}

// SessionReader is the part of the conversation store the assembler needs.
type SessionReader interface {
	GetSession(ctx context.Context, userID string) (*model.UserSession, error)
}

// Assembler reads sessions and shapes them into payloads.
type Assembler struct {
	sessions SessionReader
	logger   *logger.Logger
}

// New creates an Assembler.
func New(sessions SessionReader, log *logger.Logger) *Assembler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Assembler{sessions: sessions, logger: log}
}

// Load reads the user's session. A store failure is logged and returned
// wrapped in model.ErrContextUnavailable with a nil session, which Build
// treats as an empty conversation.
func (a *Assembler) Load(ctx context.Context, userID string) (*model.UserSession, error) {
	session, err := a.sessions.GetSession(ctx, userID)
	if err != nil {
		a.logger.Warn("context unavailable, continuing without history",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", model.ErrContextUnavailable, err)
	}
	return session, nil
}

// Assemble loads the user's session and builds the payload. A store failure
// degrades to an empty payload; the returned error then wraps model.ErrContextUnavailable
// so callers can count it, but the payload is always usable.
func (a *Assembler) Assemble(ctx context.Context, userID string, maxTurns int, intent classifier.Intent) (Payload, error) {
	session, err := a.Load(ctx, userID)
	return Build(session, maxTurns, intent), err
}

// Build shapes an already loaded session. It never fails: malformed turns are
// dropped and missing records simply leave the matching context empty.
func Build(session *model.UserSession, maxTurns int, intent classifier.Intent) Payload {
	if session == nil {
		return Payload{}
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	valid := model.ValidTurns(session.History)
	kept := valid
	if len(kept) > maxTurns {
		kept = kept[len(kept)-maxTurns:]
	}

	omitted := len(valid) - len(kept)
	if archived := session.TotalTurns - len(session.History); archived > 0 {
		omitted += archived
	}

	history := make([]model.Turn, 0, len(kept)+1)
	if omitted > 0 {
		history = append(history, OmittedNote(omitted))
	}
	history = append(history, kept...)

	p := Payload{History: history, OmittedTurns: omitted}
	if intent.ReferencesImage {
		p.ImageContext = ImageContext(session.ImageHistory)
	}
	if intent.ReferencesDocument {
		if doc, ok := session.LatestDocument(); ok {
			p.DocumentContext = DocumentContext(doc)
		}
	}
	return p
}

// OmittedNote is the synthetic turn telling the model its memory was truncated.
func OmittedNote(n int) model.Turn {
	return model.Turn{
		Role:    model.RoleSystem,
		Content: fmt.Sprintf("Note: There are %d earlier messages in our conversation that aren't shown here.", n),
	}
}

// ImageContext describes the most recent images, oldest first.
func ImageContext(records []model.ImageRecord) string {
	if len(records) == 0 {
		return ""
	}
	if len(records) > imageContextRecords {
		records = records[len(records)-imageContextRecords:]
	}

	var b strings.Builder
	b.WriteString("Recently analyzed images:\n")
	for i, rec := range records {
		caption := rec.Caption
		if strings.TrimSpace(caption) == "" {
			caption = "No caption"
		}
		description := "No description"
		if strings.TrimSpace(rec.Description) != "" {
			description = logger.Truncate(rec.Description, imageDescriptionRunes)
		}
		fmt.Fprintf(&b, "[Image %d]: Caption: %s\nDescription: %s\n\n", i+1, caption, description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// DocumentContext carries the full, untruncated analysis of a document.
func DocumentContext(doc model.DocumentRecord) string {
	name := doc.FileName
	if name == "" {
		name = "Unknown document"
	}
	full := doc.FullResponse
	if strings.TrimSpace(full) == "" {
		full = "No content summary available"
	}
	return "Recently analyzed document: " + name + "\n\n" +
		"Full content summary:\n" + full + "\n\n" +
		"Please provide additional details or answer follow-up questions about this document, " +
		"focusing on aspects not covered in the initial response."
}

// Prompt folds any attachment context into the user's text. Image context
// always precedes document context.
func (p Payload) Prompt(userText string) string {
	if !p.HasAttachmentContext() {
		return userText
	}

	var sections []string
	if p.ImageContext != "" {
		sections = append(sections,
			"The user is referring to previously shared images. Here's the context of those images:\n\n"+p.ImageContext)
	}
	if p.DocumentContext != "" {
		intro := "The user is referring to previously processed documents. Here's the context of those documents:\n\n"
		if p.ImageContext != "" {
			intro = "The user is also referring to previously processed documents. Document context:\n\n"
		}
		sections = append(sections, intro+p.DocumentContext)
	}
	sections = append(sections, "User's question: "+userText)
	return strings.Join(sections, "\n\n")
}
