// Package store persists per-user conversation sessions.
package store

import (
	"context"
	"time"

	"github.com/capitalize-ai/gembot/internal/model"
)

// DefaultHistoryLimit is how many turns stay in a session's active history.
// Older turns are dropped from the window but still counted in TotalTurns.
const DefaultHistoryLimit = 50

// Store is the conversation store. GetSession creates the session on first access;
// every mutating call does the same, so callers never need an explicit create.
type Store interface {
	GetSession(ctx context.Context, userID string) (*model.UserSession, error)
	AppendTurns(ctx context.Context, userID string, turns ...model.Turn) error
	RecentTurns(ctx context.Context, userID string, k int) ([]model.Turn, error)
	UpdateStats(ctx context.Context, userID string, delta model.StatsDelta) error
	SetPreferredModel(ctx context.Context, userID, name string) error
	AddImageRecord(ctx context.Context, userID string, rec model.ImageRecord) error
	AddDocumentRecord(ctx context.Context, userID string, rec model.DocumentRecord) error
	// AttachDocumentReplies records the reply messages delivered for the document
	// that arrived in sourceMessageRef.
	AttachDocumentReplies(ctx context.Context, userID, sourceMessageRef string, replyRefs []string) error
	// ClearHistory drops turns and media records but keeps stats and preferences.
	ClearHistory(ctx context.Context, userID string) error
	// PurgeInactive deletes sessions whose last activity is before the cutoff.
	PurgeInactive(ctx context.Context, before time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

func lastActive(s *model.UserSession) time.Time {
	if s.Stats.LastActive.IsZero() {
		return s.CreatedAt
	}
	return s.Stats.LastActive
}

func keepLast[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return append([]T(nil), items[len(items)-n:]...)
	}
	return items
}

func cloneSession(s *model.UserSession) *model.UserSession {
	out := *s
	out.History = append([]model.Turn(nil), s.History...)
	out.ImageHistory = append([]model.ImageRecord(nil), s.ImageHistory...)
	out.DocumentHistory = make([]model.DocumentRecord, len(s.DocumentHistory))
	for i, d := range s.DocumentHistory {
		d.DeliveredReplyRefs = append([]string(nil), d.DeliveredReplyRefs...)
		out.DocumentHistory[i] = d
	}
	return &out
}
