package model

import (
	"time"
)

const (
	// MaxImageRecords is how many image records a session keeps.
	MaxImageRecords = 3
	// MaxDocumentRecords is how many document records a session keeps.
	MaxDocumentRecords = 5
	// SummaryLength bounds DocumentRecord.Summary.
	SummaryLength = 500
)

// UserSession is the durable per-user aggregate owned by the store.
type UserSession struct {
	UserID          string           `json:"user_id"`
	History         []Turn           `json:"history"`
	TotalTurns      int              `json:"total_turns"`
	PreferredModel  string           `json:"preferred_model,omitempty"`
	ImageHistory    []ImageRecord    `json:"image_history,omitempty"`
	DocumentHistory []DocumentRecord `json:"document_history,omitempty"`
	Stats           Stats            `json:"stats"`
	CreatedAt       time.Time        `json:"created_at"`
}

// LatestDocument returns the most recent document record, if any.
func (s *UserSession) LatestDocument() (DocumentRecord, bool) {
	if s == nil || len(s.DocumentHistory) == 0 {
		return DocumentRecord{}, false
	}
	return s.DocumentHistory[len(s.DocumentHistory)-1], true
}

// ImageRecord describes an image the user shared and its analysis.
type ImageRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	FileRef          string    `json:"file_ref"`
	Caption          string    `json:"caption"`
	Description      string    `json:"description"`
	SourceMessageRef string    `json:"source_message_ref"`
}

// DocumentRecord describes a document the user shared and its analysis.
// FullResponse is never truncated; follow-up questions are answered from it.
type DocumentRecord struct {
	Timestamp          time.Time `json:"timestamp"`
	FileRef            string    `json:"file_ref"`
	FileName           string    `json:"file_name"`
	Extension          string    `json:"extension"`
	PromptUsed         string    `json:"prompt_used"`
	Summary            string    `json:"summary"`
	FullResponse       string    `json:"full_response"`
	SourceMessageRef   string    `json:"source_message_ref"`
	DeliveredReplyRefs []string  `json:"delivered_reply_refs,omitempty"`
}

// Stats holds per-user activity counters.
type Stats struct {
	Messages        int       `json:"messages"`
	VoiceMessages   int       `json:"voice_messages"`
	Images          int       `json:"images"`
	Documents       int       `json:"documents"`
	ImagesGenerated int       `json:"images_generated"`
	LastActive      time.Time `json:"last_active"`
}

// StatsDelta is an increment applied to Stats. LastActive is always refreshed.
type StatsDelta struct {
	Messages        int
	VoiceMessages   int
	Images          int
	Documents       int
	ImagesGenerated int
}

// Apply adds the delta to s and stamps LastActive.
func (s *Stats) Apply(d StatsDelta, now time.Time) {
	s.Messages += d.Messages
	s.VoiceMessages += d.VoiceMessages
	s.Images += d.Images
	s.Documents += d.Documents
	s.ImagesGenerated += d.ImagesGenerated
	s.LastActive = now
}
