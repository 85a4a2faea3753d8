package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTurnCompleted  EventType = "turn_completed"
	EventImageGenerated EventType = "image_generated"
	EventModelFailure   EventType = "model_failure"
	EventTimeout        EventType = "timeout"
	EventCircuitOpen    EventType = "circuit_open"
	EventHistoryCleared EventType = "history_cleared"
)

// ConversationEvent is published for every finished request.
type ConversationEvent struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      EventType      `json:"type"`
	Model     string         `json:"model,omitempty"`
	Intent    string         `json:"intent,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Sequence  uint64         `json:"sequence,omitempty"`
}
