// Package model defines the domain types shared by the bot components.
package model

import (
	"strings"
	"time"
)

// Role represents the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one entry of a user's conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Language  string    `json:"language,omitempty"`
}

// Valid reports whether the turn has both a role and non-blank content.
func (t Turn) Valid() bool {
	return t.Role != "" && strings.TrimSpace(t.Content) != ""
}

// NewTurn builds a turn stamped with the current time.
func NewTurn(role Role, content string) Turn {
	return Turn{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// ValidTurns returns the well-formed turns in their original order.
func ValidTurns(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Valid() {
			out = append(out, t)
		}
	}
	return out
}
