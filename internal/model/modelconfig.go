package model

import "time"

// ModelConfig is the immutable descriptor of one backend model.
type ModelConfig struct {
	Name              string
	DisplayName       string
	Emoji             string
	Provider          string
	BackendModel      string
	MaxContextTurns   int
	SystemMessage     string
	StyleInstructions string
	Temperature       float64
	MaxTokens         int
	Timeout           time.Duration
}

// Indicator is the label shown above the first reply chunk.
func (c ModelConfig) Indicator() string {
	if c.Emoji == "" {
		return c.DisplayName
	}
	return c.Emoji + " " + c.DisplayName
}
