package modelhandler

import (
	"time"

	"github.com/capitalize-ai/gembot/internal/llm"
	"github.com/capitalize-ai/gembot/internal/model"
)

// Model names accepted by /model and stored as preferences.
const (
	Gemini      = "gemini"
	DeepSeek    = "deepseek"
	QuasarAlpha = "quasar_alpha"
	Claude      = "claude"
)

const conversationalStyle = `Please follow these guidelines for your response:
- Use straightforward language and explain technical terms
- Focus on essential information first
- Include code examples for programming questions
- Use a professional yet conversational tone
- End with a follow-up question when appropriate`

const analyticalStyle = `Please follow these guidelines for your response:
- Provide detailed analytical responses
- Include code examples for programming questions
- Use logical organization with headers
- Start with the most important information
- End complex responses with a follow-up question`

const memoryClause = "IMPORTANT: You have a conversation memory and can remember previous exchanges with the user. " +
	"If asked about previous questions or what was discussed earlier, reference your conversation history " +
	"to provide an accurate response. Never tell the user you can't remember previous interactions unless your history is truly empty."

// DefaultPresets returns the built-in model descriptors. Gemini is the primary model.
func DefaultPresets() []model.ModelConfig {
	return []model.ModelConfig{
		{
			Name:              Gemini,
			DisplayName:       "Gemini",
			Emoji:             "🧠",
			Provider:          string(llm.ProviderGoogle),
			MaxContextTurns:   15,
			SystemMessage:     "You are Gemini, a helpful AI assistant in a Telegram chat. You answer accurately and concisely.\n\n" + memoryClause,
			StyleInstructions: conversationalStyle,
			Temperature:       0.7,
			MaxTokens:         4000,
			Timeout:           60 * time.Second,
		},
		{
			Name:              DeepSeek,
			DisplayName:       "DeepSeek",
			Emoji:             "🔮",
			Provider:          string(llm.ProviderDeepSeek),
			BackendModel:      "deepseek-chat",
			MaxContextTurns:   9,
			SystemMessage:     "You are DeepSeek, an AI assistant. When introducing yourself, always refer to yourself as DeepSeek. You help users with tasks and answer questions helpfully, accurately, and ethically.\n\n" + memoryClause,
			StyleInstructions: analyticalStyle,
			Temperature:       0.7,
			MaxTokens:         4000,
			Timeout:           300 * time.Second,
		},
		{
			Name:              QuasarAlpha,
			DisplayName:       "Quasar Alpha",
			Emoji:             "🌌",
			Provider:          string(llm.ProviderOpenRouter),
			BackendModel:      "openrouter/quasar-alpha",
			MaxContextTurns:   9,
			SystemMessage:     "You are Quasar Alpha, a helpful AI assistant in a Telegram chat.\n\n" + memoryClause,
			StyleInstructions: conversationalStyle,
			Temperature:       0.7,
			MaxTokens:         4000,
			Timeout:           120 * time.Second,
		},
		{
			Name:              Claude,
			DisplayName:       "Claude",
			Emoji:             "🎭",
			Provider:          string(llm.ProviderAnthropic),
			MaxContextTurns:   12,
			SystemMessage:     "You are Claude, a helpful AI assistant in a Telegram chat.\n\n" + memoryClause,
			StyleInstructions: conversationalStyle,
			Temperature:       0.7,
			MaxTokens:         4000,
			Timeout:           120 * time.Second,
		},
	}
}
