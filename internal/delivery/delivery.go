// Package delivery renders delivery plans into Telegram-sized messages.
package delivery

import (
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/gembot/internal/model"
)

// MaxMessageLength is Telegram's limit for one text message.
const MaxMessageLength = 4096

// EmptyReply replaces a blank body.
const EmptyReply = "No response generated. Please try again."

// Message is one chunk ready to send. Markdown is tried first; Plain is the
// fallback when Telegram rejects the markup.
type Message struct {
	Markdown string
	Plain    string
}

// Compose returns the full text of a plan with the model indicator on top.
func Compose(plan model.DeliveryPlan) string {
	body := strings.TrimSpace(plan.Body())
	if body == "" {
		body = EmptyReply
	}
	if plan.Indicator == "" {
		return body
	}
	return plan.Indicator + "\n\n" + body
}

// Render splits a text plan into messages whose formatted form fits the limit.
// The indicator therefore only appears on the first message.
func Render(plan model.DeliveryPlan) []Message {
	chunks := Split(Compose(plan), MaxMessageLength, func(s string) int {
		return utf8.RuneCountInString(FormatMarkdownV2(s))
	})
	out := make([]Message, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, Message{Markdown: FormatMarkdownV2(c), Plain: c})
	}
	return out
}

// Split breaks text into chunks of at most limit as measured by size, on line
// boundaries where possible. A single line longer than the limit is hard split.
// A nil size counts runes.
func Split(text string, limit int, size func(string) int) []string {
	if size == nil {
		size = utf8.RuneCountInString
	}
	if text == "" {
		return nil
	}
	if size(text) <= limit {
		return []string{text}
	}

	var (
		chunks  []string
		current string
	)
	flush := func() {
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
	}

	for _, line := range strings.Split(text, "\n") {
		candidate := line
		if current != "" {
			candidate = current + "\n" + line
		}
		if size(candidate) <= limit {
			current = candidate
			continue
		}
		flush()
		if size(line) <= limit {
			current = line
			continue
		}
		parts := hardSplit(line, limit, size)
		chunks = append(chunks, parts[:len(parts)-1]...)
		current = parts[len(parts)-1]
	}
	flush()
	return chunks
}

func hardSplit(line string, limit int, size func(string) int) []string {
	var (
		parts []string
		b     strings.Builder
	)
	for _, r := range line {
		next := b.String() + string(r)
		if b.Len() > 0 && size(next) > limit {
			parts = append(parts, b.String())
			b.Reset()
		}
		b.WriteRune(r)
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}
