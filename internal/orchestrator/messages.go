package orchestrator

import "fmt"

// User-facing replies. They never carry technical detail.
const (
	TimeoutMessage        = "Sorry, the request took too long to process. Please try again later."
	ErrorMessage          = "Sorry, there was an error processing your request. Please try again later."
	EmptyResponseMessage  = "Sorry, I couldn't generate a response. Please try rephrasing your message."
	BusyMessage           = "The service is busy right now. Please try again in a few minutes."
	ImageFailureNotice    = "Sorry, I couldn't generate that image. Please try a different description or try again later."
	VoiceFailureMessage   = "Sorry, I couldn't understand that voice message. Please try again or send text."
	DocumentEmptyMessage  = "Sorry, I couldn't read any text from that document."
	UnsupportedDocMessage = "Sorry, I can't read that kind of document yet. Please send a text-based file."

	// DefaultImagePrompt is used when a photo arrives without a caption.
	DefaultImagePrompt = "Please analyze this image and describe it."
	// DefaultDocumentPrompt is used when a document arrives without a caption.
	DefaultDocumentPrompt = "Analyze this document."
)

func imageCaption(prompt string) string {
	return "Generated image of: " + prompt
}

func imageRequestTurn(prompt string) string {
	return "Generate an image of: " + prompt
}

func imageReplyTurn(prompt string) string {
	return fmt.Sprintf("Here's the image I generated of %s.", prompt)
}

func transcriptNotice(text string) string {
	return fmt.Sprintf("🎤 \"%s\"", text)
}
