package model

// DeliveryKind is what the transport should send.
type DeliveryKind string

const (
	DeliveryText  DeliveryKind = "text"
	DeliveryImage DeliveryKind = "image"
)

// Outcome summarises how a request ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFallback    Outcome = "fallback"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeFailure     Outcome = "failure"
)

// DeliveryPlan is produced by the orchestrator; the transport renders it.
type DeliveryPlan struct {
	Kind      DeliveryKind
	Text      string
	Image     []byte
	ImageMIME string
	Caption   string
	// Indicator labels the first text chunk, e.g. "🧠 Gemini". Empty for system replies.
	Indicator string
	// Notice is prepended to Text, e.g. to explain an image-generation fallback.
	Notice  string
	Model   string
	Outcome Outcome
	// SourceRef is set when the sent message ids should be reported back for
	// the document record created from this request.
	SourceRef string
}

// Body returns the text to deliver including any notice.
func (p *DeliveryPlan) Body() string {
	if p.Notice == "" {
		return p.Text
	}
	if p.Text == "" {
		return p.Notice
	}
	return p.Notice + "\n\n" + p.Text
}
