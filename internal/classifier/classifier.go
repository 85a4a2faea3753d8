// Package classifier decides what an incoming message is asking for.
package classifier

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/capitalize-ai/gembot/internal/model"
)

// Kind is the primary intent of a message.
type Kind string

const (
	KindPlainText          Kind = "plain_text"
	KindImageGeneration    Kind = "image_generation"
	KindAttachmentFollowUp Kind = "attachment_follow_up"
	KindMediaSubmission    Kind = "media_submission"
)

// Intent is the classification result. The reference flags are independent of
// Kind and of each other: a message may reference image and document history at once.
type Intent struct {
	Kind               Kind
	ImagePrompt        string
	ReferencesImage    bool
	ReferencesDocument bool
	Media              model.AttachmentKind
}

// WantsContext reports whether any attachment context should be attached.
func (i Intent) WantsContext() bool {
	return i.ReferencesImage || i.ReferencesDocument
}

var defaultImageTriggers = []string{
	"generate an image", "generate image", "create an image", "create image",
	"make an image", "make image", "draw", "generate a picture", "create a picture",
	"generate img", "create img", "make img", "generate a photo", "image of",
	"picture of", "photo of", "draw me", "generate me an image", "create me an image",
	"make me an image", "generate me a picture", "can you generate an image",
	"can you create an image", "i want an image of", "please make an image",
}

var defaultFillers = []string{
	"that shows", "of", "about", "showing", "depicting", "with", ":", "-",
}

var defaultImageKeywords = []string{
	"image", "picture", "photo", "pic", "img", "that image", "the picture",
}

var defaultDocumentKeywords = []string{
	"document", "doc", "file", "pdf", "that document", "the file", "the pdf",
	"tell me more", "more information", "more details", "explain further",
	"tell me about it", "what else", "elaborate",
}

// Classifier holds the keyword tables. It is safe for concurrent use.
type Classifier struct {
	triggers []string
	fillers  []string
	imageKW  []string
	docKW    []string
}

// Option customises a Classifier.
type Option func(*Classifier)

// WithImageTriggers replaces the image-generation trigger phrases.
func WithImageTriggers(triggers ...string) Option {
	return func(c *Classifier) { c.triggers = normalize(triggers) }
}

// WithDocumentKeywords replaces the document follow-up keywords.
func WithDocumentKeywords(keywords ...string) Option {
	return func(c *Classifier) { c.docKW = normalize(keywords) }
}

// New creates a classifier with the default tables.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		triggers: normalize(defaultImageTriggers),
		fillers:  normalize(defaultFillers),
		imageKW:  normalize(defaultImageKeywords),
		docKW:    normalize(defaultDocumentKeywords),
	}
	for _, opt := range opts {
		opt(c)
	}
	// Longest first so "draw me" wins over "draw".
	sort.SliceStable(c.triggers, func(i, j int) bool {
		return len(c.triggers[i]) > len(c.triggers[j])
	})
	return c
}

// Classify inspects text and any submitted attachment.
func (c *Classifier) Classify(text string, attachment model.AttachmentKind) Intent {
	if attachment != model.AttachmentNone {
		return Intent{Kind: KindMediaSubmission, Media: attachment}
	}

	lower := strings.ToLower(text)
	intent := Intent{
		Kind:               KindPlainText,
		ReferencesImage:    containsAny(lower, c.imageKW),
		ReferencesDocument: containsAny(lower, c.docKW),
	}

	if prompt, ok := c.ImagePrompt(text); ok {
		intent.Kind = KindImageGeneration
		intent.ImagePrompt = prompt
		return intent
	}

	if intent.WantsContext() {
		intent.Kind = KindAttachmentFollowUp
	}
	return intent
}

// ImagePrompt extracts the image description following the longest matching
// trigger phrase. It reports false when no trigger matches or nothing remains.
func (c *Classifier) ImagePrompt(text string) (string, bool) {
	lower := strings.ToLower(text)
	// Offsets from lower only line up with text when lowering kept byte lengths.
	source := text
	if len(lower) != len(text) {
		source = lower
	}

	for _, trigger := range c.triggers {
		_, end := indexWord(lower, trigger)
		if end < 0 {
			continue
		}
		prompt := c.stripFillers(source[end:])
		if prompt == "" {
			return "", false
		}
		return prompt, true
	}
	return "", false
}

func (c *Classifier) stripFillers(s string) string {
	s = strings.TrimSpace(s)
	for {
		trimmed := false
		lower := strings.ToLower(s)
		for _, f := range c.fillers {
			if !strings.HasPrefix(lower, f) {
				continue
			}
			rest := s[len(f):]
			// Word fillers must be followed by a space; punctuation fillers need not.
			if isWordPhrase(f) && rest != "" && !strings.HasPrefix(rest, " ") {
				continue
			}
			s = strings.TrimSpace(rest)
			trimmed = true
			break
		}
		if !trimmed || s == "" {
			return s
		}
	}
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if start, _ := indexWord(lower, p); start >= 0 {
			return true
		}
	}
	return false
}

// indexWord finds phrase in s at word boundaries and returns the match bounds.
// A trailing plural "s" is tolerated so "images" matches "image" but "topic"
// never matches "pic".
func indexWord(s, phrase string) (int, int) {
	from := 0
	for from <= len(s)-len(phrase) {
		i := strings.Index(s[from:], phrase)
		if i < 0 {
			return -1, -1
		}
		i += from
		end := i + len(phrase)
		if boundaryBefore(s, i) {
			if boundaryAfter(s, end) {
				return i, end
			}
			if end < len(s) && s[end] == 's' && boundaryAfter(s, end+1) {
				return i, end + 1
			}
		}
		from = i + 1
	}
	return -1, -1
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isWordPhrase(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return isWordRune(r)
}
