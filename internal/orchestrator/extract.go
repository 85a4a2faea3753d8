package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/capitalize-ai/gembot/internal/llm"
	"github.com/capitalize-ai/gembot/internal/model"
	"github.com/capitalize-ai/gembot/pkg/metrics"
)

// ErrUnsupportedDocument is returned for formats an extractor cannot read.
var ErrUnsupportedDocument = errors.New("unsupported document format")

// DocumentExtractor turns an uploaded document into plain text.
type DocumentExtractor interface {
	Extract(ctx context.Context, fileName, mimeType string, data []byte) (string, error)
}

var textExtensions = map[string]bool{
	"txt": true, "md": true, "markdown": true, "csv": true, "tsv": true,
	"json": true, "yaml": true, "yml": true, "xml": true, "html": true, "htm": true,
	"log": true, "ini": true, "toml": true, "sql": true, "rst": true,
	"go": true, "py": true, "js": true, "ts": true, "java": true, "c": true,
	"h": true, "cpp": true, "rs": true, "rb": true, "sh": true, "css": true,
}

// TextExtractor reads the plain-text family of documents. UTF-16 files with a
// byte order mark are transcoded and other invalid UTF-8 is read as Windows-1252.
type TextExtractor struct{}

// Extract implements DocumentExtractor.
func (TextExtractor) Extract(_ context.Context, fileName, mimeType string, data []byte) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if !textExtensions[ext] && !strings.HasPrefix(mimeType, "text/") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDocument, fileName)
	}
	return decodeText(data)
}

func decodeText(data []byte) (string, error) {
	// BOMOverride switches to UTF-16 when a UTF-16 mark is present.
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	if !utf8.Valid(data) {
		dec = unicode.BOMOverride(charmap.Windows1252.NewDecoder())
	}
	out, _, err := transform.Bytes(dec, data)
	if err != nil {
		return "", fmt.Errorf("decode document: %w", err)
	}
	if bytes.IndexByte(out, 0) >= 0 {
		return "", fmt.Errorf("%w: binary content", ErrUnsupportedDocument)
	}
	return string(out), nil
}

const documentReadPrompt = "Extract the full text of this document. Keep headings, lists and tables readable as plain text. Reply with the text only."

// readableTypes are the non-text formats a model reader accepts inline.
var readableTypes = map[string]bool{
	"application/pdf": true,
}

// ModelExtractor reads text documents locally and hands PDFs and images to a
// model that understands them.
type ModelExtractor struct {
	Reader   llm.DocumentReader
	Fallback DocumentExtractor
}

// Extract implements DocumentExtractor.
func (e ModelExtractor) Extract(ctx context.Context, fileName, mimeType string, data []byte) (string, error) {
	local := e.Fallback
	if local == nil {
		local = TextExtractor{}
	}
	text, err := local.Extract(ctx, fileName, mimeType, data)
	if err == nil || !errors.Is(err, ErrUnsupportedDocument) || e.Reader == nil {
		return text, err
	}

	mt := documentMIME(fileName, mimeType)
	if !readableTypes[mt] && !strings.HasPrefix(mt, "image/") {
		return "", err
	}
	text, rerr := e.Reader.ReadDocument(ctx, data, mt, documentReadPrompt)
	if rerr != nil {
		return "", fmt.Errorf("read %s: %w", fileName, rerr)
	}
	return text, nil
}

// protectedReader sends model document reads through the same breaker,
// concurrency cap and rate limiter as every other backend call.
type protectedReader struct {
	o    *Orchestrator
	next llm.DocumentReader
}

// ReadDocument implements llm.DocumentReader.
func (r protectedReader) ReadDocument(ctx context.Context, data []byte, mimeType, prompt string) (string, error) {
	start := time.Now()
	var text string
	err := r.o.protect(ctx, documentAPI, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.o.cfg.ImageTimeout)
		defer cancel()

		var err error
		text, err = r.next.ReadDocument(ctx, data, mimeType, prompt)
		return err
	})
	outcome := model.OutcomeSuccess
	if err != nil {
		outcome = outcomeOf(err)
	}
	metrics.RecordModelCall(documentAPI, string(outcome), time.Since(start).Seconds())
	return text, err
}

// documentMIME returns the media type without parameters, guessing from the
// file extension when Telegram sent none.
func documentMIME(fileName, mimeType string) string {
	if mimeType == "" || mimeType == "application/octet-stream" {
		if guessed := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))); guessed != "" {
			mimeType = guessed
		}
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(mimeType)
}
