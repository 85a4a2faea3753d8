package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/capitalize-ai/gembot/internal/model"
)

func TestTextExtractor(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		mime    string
		data    []byte
		want    string
		wantErr error
	}{
		{name: "utf8", file: "a.txt", data: []byte("héllo"), want: "héllo"},
		{name: "mime only", file: "README", mime: "text/plain", data: []byte("hi"), want: "hi"},
		{name: "utf16 bom", file: "a.txt", data: []byte{0xFF, 0xFE, 'h', 0, 'i', 0}, want: "hi"},
		{name: "windows-1252", file: "a.csv", data: []byte{'c', 'a', 'f', 0xE9}, want: "café"},
		{name: "pdf", file: "a.pdf", mime: "application/pdf", data: []byte("%PDF"), wantErr: ErrUnsupportedDocument},
		{name: "binary", file: "a.txt", data: []byte{'a', 0, 'b'}, wantErr: ErrUnsupportedDocument},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TextExtractor{}.Extract(context.Background(), tc.file, tc.mime, tc.data)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Extract() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("Extract() = %q, want %q", got, tc.want)
			}
		})
	}
}

type fakeReader struct {
	mime string
	text string
	err  error
	hits int
}

func (r *fakeReader) ReadDocument(_ context.Context, _ []byte, mimeType, _ string) (string, error) {
	r.hits++
	r.mime = mimeType
	return r.text, r.err
}

func TestModelExtractor(t *testing.T) {
	cases := []struct {
		name     string
		file     string
		mime     string
		readErr  error
		want     string
		wantMIME string
		wantHits int
		wantErr  error
	}{
		{name: "text stays local", file: "notes.txt", want: "plain", wantHits: 0},
		{name: "pdf read by model", file: "report.pdf", mime: "application/pdf", want: "from model", wantMIME: "application/pdf", wantHits: 1},
		{name: "pdf type guessed", file: "report.PDF", want: "from model", wantMIME: "application/pdf", wantHits: 1},
		{name: "archive unsupported", file: "a.zip", mime: "application/zip", wantErr: ErrUnsupportedDocument},
		{name: "reader failure", file: "report.pdf", mime: "application/pdf", readErr: model.ErrEmptyResponse, wantMIME: "application/pdf", wantHits: 1, wantErr: model.ErrEmptyResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reader := &fakeReader{text: "from model", err: tc.readErr}
			data := []byte("%PDF-1.7")
			if tc.file == "notes.txt" {
				data = []byte("plain")
			}
			got, err := ModelExtractor{Reader: reader}.Extract(context.Background(), tc.file, tc.mime, data)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Extract() error = %v, want %v", err, tc.wantErr)
				}
			} else if err != nil || got != tc.want {
				t.Fatalf("Extract() = %q, %v, want %q", got, err, tc.want)
			}
			if reader.hits != tc.wantHits || reader.mime != tc.wantMIME {
				t.Fatalf("reader hits = %d mime = %q, want %d %q", reader.hits, reader.mime, tc.wantHits, tc.wantMIME)
			}
		})
	}
}
