package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"aiactions/internal/mimetype"
)

const (
	DefaultMimeType = mimetype.PDF
	DefaultFilename = "document.pdf"

	chatterHeader = "CHATTER HISTORY:"
)

// File is one attachment of a generation request. Data is base64 encoded.
type File struct {
	Filename string
	Data     string
	MimeType string
}

type Request struct {
	Prompt      string
	Model       string
	Files       []File
	ChatHistory string
}

// Adapter turns a Request into one vendor call and returns the generated text.
type Adapter interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Error is returned by adapters for any transport or vendor API failure.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("error calling %s API: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// PromptText is the final text element sent to every vendor.
func PromptText(req Request) string {
	if req.ChatHistory == "" {
		return req.Prompt
	}
	return req.Prompt + "\n\n" + chatterHeader + "\n" + req.ChatHistory
}

// Part is a decoded file ready to be shaped into a vendor payload.
type Part struct {
	Filename string
	MimeType string
	Base64   string
	Bytes    []byte
	Image    bool
}

// SkippedFile records a file dropped from the request and why.
type SkippedFile struct {
	Filename string
	Err      error
}

// DecodeFiles validates and classifies request files in order. Files whose
// content is not valid base64 are returned in skipped and left out of parts.
func DecodeFiles(files []File) (parts []Part, skipped []SkippedFile) {
	parts = make([]Part, 0, len(files))
	for _, f := range files {
		name := f.Filename
		if strings.TrimSpace(name) == "" {
			name = DefaultFilename
		}
		mt := f.MimeType
		if mt == "" {
			mt = DefaultMimeType
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(f.Data))
		if err != nil {
			skipped = append(skipped, SkippedFile{Filename: name, Err: fmt.Errorf("decode file content: %w", err)})
			continue
		}
		if len(raw) == 0 {
			skipped = append(skipped, SkippedFile{Filename: name, Err: fmt.Errorf("file content is empty")})
			continue
		}
		parts = append(parts, Part{
			Filename: name,
			MimeType: mt,
			Base64:   base64.StdEncoding.EncodeToString(raw),
			Bytes:    raw,
			Image:    mimetype.IsImage(mt),
		})
	}
	return parts, skipped
}

// DataURL renders p as a data URL.
func (p Part) DataURL() string {
	return "data:" + p.MimeType + ";base64," + p.Base64
}

// LogSkipped reports files dropped by DecodeFiles or by an adapter that
// cannot represent them.
func LogSkipped(logger zerolog.Logger, provider string, skipped []SkippedFile) {
	for _, s := range skipped {
		logger.Error().Err(s.Err).Str("provider", provider).Str("filename", s.Filename).Msg("file skipped")
	}
}
