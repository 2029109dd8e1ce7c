package action

import (
	"context"
	"time"

	"aiactions/internal/providers/registry"
	"aiactions/internal/storage"
)

type Attachment struct {
	ID       int64
	Name     string
	MimeType string
	// Data is the base64 encoded content.
	Data string
}

type ChatMessage struct {
	Date      time.Time
	Author    string
	EmailFrom string
	Body      string
	Type      string
}

// Host is the business platform the records live on.
type Host interface {
	RecordExists(ctx context.Context, model string, id int64) (bool, error)
	RenderReport(ctx context.Context, reportID, recordID int64) (data []byte, format string, err error)
	Attachments(ctx context.Context, model string, recordID int64, mimetypes []string) ([]Attachment, error)
	Messages(ctx context.Context, model string, recordID int64) ([]ChatMessage, error)
	PostNote(ctx context.Context, model string, recordID int64, body string) error
	WriteField(ctx context.Context, model string, recordID int64, field string, value any) error
}

type TemplateRenderer interface {
	Render(ctx context.Context, tmpl, model string, recordID int64) (string, error)
}

type Notifier interface {
	Warn(ctx context.Context, title, message string)
}

type ModelStore interface {
	GetModelWithProvider(ctx context.Context, modelID int64) (storage.ModelWithProvider, error)
}

type ServiceResolver interface {
	Resolve(ctx context.Context, code string, scopeID int64) (registry.Service, error)
}

type Budget interface {
	Allow(ctx context.Context, scopeID int64) (bool, error)
}

type Journal interface {
	LogGenerations(ctx context.Context, entries []storage.GenerationEntry) error
}
