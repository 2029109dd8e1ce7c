// Package render renders prompt templates against host records with
// text/template.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"
)

var ErrRecordNotFound = errors.New("record not found")

type RecordReader interface {
	ReadRecords(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error)
}

type Config struct {
	Records RecordReader
	UserID  int64
	Now     func() time.Time
}

type Engine struct {
	records RecordReader
	userID  int64
	now     func() time.Time
}

func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{records: cfg.Records, userID: cfg.UserID, now: cfg.Now}
}

// Parse compiles tmpl with the helper functions available to prompts.
func Parse(tmpl string) (*template.Template, error) {
	t, err := template.New("prompt").Option("missingkey=error").Funcs(Funcs()).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

// Render evaluates tmpl for one record of model. An empty template renders to
// an empty string without touching the host.
func (e *Engine) Render(ctx context.Context, tmpl, model string, recordID int64) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		return "", nil
	}
	t, err := Parse(tmpl)
	if err != nil {
		return "", err
	}
	rows, err := e.records.ReadRecords(ctx, model, []int64{recordID}, nil)
	if err != nil {
		return "", fmt.Errorf("read record: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: %s(%d)", ErrRecordNotFound, model, recordID)
	}
	return Execute(t, e.Context(model, rows[0]))
}

// Context is the data a prompt template is evaluated against.
func (e *Engine) Context(model string, record map[string]any) map[string]any {
	return map[string]any{
		"record":  record,
		"object":  record,
		"model":   model,
		"user_id": e.userID,
		"now":     e.now(),
	}
}

func Execute(t *template.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}
