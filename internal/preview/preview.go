// Package preview renders an action's prompt for a sample record without
// calling any AI vendor.
package preview

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"aiactions/internal/storage"
)

const ErrorText = "Error generating preview. Check the template for errors."

type TemplateRenderer interface {
	Render(ctx context.Context, tmpl, model string, recordID int64) (string, error)
}

type RecordSource interface {
	RecordExists(ctx context.Context, model string, id int64) (bool, error)
	FirstRecordID(ctx context.Context, model string) (int64, bool, error)
}

type Previewer struct {
	templates TemplateRenderer
	records   RecordSource
	logger    zerolog.Logger
}

func NewPreviewer(templates TemplateRenderer, records RecordSource, logger zerolog.Logger) *Previewer {
	return &Previewer{templates: templates, records: records, logger: logger}
}

// Preview returns the rendered prompt for recordID, or ErrorText when the
// record is missing, the template is empty or rendering fails.
func (p *Previewer) Preview(ctx context.Context, a storage.Action, recordID int64) string {
	if strings.TrimSpace(a.PromptTemplate) == "" || recordID <= 0 {
		return ErrorText
	}
	exists, err := p.records.RecordExists(ctx, a.TargetModel, recordID)
	if err != nil || !exists {
		if err != nil {
			p.logger.Warn().Err(err).Int64("action_id", a.ID).Int64("record_id", recordID).Msg("preview record lookup failed")
		}
		return ErrorText
	}
	text, err := p.templates.Render(ctx, a.PromptTemplate, a.TargetModel, recordID)
	if err != nil {
		p.logger.Warn().Err(err).Int64("action_id", a.ID).Int64("record_id", recordID).Msg("preview render failed")
		return ErrorText
	}
	if strings.TrimSpace(text) == "" {
		return ErrorText
	}
	return text
}
