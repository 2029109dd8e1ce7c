package action

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"aiactions/internal/mimetype"
	"aiactions/internal/providers"
	"aiactions/internal/storage"
)

var errEmptyAttachment = errors.New("attachment has no content")

// collectFiles gathers the report PDF and record attachments the model may
// receive. The report counts toward the model's file cap.
func (o *Orchestrator) collectFiles(ctx context.Context, a storage.Action, model storage.Model, recordID int64) []providers.File {
	if !model.FilesAllowed || model.MaxFiles <= 0 {
		return nil
	}
	files := make([]providers.File, 0, model.MaxFiles)

	if a.ReportID != nil {
		if f, ok := o.reportFile(ctx, a, recordID); ok {
			files = append(files, f)
		}
	}

	if !a.IncludeAllAttachments || len(files) >= model.MaxFiles {
		return files
	}
	allowed := []string{mimetype.PDF}
	if model.ImagesAllowed {
		allowed = append(allowed, mimetype.JPEG, mimetype.PNG)
	}
	attachments, err := o.host.Attachments(ctx, a.TargetModel, recordID, allowed)
	if err != nil {
		o.warn(ctx, TitleAttachment, "Error loading attachments\n"+err.Error())
		return files
	}
	for _, att := range attachments {
		if len(files) >= model.MaxFiles {
			break
		}
		if !contains(allowed, att.MimeType) {
			continue
		}
		if err := checkAttachment(att); err != nil {
			o.warn(ctx, TitleAttachment, fmt.Sprintf("Error processing attachment '%s'\n%s", att.Name, err))
			continue
		}
		files = append(files, providers.File{Filename: att.Name, Data: att.Data, MimeType: att.MimeType})
	}
	return files
}

func (o *Orchestrator) reportFile(ctx context.Context, a storage.Action, recordID int64) (providers.File, bool) {
	data, format, err := o.host.RenderReport(ctx, *a.ReportID, recordID)
	if err != nil {
		o.warn(ctx, TitleReport, "Error rendering report\n"+err.Error())
		return providers.File{}, false
	}
	if format != "pdf" {
		o.logger.Warn().Int64("report_id", *a.ReportID).Str("format", format).Msg("report is not a pdf, not attached")
		return providers.File{}, false
	}
	name := a.ReportName
	if name == "" {
		name = "report"
	}
	return providers.File{
		Filename: name + ".pdf",
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimetype.PDF,
	}, true
}

func checkAttachment(att Attachment) error {
	if strings.TrimSpace(att.Data) == "" {
		return errEmptyAttachment
	}
	if _, err := base64.StdEncoding.DecodeString(att.Data); err != nil {
		return fmt.Errorf("decode attachment: %w", err)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
