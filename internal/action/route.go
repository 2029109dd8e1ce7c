package action

import (
	"context"
	"fmt"

	"aiactions/internal/markup"
	"aiactions/internal/storage"
)

func (o *Orchestrator) route(ctx context.Context, a storage.Action, recordID int64, text string) error {
	switch a.OutputDestination {
	case storage.DestinationField:
		return o.writeField(ctx, a, recordID, text)
	default:
		body, err := markup.ToHTML(text)
		if err != nil {
			o.warn(ctx, TitleOutput, "Error posting note\n"+err.Error())
			return err
		}
		if err := o.host.PostNote(ctx, a.TargetModel, recordID, body); err != nil {
			o.warn(ctx, TitleOutput, "Error posting note\n"+err.Error())
			return fmt.Errorf("post note: %w", err)
		}
		return nil
	}
}

func (o *Orchestrator) writeField(ctx context.Context, a storage.Action, recordID int64, text string) error {
	if a.OutputFieldName == "" {
		return nil
	}
	if a.OutputFieldModel != a.TargetModel {
		o.warn(ctx, TitleOutput, fmt.Sprintf("Output field %s does not exist on model %s", a.OutputFieldName, a.TargetModel))
		return fmt.Errorf("%w: %s on %s", ErrFieldModelMismatch, a.OutputFieldName, a.OutputFieldModel)
	}

	value := text
	if a.OutputFieldType == "html" {
		html, err := markup.ToHTML(text)
		if err != nil {
			o.warn(ctx, TitleOutput, fmt.Sprintf("Error writing to field: %s\n%s", a.OutputFieldName, err))
			return err
		}
		value = html
	}
	if err := o.host.WriteField(ctx, a.TargetModel, recordID, a.OutputFieldName, value); err != nil {
		o.warn(ctx, TitleOutput, fmt.Sprintf("Error writing to field: %s\n%s", a.OutputFieldName, err))
		return fmt.Errorf("write field: %w", err)
	}
	return nil
}
