package action

import (
	"context"
	"fmt"
	"strings"

	"aiactions/internal/markup"
	"aiactions/internal/storage"
)

const chatterDateLayout = "2006-01-02 15:04:05"

func (o *Orchestrator) chatterHistory(ctx context.Context, a storage.Action, recordID int64) string {
	if a.IncludeChatter == "" || a.IncludeChatter == storage.ChatterNone {
		return ""
	}
	messages, err := o.host.Messages(ctx, a.TargetModel, recordID)
	if err != nil {
		o.logger.Warn().Err(err).Int64("record_id", recordID).Msg("failed to read chatter, continuing without it")
		return ""
	}
	return FormatChatter(a.IncludeChatter, messages)
}

// FormatChatter renders the messages selected by mode, one block per message
// separated by blank lines.
func FormatChatter(mode string, messages []ChatMessage) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		if !includeMessage(mode, m.Type) {
			continue
		}
		author := m.Author
		if author == "" {
			author = m.EmailFrom
		}
		if author == "" {
			author = "System"
		}
		date := "unknown date"
		if !m.Date.IsZero() {
			date = m.Date.Format(chatterDateLayout)
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", date, author, markup.ToText(m.Body)))
	}
	return strings.Join(lines, "\n\n")
}

func includeMessage(mode, messageType string) bool {
	switch mode {
	case storage.ChatterAll:
		return true
	case storage.ChatterMails:
		return messageType == "email"
	case storage.ChatterMailsNotes:
		return messageType == "email" || messageType == "comment"
	default:
		return false
	}
}
