package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aiactions/internal/action"
)

const dateTimeLayout = "2006-01-02 15:04:05"

func (c *Client) ReadRecords(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error) {
	kwargs := map[string]any{}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	var out []map[string]any
	if err := c.ExecuteKw(ctx, model, "read", []any{ids}, kwargs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RecordExists(ctx context.Context, model string, id int64) (bool, error) {
	var n int64
	domain := []any{[]any{"id", "=", id}}
	if err := c.ExecuteKw(ctx, model, "search_count", []any{domain}, nil, &n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Client) FirstRecordID(ctx context.Context, model string) (int64, bool, error) {
	var ids []int64
	if err := c.ExecuteKw(ctx, model, "search", []any{[]any{}}, map[string]any{"limit": 1, "order": "id asc"}, &ids); err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

type attachmentRow struct {
	ID       int64 `json:"id"`
	Name     any   `json:"name"`
	MimeType any   `json:"mimetype"`
	Datas    any   `json:"datas"`
}

func (c *Client) Attachments(ctx context.Context, model string, recordID int64, mimetypes []string) ([]action.Attachment, error) {
	domain := []any{
		[]any{"res_model", "=", model},
		[]any{"res_id", "=", recordID},
		[]any{"mimetype", "in", mimetypes},
	}
	kwargs := map[string]any{"fields": []string{"name", "mimetype", "datas"}, "order": "id asc"}
	var rows []attachmentRow
	if err := c.ExecuteKw(ctx, "ir.attachment", "search_read", []any{domain}, kwargs, &rows); err != nil {
		return nil, err
	}
	out := make([]action.Attachment, 0, len(rows))
	for _, r := range rows {
		out = append(out, action.Attachment{
			ID:       r.ID,
			Name:     str(r.Name),
			MimeType: str(r.MimeType),
			Data:     str(r.Datas),
		})
	}
	return out, nil
}

type messageRow struct {
	Date        any `json:"date"`
	AuthorID    any `json:"author_id"`
	EmailFrom   any `json:"email_from"`
	Body        any `json:"body"`
	MessageType any `json:"message_type"`
}

func (c *Client) Messages(ctx context.Context, model string, recordID int64) ([]action.ChatMessage, error) {
	domain := []any{
		[]any{"model", "=", model},
		[]any{"res_id", "=", recordID},
	}
	kwargs := map[string]any{
		"fields": []string{"date", "author_id", "email_from", "body", "message_type"},
		"order":  "id desc",
	}
	var rows []messageRow
	if err := c.ExecuteKw(ctx, "mail.message", "search_read", []any{domain}, kwargs, &rows); err != nil {
		return nil, err
	}
	out := make([]action.ChatMessage, 0, len(rows))
	for _, r := range rows {
		m := action.ChatMessage{
			Author:    many2oneName(r.AuthorID),
			EmailFrom: str(r.EmailFrom),
			Body:      str(r.Body),
			Type:      str(r.MessageType),
		}
		if d := str(r.Date); d != "" {
			if t, err := time.Parse(dateTimeLayout, d); err == nil {
				m.Date = t
			}
		}
		out = append(out, m)
	}
	return out, nil
}

type reportRow struct {
	ReportName string `json:"report_name"`
	ReportType string `json:"report_type"`
}

// RenderReport renders reportID for one record. Only qweb-pdf reports are
// downloaded; other types return their format and no data.
func (c *Client) RenderReport(ctx context.Context, reportID, recordID int64) ([]byte, string, error) {
	var rows []reportRow
	if err := c.ExecuteKw(ctx, "ir.actions.report", "read", []any{[]int64{reportID}}, map[string]any{"fields": []string{"report_name", "report_type"}}, &rows); err != nil {
		return nil, "", err
	}
	if len(rows) == 0 {
		return nil, "", fmt.Errorf("report %d not found", reportID)
	}
	format := strings.TrimPrefix(rows[0].ReportType, "qweb-")
	if format != "pdf" {
		return nil, format, nil
	}

	url := fmt.Sprintf("%s/report/pdf/%s/%d", c.cfg.URL, rows[0].ReportName, recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create report request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download report: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read report: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download report: status %d", resp.StatusCode)
	}
	return data, format, nil
}

func (c *Client) PostNote(ctx context.Context, model string, recordID int64, body string) error {
	kwargs := map[string]any{
		"body":          body,
		"body_is_html":  true,
		"message_type":  "comment",
		"subtype_xmlid": "mail.mt_note",
		"context":       cleanContext(),
	}
	return c.ExecuteKw(ctx, model, "message_post", []any{[]int64{recordID}}, kwargs, nil)
}

func (c *Client) WriteField(ctx context.Context, model string, recordID int64, field string, value any) error {
	args := []any{[]int64{recordID}, map[string]any{field: value}}
	return c.ExecuteKw(ctx, model, "write", args, map[string]any{"context": cleanContext()}, nil)
}

// NotifyWarning shows a warning toast to the integration user.
func (c *Client) NotifyWarning(ctx context.Context, title, message string) error {
	kwargs := map[string]any{"title": title, "message": message}
	return c.ExecuteKw(ctx, "res.users", "notify_warning", []any{[]int64{c.cfg.UID}}, kwargs, nil)
}

// str reads a string field; the host sends false for empty values.
func str(v any) string {
	s, _ := v.(string)
	return s
}

func many2oneName(v any) string {
	pair, ok := v.([]any)
	if !ok || len(pair) < 2 {
		return ""
	}
	return str(pair[1])
}

var (
	_ action.Host = (*Client)(nil)
)
