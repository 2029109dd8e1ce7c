package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"aiactions/internal/providers"
)

type Config struct {
	Name         string
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

// Client posts generation requests to an arbitrary HTTP endpoint. The body is
// either a fixed JSON document or the output of BodyTemplate.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.Name == "" {
		cfg.Name = "Custom HTTP"
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

type templateFile struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
	Image    bool   `json:"image"`
}

func (c *Client) Generate(ctx context.Context, req providers.Request) (string, error) {
	body, err := c.renderBody(req)
	if err != nil {
		return "", &providers.Error{Provider: c.cfg.Name, Err: err}
	}
	text, err := c.call(ctx, body)
	if err != nil {
		c.cfg.Logger.Error().Err(err).Str("provider", c.cfg.Name).Str("model", req.Model).Msg("custom http call failed")
		return "", &providers.Error{Provider: c.cfg.Name, Err: err}
	}
	return text, nil
}

func (c *Client) renderBody(req providers.Request) ([]byte, error) {
	parts, skipped := providers.DecodeFiles(req.Files)
	providers.LogSkipped(c.cfg.Logger, c.cfg.Name, skipped)

	files := make([]templateFile, 0, len(parts))
	for _, p := range parts {
		files = append(files, templateFile{Filename: p.Filename, MimeType: p.MimeType, Data: p.Base64, Image: p.Image})
	}
	prompt := providers.PromptText(req)

	if strings.TrimSpace(c.cfg.BodyTemplate) == "" {
		b, err := json.Marshal(map[string]any{
			"model":  req.Model,
			"files":  files,
			"prompt": prompt,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	tpl, err := template.New("custom_http_body").
		Option("missingkey=zero").
		Funcs(template.FuncMap{"json": toJSON}).
		Parse(c.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, map[string]any{
		"Model":  req.Model,
		"Prompt": prompt,
		"Files":  files,
		"APIKey": c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Client) call(ctx context.Context, body []byte) (string, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return "", fmt.Errorf("custom http url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build custom request: %w", err)
	}
	if len(c.cfg.Headers) == 0 {
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
	} else {
		for k, v := range c.cfg.Headers {
			req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("custom request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read custom response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("custom provider status %d", resp.StatusCode)
	}
	return extractText(b)
}

func extractText(body []byte) (string, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" {
			return trimmed, nil
		}
		return "", fmt.Errorf("decode custom response: %w", err)
	}

	for _, key := range []string{"text", "response", "answer", "output_text"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					return content, nil
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, nil
			}
		}
	}

	if content, ok := simple["content"].([]any); ok {
		for _, item := range content {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"].(string); ok && strings.TrimSpace(text) != "" {
					return text, nil
				}
			}
		}
	}

	return "", fmt.Errorf("custom response does not contain text field")
}
