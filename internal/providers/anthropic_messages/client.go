package anthropic_messages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"aiactions/internal/providers"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	APIVersion       = "2023-06-01"
	DefaultMaxTokens = 1024

	providerName = "Anthropic"
)

type Config struct {
	BaseURL    string
	APIKey     string
	MaxTokens  int
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type block struct {
	Type   string  `json:"type"`
	Text   string  `json:"text,omitempty"`
	Source *source `json:"source,omitempty"`
}

type source struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func (c *Client) Generate(ctx context.Context, req providers.Request) (string, error) {
	body, err := c.buildPayload(req)
	if err != nil {
		return "", &providers.Error{Provider: providerName, Err: err}
	}
	text, err := c.call(ctx, body)
	if err != nil {
		c.cfg.Logger.Error().Err(err).Str("provider", providerName).Str("model", req.Model).Msg("messages api call failed")
		return "", &providers.Error{Provider: providerName, Err: err}
	}
	return text, nil
}

func (c *Client) buildPayload(req providers.Request) ([]byte, error) {
	parts, skipped := providers.DecodeFiles(req.Files)
	providers.LogSkipped(c.cfg.Logger, providerName, skipped)

	content := make([]block, 0, len(parts)+1)
	for _, p := range parts {
		kind := "document"
		if p.Image {
			kind = "image"
		}
		content = append(content, block{
			Type:   kind,
			Source: &source{Type: "base64", MediaType: p.MimeType, Data: p.Base64},
		})
	}
	content = append(content, block{Type: "text", Text: providers.PromptText(req)})

	b, err := json.Marshal(map[string]any{
		"model":      req.Model,
		"max_tokens": c.cfg.MaxTokens,
		"messages":   []message{{Role: "user", Content: content}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal messages payload: %w", err)
	}
	return b, nil
}

func (c *Client) call(ctx context.Context, body []byte) (string, error) {
	endpointURL := strings.TrimSuffix(strings.TrimSpace(c.cfg.BaseURL), "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", APIVersion)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, apiErrorMessage(respBody))
	}
	return parseMessage(respBody)
}

func parseMessage(body []byte) (string, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode messages response: %w", err)
	}
	for _, c := range resp.Content {
		if c.Type == "text" {
			return c.Text, nil
		}
	}
	return "", fmt.Errorf("missing text block in messages response")
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		if e.Error.Type != "" {
			return e.Error.Type + ": " + e.Error.Message
		}
		return e.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
