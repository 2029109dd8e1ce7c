package openai_responses

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"aiactions/internal/providers"
)

const (
	OpenAIBaseURL     = "https://api.openai.com/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

type Config struct {
	// Name is the display name used in error messages, e.g. "OpenAI".
	Name       string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client speaks the OpenAI Responses API. OpenRouter exposes the same API
// under a different base URL.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenAIBaseURL
	}
	if cfg.Name == "" {
		cfg.Name = "OpenAI"
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Generate(ctx context.Context, req providers.Request) (string, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return "", &providers.Error{Provider: c.cfg.Name, Err: err}
	}
	text, err := c.call(ctx, endpointURL, body)
	if err != nil {
		c.cfg.Logger.Error().Err(err).Str("provider", c.cfg.Name).Str("model", req.Model).Msg("responses api call failed")
		return "", &providers.Error{Provider: c.cfg.Name, Err: err}
	}
	return text, nil
}

type inputMessage struct {
	Role    string         `json:"role"`
	Content []inputContent `json:"content"`
}

type inputContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
}

func (c *Client) buildPayload(req providers.Request) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	parts, skipped := providers.DecodeFiles(req.Files)
	providers.LogSkipped(c.cfg.Logger, c.cfg.Name, skipped)

	content := make([]inputContent, 0, len(parts)+1)
	for _, p := range parts {
		if p.Image {
			content = append(content, inputContent{Type: "input_image", ImageURL: p.DataURL()})
			continue
		}
		content = append(content, inputContent{Type: "input_file", Filename: p.Filename, FileData: p.DataURL()})
	}
	content = append(content, inputContent{Type: "input_text", Text: providers.PromptText(req)})

	payload := map[string]any{
		"model": req.Model,
		"input": []inputMessage{{Role: "user", Content: content}},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal responses payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) call(ctx context.Context, endpointURL string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

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
	return parseResponses(respBody)
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if strings.HasSuffix(base, "/responses") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/responses"
	return u.String(), nil
}

func parseResponses(body []byte) (string, error) {
	var resp struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode responses api response: %w", err)
	}
	if strings.TrimSpace(resp.OutputText) != "" {
		return resp.OutputText, nil
	}
	var texts []string
	for _, item := range resp.Output {
		for _, c := range item.Content {
			if c.Type == "output_text" || c.Text != "" {
				texts = append(texts, c.Text)
			}
		}
	}
	if out := strings.Join(texts, ""); strings.TrimSpace(out) != "" {
		return out, nil
	}
	return "", fmt.Errorf("missing output text in responses api response")
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
