package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"aiactions/internal/providers"
)

const providerName = "Google Gemini"

type Config struct {
	APIKey string
	// BaseURL overrides the Gemini API endpoint, mainly for proxies and tests.
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Generate(ctx context.Context, req providers.Request) (string, error) {
	client, err := genai.NewClient(ctx, c.clientConfig())
	if err != nil {
		return "", &providers.Error{Provider: providerName, Err: fmt.Errorf("create genai client: %w", err)}
	}

	contents := []*genai.Content{genai.NewContentFromParts(c.buildParts(req), genai.RoleUser)}
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, nil)
	if err != nil {
		c.cfg.Logger.Error().Err(err).Str("provider", providerName).Str("model", req.Model).Msg("generate content failed")
		return "", &providers.Error{Provider: providerName, Err: err}
	}

	text, err := responseText(resp)
	if err != nil {
		return "", &providers.Error{Provider: providerName, Err: err}
	}
	return text, nil
}

func (c *Client) clientConfig() *genai.ClientConfig {
	cfg := &genai.ClientConfig{
		APIKey:     c.cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.cfg.HTTPClient,
	}
	if base := strings.TrimSpace(c.cfg.BaseURL); base != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimSuffix(base, "/") + "/"}
	}
	return cfg
}

func (c *Client) buildParts(req providers.Request) []*genai.Part {
	decoded, skipped := providers.DecodeFiles(req.Files)
	providers.LogSkipped(c.cfg.Logger, providerName, skipped)

	parts := make([]*genai.Part, 0, len(decoded)+1)
	for _, p := range decoded {
		parts = append(parts, genai.NewPartFromBytes(p.Bytes, p.MimeType))
	}
	return append(parts, genai.NewPartFromText(providers.PromptText(req)))
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no text in generated content")
	}
	return sb.String(), nil
}
