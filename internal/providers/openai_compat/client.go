package openai_compat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"aiactions/internal/providers"
)

const providerName = "OpenAI-compatible"

type Config struct {
	// Name overrides the display name used in error messages.
	Name       string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to any server implementing the chat completions API. Chat
// completions accept images but not arbitrary documents, so non-image files
// are dropped from the request.
type Client struct {
	cfg    Config
	client *openai.Client
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.Name == "" {
		cfg.Name = providerName
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		oc.BaseURL = strings.TrimSuffix(base, "/")
	}
	oc.HTTPClient = cfg.HTTPClient
	return &Client{cfg: cfg, client: openai.NewClientWithConfig(oc)}
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Generate(ctx context.Context, req providers.Request) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: []openai.ChatCompletionMessage{c.buildMessage(req)},
	})
	if err != nil {
		c.cfg.Logger.Error().Err(err).Str("provider", c.cfg.Name).Str("model", req.Model).Msg("chat completion failed")
		return "", &providers.Error{Provider: c.cfg.Name, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &providers.Error{Provider: c.cfg.Name, Err: fmt.Errorf("empty choices in chat completion response")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) buildMessage(req providers.Request) openai.ChatCompletionMessage {
	parts, skipped := providers.DecodeFiles(req.Files)

	content := make([]openai.ChatMessagePart, 0, len(parts)+1)
	for _, p := range parts {
		if !p.Image {
			skipped = append(skipped, providers.SkippedFile{
				Filename: p.Filename,
				Err:      fmt.Errorf("mime type %s is not supported by chat completions", p.MimeType),
			})
			continue
		}
		content = append(content, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: p.DataURL(), Detail: openai.ImageURLDetailAuto},
		})
	}
	providers.LogSkipped(c.cfg.Logger, c.cfg.Name, skipped)

	content = append(content, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: providers.PromptText(req),
	})
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: content,
	}
}
