package openai_compat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"aiactions/internal/providers"
)

func TestBuildMessageDropsDocuments(t *testing.T) {
	c := New(Config{BaseURL: "http://localhost:11434/v1"})
	png := base64.StdEncoding.EncodeToString([]byte("png"))
	pdf := base64.StdEncoding.EncodeToString([]byte("pdf"))

	msg := c.buildMessage(providers.Request{
		Prompt: "Describe",
		Files: []providers.File{
			{Filename: "a.pdf", Data: pdf},
			{Filename: "b.png", Data: png, MimeType: "image/png"},
		},
	})
	if msg.Role != openai.ChatMessageRoleUser {
		t.Fatalf("unexpected role %q", msg.Role)
	}
	if len(msg.MultiContent) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(msg.MultiContent))
	}
	if msg.MultiContent[0].Type != openai.ChatMessagePartTypeImageURL || msg.MultiContent[0].ImageURL.URL != "data:image/png;base64,"+png {
		t.Fatalf("unexpected image part: %+v", msg.MultiContent[0])
	}
	if msg.MultiContent[1].Type != openai.ChatMessagePartTypeText || msg.MultiContent[1].Text != "Describe" {
		t.Fatalf("unexpected text part: %+v", msg.MultiContent[1])
	}
}

func TestGenerateAgainstServer(t *testing.T) {
	var req struct {
		Model string `json:"model"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer local" {
			t.Errorf("unexpected auth %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Done."},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "local", HTTPClient: srv.Client()})
	text, err := c.Generate(context.Background(), providers.Request{Prompt: "hi", Model: "llama3"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "Done." || req.Model != "llama3" {
		t.Fatalf("unexpected result text=%q model=%q", text, req.Model)
	}
}

func TestGenerateWrapsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c := New(Config{Name: "Local LLM", BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := c.Generate(context.Background(), providers.Request{Prompt: "hi", Model: "m"})
	var perr *providers.Error
	if !errors.As(err, &perr) || perr.Provider != "Local LLM" {
		t.Fatalf("expected providers.Error for Local LLM, got %v", err)
	}
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected wrapped openai.APIError with 429, got %v", err)
	}
}
