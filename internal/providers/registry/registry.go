package registry

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"aiactions/internal/providers"
	"aiactions/internal/providers/anthropic_messages"
	"aiactions/internal/providers/custom_http"
	"aiactions/internal/providers/gemini"
	"aiactions/internal/providers/openai_compat"
	"aiactions/internal/providers/openai_responses"
)

// Settings is everything a constructor needs to bind an adapter to one
// provider row. APIKey is already decrypted.
type Settings struct {
	Code       string
	Name       string
	APIKey     string
	BaseURL    string
	Config     map[string]any
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Constructor func(Settings) (providers.Adapter, error)

type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func New() *Registry {
	return &Registry{ctors: map[string]Constructor{}}
}

// Default returns a registry with every built-in vendor registered.
func Default() *Registry {
	r := New()
	r.Register("openai", newOpenAI)
	r.Register("openrouter", newOpenRouter)
	r.Register("anthropic", newAnthropic)
	r.Register("google", newGoogle)
	r.Register("openai_compat", newOpenAICompat)
	r.Register("custom_http", newCustomHTTP)
	return r
}

// Register adds a constructor for code, replacing any existing one.
func (r *Registry) Register(code string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[code] = ctor
}

func (r *Registry) Lookup(code string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[code]
	return ctor, ok
}

func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for code := range r.ctors {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func newOpenAI(s Settings) (providers.Adapter, error) {
	return openai_responses.New(openai_responses.Config{
		Name:       "OpenAI",
		BaseURL:    firstNonEmpty(s.BaseURL, openai_responses.OpenAIBaseURL),
		APIKey:     s.APIKey,
		Headers:    headersFrom(s.Config),
		HTTPClient: s.HTTPClient,
		Logger:     s.Logger,
	}), nil
}

func newOpenRouter(s Settings) (providers.Adapter, error) {
	return openai_responses.New(openai_responses.Config{
		Name:       "OpenRouter",
		BaseURL:    firstNonEmpty(s.BaseURL, openai_responses.OpenRouterBaseURL),
		APIKey:     s.APIKey,
		Headers:    headersFrom(s.Config),
		HTTPClient: s.HTTPClient,
		Logger:     s.Logger,
	}), nil
}

func newAnthropic(s Settings) (providers.Adapter, error) {
	maxTokens := 0
	if v, ok := s.Config["max_tokens"].(float64); ok && v > 0 {
		maxTokens = int(v)
	}
	return anthropic_messages.New(anthropic_messages.Config{
		BaseURL:    s.BaseURL,
		APIKey:     s.APIKey,
		MaxTokens:  maxTokens,
		HTTPClient: s.HTTPClient,
		Logger:     s.Logger,
	}), nil
}

func newGoogle(s Settings) (providers.Adapter, error) {
	return gemini.New(gemini.Config{
		APIKey:     s.APIKey,
		BaseURL:    s.BaseURL,
		HTTPClient: s.HTTPClient,
		Logger:     s.Logger,
	}), nil
}

func newOpenAICompat(s Settings) (providers.Adapter, error) {
	if s.BaseURL == "" {
		return nil, fmt.Errorf("openai_compat provider %q requires a base url", s.Name)
	}
	return openai_compat.New(openai_compat.Config{
		Name:       s.Name,
		BaseURL:    s.BaseURL,
		APIKey:     s.APIKey,
		HTTPClient: s.HTTPClient,
		Logger:     s.Logger,
	}), nil
}

func newCustomHTTP(s Settings) (providers.Adapter, error) {
	if s.BaseURL == "" {
		return nil, fmt.Errorf("custom_http provider %q requires a url", s.Name)
	}
	bodyTemplate, _ := s.Config["body_template"].(string)
	method, _ := s.Config["method"].(string)
	return custom_http.New(custom_http.Config{
		Name:         s.Name,
		URL:          s.BaseURL,
		APIKey:       s.APIKey,
		Headers:      headersFrom(s.Config),
		BodyTemplate: bodyTemplate,
		Method:       firstNonEmpty(method, http.MethodPost),
		HTTPClient:   s.HTTPClient,
		Logger:       s.Logger,
	}), nil
}

func headersFrom(cfg map[string]any) map[string]string {
	raw, ok := cfg["headers"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
