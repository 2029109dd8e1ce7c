package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"aiactions/internal/providers"
	"aiactions/internal/storage"
)

var (
	ErrProviderNotFound    = errors.New("ai provider not found")
	ErrMissingCredential   = errors.New("ai provider has no api key")
	ErrUnsupportedProvider = errors.New("ai provider is not supported")
)

type ProviderStore interface {
	FindActiveProvider(ctx context.Context, code string, scopeID int64) (storage.Provider, error)
}

type CredentialOpener interface {
	OpenCredential(sealed string) (string, error)
}

// Service is an adapter bound to the provider row it was built from.
type Service struct {
	Provider storage.Provider
	Adapter  providers.Adapter
}

type FactoryConfig struct {
	Registry       *Registry
	Store          ProviderStore
	Credentials    CredentialOpener
	HTTPClient     *http.Client
	DefaultScopeID int64
	Logger         zerolog.Logger
}

type Factory struct {
	registry       *Registry
	store          ProviderStore
	credentials    CredentialOpener
	httpClient     *http.Client
	defaultScopeID int64
	logger         zerolog.Logger
}

func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Registry == nil {
		cfg.Registry = Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Factory{
		registry:       cfg.Registry,
		store:          cfg.Store,
		credentials:    cfg.Credentials,
		httpClient:     cfg.HTTPClient,
		defaultScopeID: cfg.DefaultScopeID,
		logger:         cfg.Logger,
	}
}

// Resolve builds the adapter for the active provider with the given code in
// scopeID. A zero scopeID means the default scope.
func (f *Factory) Resolve(ctx context.Context, code string, scopeID int64) (Service, error) {
	if scopeID == 0 {
		scopeID = f.defaultScopeID
	}
	p, err := f.store.FindActiveProvider(ctx, code, scopeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Service{}, fmt.Errorf("%w: code %q in scope %d", ErrProviderNotFound, code, scopeID)
		}
		return Service{}, fmt.Errorf("find provider: %w", err)
	}
	if !p.HasCredential() {
		return Service{}, fmt.Errorf("%w: %s", ErrMissingCredential, p.Name)
	}
	ctor, ok := f.registry.Lookup(p.Code)
	if !ok {
		return Service{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, p.Code)
	}

	apiKey, err := f.credentials.OpenCredential(*p.EncAPIKey)
	if err != nil {
		return Service{}, fmt.Errorf("open credential: %w", err)
	}
	if apiKey == "" {
		return Service{}, fmt.Errorf("%w: %s", ErrMissingCredential, p.Name)
	}
	cfg, err := p.Config()
	if err != nil {
		return Service{}, err
	}

	adapter, err := ctor(Settings{
		Code:       p.Code,
		Name:       p.Name,
		APIKey:     apiKey,
		BaseURL:    p.BaseURL,
		Config:     cfg,
		HTTPClient: f.httpClient,
		Logger:     f.logger.With().Str("provider", p.Code).Logger(),
	})
	if err != nil {
		return Service{}, fmt.Errorf("build %s adapter: %w", p.Code, err)
	}
	return Service{Provider: p, Adapter: adapter}, nil
}
