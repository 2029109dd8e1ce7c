// Package server exposes the HTTP API used by the host platform to trigger
// actions and by operators to manage providers, models and actions.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"aiactions/internal/action"
	"aiactions/internal/metrics"
	"aiactions/internal/preview"
	"aiactions/internal/queue"
	"aiactions/internal/storage"
)

type Store interface {
	Ping(ctx context.Context) error

	UpsertProvider(ctx context.Context, p storage.Provider) (int64, error)
	GetProvider(ctx context.Context, id int64) (storage.Provider, error)
	ListProviders(ctx context.Context, scopeID int64) ([]storage.Provider, error)
	DeleteProvider(ctx context.Context, id int64) error

	CreateModel(ctx context.Context, m storage.Model) (int64, error)
	ListModels(ctx context.Context, scopeID, providerID int64) ([]storage.Model, error)
	DeleteModel(ctx context.Context, id int64) error

	SaveAction(ctx context.Context, a storage.Action) (int64, error)
	GetAction(ctx context.Context, id int64) (storage.Action, error)
	ListActions(ctx context.Context, scopeID int64) ([]storage.Action, error)
	DeleteAction(ctx context.Context, id int64) error
	ListGenerations(ctx context.Context, actionID int64, limit uint64) ([]storage.GenerationEntry, error)
}

type Sealer interface {
	SealCredential(apiKey string) (string, error)
}

type Runner interface {
	Run(ctx context.Context, a storage.Action, recordIDs []int64) action.Report
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.RunJob) (string, error)
}

type Previewer interface {
	Preview(ctx context.Context, a storage.Action, recordID int64) string
}

type PreviewSessions interface {
	Open(ctx context.Context, actionID int64) (preview.Session, error)
	Get(ctx context.Context, id string) (preview.Session, error)
	SelectRecord(ctx context.Context, id string, recordID int64) (preview.Session, error)
	Close(ctx context.Context, id string) error
}

type Config struct {
	APIToken       string
	HealthPath     string
	MetricsPath    string
	DefaultScopeID int64
	Store          Store
	Sealer         Sealer
	Runner         Runner
	Queue          Enqueuer
	Previewer      Previewer
	Sessions       PreviewSessions
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

type Server struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) *Server {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.DefaultScopeID == 0 {
		cfg.DefaultScopeID = 1
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Server{cfg: cfg, logger: cfg.Logger, metrics: m}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get(s.cfg.HealthPath, s.handleHealth)
	r.Handle(s.cfg.MetricsPath, promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/providers", s.listProviders)
		r.Post("/providers", s.saveProvider)
		r.Delete("/providers/{id}", s.deleteProvider)

		r.Get("/models", s.listModels)
		r.Post("/models", s.createModel)
		r.Delete("/models/{id}", s.deleteModel)

		r.Get("/actions", s.listActions)
		r.Post("/actions", s.saveAction)
		r.Get("/actions/{id}", s.getAction)
		r.Delete("/actions/{id}", s.deleteAction)
		r.Get("/actions/{id}/generations", s.listGenerations)
		r.Post("/actions/{id}/run", s.runAction)
		r.Post("/actions/{id}/preview", s.previewAction)
		r.Post("/actions/{id}/preview/sessions", s.openPreviewSession)

		r.Get("/preview/sessions/{sid}", s.getPreviewSession)
		r.Put("/preview/sessions/{sid}", s.selectPreviewRecord)
		r.Delete("/preview/sessions/{sid}", s.closePreviewSession)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		http.Error(w, "db unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) scopeID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("scope_id")
	if raw == "" {
		return s.cfg.DefaultScopeID, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid scope_id")
	}
	return id, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps storage errors to a response and logs the unexpected ones.
func (s *Server) storeError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Str("op", op).Msg("store call failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
