package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"aiactions/internal/action"
	"aiactions/internal/preview"
	"aiactions/internal/queue"
	"aiactions/internal/storage"
)

type providerDTO struct {
	ID            int64          `json:"id"`
	ScopeID       int64          `json:"scope_id"`
	Name          string         `json:"name"`
	Code          string         `json:"code"`
	Sequence      int            `json:"sequence"`
	BaseURL       string         `json:"base_url,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Active        bool           `json:"active"`
	HasCredential bool           `json:"has_credential"`
	CreatedAt     time.Time      `json:"created_at"`
}

type providerRequest struct {
	Name     string         `json:"name"`
	Code     string         `json:"code"`
	Sequence int            `json:"sequence"`
	APIKey   string         `json:"api_key"`
	BaseURL  string         `json:"base_url"`
	Config   map[string]any `json:"config"`
	Active   *bool          `json:"active"`
}

func toProviderDTO(p storage.Provider) providerDTO {
	cfg, _ := p.Config()
	return providerDTO{
		ID:            p.ID,
		ScopeID:       p.ScopeID,
		Name:          p.Name,
		Code:          p.Code,
		Sequence:      p.Sequence,
		BaseURL:       p.BaseURL,
		Config:        cfg,
		Active:        p.Active,
		HasCredential: p.HasCredential(),
		CreatedAt:     p.CreatedAt,
	}
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.cfg.Store.ListProviders(r.Context(), scopeID)
	if err != nil {
		s.storeError(w, err, "list providers")
		return
	}
	out := make([]providerDTO, 0, len(rows))
	for _, p := range rows {
		out = append(out, toProviderDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) saveProvider(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req providerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name and code are required")
		return
	}

	p := storage.Provider{
		ScopeID:  scopeID,
		Name:     req.Name,
		Code:     req.Code,
		Sequence: req.Sequence,
		BaseURL:  req.BaseURL,
		Active:   req.Active == nil || *req.Active,
	}
	if len(req.Config) > 0 {
		raw, err := jsonString(req.Config)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid config")
			return
		}
		p.ConfigJSON = raw
	}
	if key := strings.TrimSpace(req.APIKey); key != "" {
		sealed, err := s.cfg.Sealer.SealCredential(key)
		if err != nil {
			s.logger.Error().Err(err).Str("code", req.Code).Msg("failed to seal provider credential")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		p.EncAPIKey = &sealed
	}

	id, err := s.cfg.Store.UpsertProvider(r.Context(), p)
	if err != nil {
		s.storeError(w, err, "upsert provider")
		return
	}
	saved, err := s.cfg.Store.GetProvider(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "get provider")
		return
	}
	writeJSON(w, http.StatusOK, toProviderDTO(saved))
}

func (s *Server) deleteProvider(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Store.DeleteProvider(r.Context(), id); err != nil {
		s.storeError(w, err, "delete provider")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modelDTO struct {
	ID            int64  `json:"id"`
	ProviderID    int64  `json:"provider_id"`
	Name          string `json:"name"`
	TechnicalName string `json:"technical_name"`
	FilesAllowed  bool   `json:"files_allowed"`
	ImagesAllowed bool   `json:"images_allowed"`
	MaxFiles      int    `json:"max_files"`
	Sequence      int    `json:"sequence"`
	Active        bool   `json:"active"`
}

func toModelDTO(m storage.Model) modelDTO {
	return modelDTO{
		ID:            m.ID,
		ProviderID:    m.ProviderID,
		Name:          m.Name,
		TechnicalName: m.TechnicalName,
		FilesAllowed:  m.FilesAllowed,
		ImagesAllowed: m.ImagesAllowed,
		MaxFiles:      m.MaxFiles,
		Sequence:      m.Sequence,
		Active:        m.Active,
	}
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var providerID int64
	if raw := r.URL.Query().Get("provider_id"); raw != "" {
		providerID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid provider_id")
			return
		}
	}
	rows, err := s.cfg.Store.ListModels(r.Context(), scopeID, providerID)
	if err != nil {
		s.storeError(w, err, "list models")
		return
	}
	out := make([]modelDTO, 0, len(rows))
	for _, m := range rows {
		out = append(out, toModelDTO(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		modelDTO
		Active *bool `json:"active"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ProviderID <= 0 || strings.TrimSpace(req.TechnicalName) == "" {
		writeError(w, http.StatusBadRequest, "provider_id and technical_name are required")
		return
	}
	if _, err := s.cfg.Store.GetProvider(r.Context(), req.ProviderID); err != nil {
		s.storeError(w, err, "get provider")
		return
	}
	m := storage.Model{
		ProviderID:    req.ProviderID,
		Name:          firstNonEmpty(req.Name, req.TechnicalName),
		TechnicalName: req.TechnicalName,
		FilesAllowed:  req.FilesAllowed,
		ImagesAllowed: req.ImagesAllowed,
		MaxFiles:      req.MaxFiles,
		Sequence:      req.Sequence,
		Active:        req.Active == nil || *req.Active,
	}
	id, err := s.cfg.Store.CreateModel(r.Context(), m)
	if err != nil {
		s.storeError(w, err, "create model")
		return
	}
	m.ID = id
	if m.Sequence == 0 {
		m.Sequence = 1
	}
	writeJSON(w, http.StatusCreated, toModelDTO(m))
}

func (s *Server) deleteModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Store.DeleteModel(r.Context(), id); err != nil {
		s.storeError(w, err, "delete model")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type actionDTO struct {
	ID                    int64     `json:"id"`
	ScopeID               int64     `json:"scope_id"`
	Name                  string    `json:"name"`
	TargetModel           string    `json:"target_model"`
	AIModelID             *int64    `json:"ai_model_id"`
	PromptTemplate        string    `json:"prompt_template"`
	ReportID              *int64    `json:"report_id,omitempty"`
	ReportName            string    `json:"report_name,omitempty"`
	IncludeAllAttachments bool      `json:"include_all_attachments"`
	IncludeChatter        string    `json:"include_chatter"`
	OutputDestination     string    `json:"output_destination"`
	OutputFieldName       string    `json:"output_field_name,omitempty"`
	OutputFieldModel      string    `json:"output_field_model,omitempty"`
	OutputFieldType       string    `json:"output_field_type,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

func toActionDTO(a storage.Action) actionDTO {
	return actionDTO(a)
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.cfg.Store.ListActions(r.Context(), scopeID)
	if err != nil {
		s.storeError(w, err, "list actions")
		return
	}
	out := make([]actionDTO, 0, len(rows))
	for _, a := range rows {
		out = append(out, toActionDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) saveAction(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req actionDTO
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	a := storage.Action(req)
	a.ScopeID = scopeID
	if a.ID != 0 {
		existing, err := s.cfg.Store.GetAction(r.Context(), a.ID)
		if err != nil {
			s.storeError(w, err, "get action")
			return
		}
		if existing.ScopeID != scopeID {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
	}
	id, err := s.cfg.Store.SaveAction(r.Context(), a)
	if err != nil {
		s.storeError(w, err, "save action")
		return
	}
	saved, err := s.cfg.Store.GetAction(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "get action")
		return
	}
	writeJSON(w, http.StatusOK, toActionDTO(saved))
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toActionDTO(a))
}

func (s *Server) deleteAction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Store.DeleteAction(r.Context(), a.ID); err != nil {
		s.storeError(w, err, "delete action")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadAction fetches the action named in the path. Actions of another scope
// are reported as not found.
func (s *Server) loadAction(w http.ResponseWriter, r *http.Request) (storage.Action, bool) {
	scopeID, err := s.scopeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return storage.Action{}, false
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return storage.Action{}, false
	}
	a, err := s.cfg.Store.GetAction(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "get action")
		return storage.Action{}, false
	}
	if a.ScopeID != scopeID {
		writeError(w, http.StatusNotFound, "not found")
		return storage.Action{}, false
	}
	return a, true
}

type generationDTO struct {
	RecordModel string    `json:"record_model"`
	RecordID    int64     `json:"record_id"`
	Stage       string    `json:"stage"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) listGenerations(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	var err error
	limit := uint64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.ParseUint(raw, 10, 64)
		if err != nil || limit == 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	rows, err := s.cfg.Store.ListGenerations(r.Context(), a.ID, limit)
	if err != nil {
		s.storeError(w, err, "list generations")
		return
	}
	out := make([]generationDTO, 0, len(rows))
	for _, g := range rows {
		out = append(out, generationDTO{RecordModel: g.RecordModel, RecordID: g.RecordID, Stage: g.Stage, Error: g.Error, CreatedAt: g.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type outcomeDTO struct {
	RecordID int64  `json:"record_id"`
	Stage    string `json:"stage"`
	Error    string `json:"error,omitempty"`
}

type runResponse struct {
	ActionID int64        `json:"action_id"`
	JobID    string       `json:"job_id,omitempty"`
	Outcomes []outcomeDTO `json:"outcomes,omitempty"`
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	var req struct {
		RecordIDs []int64 `json:"record_ids"`
		Async     bool    `json:"async"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.RecordIDs) == 0 {
		writeError(w, http.StatusBadRequest, "record_ids are required")
		return
	}

	if req.Async {
		if s.cfg.Queue == nil {
			writeError(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		jobID, err := s.cfg.Queue.Enqueue(r.Context(), queue.RunJob{
			ActionID:   a.ID,
			ScopeID:    a.ScopeID,
			RecordIDs:  req.RecordIDs,
			EnqueuedAt: time.Now().UTC(),
		})
		if err != nil {
			s.logger.Error().Err(err).Int64("action_id", a.ID).Msg("failed to enqueue run job")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.metrics.EnqueuedJobs.Inc()
		writeJSON(w, http.StatusAccepted, runResponse{ActionID: a.ID, JobID: jobID})
		return
	}

	report := s.cfg.Runner.Run(r.Context(), a, req.RecordIDs)
	writeJSON(w, http.StatusOK, toRunResponse(report))
}

func toRunResponse(report action.Report) runResponse {
	out := runResponse{ActionID: report.ActionID, Outcomes: make([]outcomeDTO, 0, len(report.Outcomes))}
	for _, o := range report.Outcomes {
		dto := outcomeDTO{RecordID: o.RecordID, Stage: o.Stage}
		if o.Err != nil {
			dto.Error = o.Err.Error()
		}
		out.Outcomes = append(out.Outcomes, dto)
	}
	return out
}

func (s *Server) previewAction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	var req struct {
		RecordID int64 `json:"record_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record_id":    req.RecordID,
		"preview_text": s.cfg.Previewer.Preview(r.Context(), a, req.RecordID),
	})
}

func (s *Server) openPreviewSession(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	sess, err := s.cfg.Sessions.Open(r.Context(), a.ID)
	if err != nil {
		s.sessionError(w, err, "open preview session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getPreviewSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Sessions.Get(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		s.sessionError(w, err, "get preview session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) selectPreviewRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecordID int64 `json:"record_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	sess, err := s.cfg.Sessions.SelectRecord(r.Context(), chi.URLParam(r, "sid"), req.RecordID)
	if err != nil {
		s.sessionError(w, err, "select preview record")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) closePreviewSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.Close(r.Context(), chi.URLParam(r, "sid")); err != nil {
		s.sessionError(w, err, "close preview session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, preview.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.storeError(w, err, op)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
