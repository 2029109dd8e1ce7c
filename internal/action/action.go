// Package action runs generative AI server actions over host records: it
// renders the prompt, gathers files and message history, calls the vendor
// and writes the answer back to each record.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"aiactions/internal/metrics"
	"aiactions/internal/providers"
	"aiactions/internal/providers/registry"
	"aiactions/internal/storage"
)

const (
	StageMissing   = "missing"
	StageTemplate  = "template"
	StageEmpty     = "empty_prompt"
	StageAcquire   = "acquire"
	StageBudget    = "budget"
	StageGenerate  = "generate"
	StageRoute     = "route"
	StageDone      = "done"
	StageNoModel   = "no_model"
	StageCancelled = "cancelled"
)

const (
	TitleService    = "AI Service Error"
	TitleAction     = "AI Action Error"
	TitleReport     = "AI Report Error"
	TitleAttachment = "AI Attachment Error"
	TitleGeneration = "AI Generation Error"
	TitleOutput     = "AI Output Error"
)

var (
	ErrRecordMissing      = errors.New("record does not exist")
	ErrBudgetExhausted    = errors.New("hourly generation budget exhausted")
	ErrFieldModelMismatch = errors.New("output field does not belong to the action model")
)

// Outcome is what happened to one record. Err is nil for records that were
// skipped silently or completed.
type Outcome struct {
	RecordID int64
	Stage    string
	Err      error
}

type Report struct {
	ActionID int64
	Outcomes []Outcome
}

func (r Report) Count(stage string) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Stage == stage {
			n++
		}
	}
	return n
}

type Config struct {
	Host      Host
	Templates TemplateRenderer
	Models    ModelStore
	Services  ServiceResolver
	Notifier  Notifier
	Budget    Budget
	Journal   Journal
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

type Orchestrator struct {
	host      Host
	templates TemplateRenderer
	models    ModelStore
	services  ServiceResolver
	notifier  Notifier
	budget    Budget
	journal   Journal
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func New(cfg Config) *Orchestrator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Orchestrator{
		host:      cfg.Host,
		templates: cfg.Templates,
		models:    cfg.Models,
		services:  cfg.Services,
		notifier:  cfg.Notifier,
		budget:    cfg.Budget,
		journal:   cfg.Journal,
		logger:    cfg.Logger,
		metrics:   m,
	}
}

// Run executes a for each record id in order. Failures are reported per
// record and never stop the batch.
func (o *Orchestrator) Run(ctx context.Context, a storage.Action, recordIDs []int64) Report {
	report := Report{ActionID: a.ID, Outcomes: make([]Outcome, 0, len(recordIDs))}
	log := o.logger.With().Int64("action_id", a.ID).Str("model", a.TargetModel).Logger()
	o.metrics.RunsTotal.Inc()

	if a.AIModelID == nil {
		for _, id := range recordIDs {
			report.Outcomes = append(report.Outcomes, Outcome{RecordID: id, Stage: StageNoModel})
		}
		return report
	}

	model, svc, err := o.acquire(ctx, *a.AIModelID, a.ScopeID)
	if err != nil {
		log.Error().Err(err).Msg("failed to get ai service")
		o.warn(ctx, TitleService, "Error getting AI service\n"+err.Error())
		for _, id := range recordIDs {
			report.Outcomes = append(report.Outcomes, Outcome{RecordID: id, Stage: StageAcquire, Err: err})
		}
		o.finish(ctx, a, report)
		return report
	}

	for _, id := range recordIDs {
		if err := ctx.Err(); err != nil {
			report.Outcomes = append(report.Outcomes, Outcome{RecordID: id, Stage: StageCancelled, Err: err})
			continue
		}
		out := o.runRecord(ctx, a, model, svc.Adapter, svc.Provider.Code, id)
		if out.Err != nil {
			log.Warn().Err(out.Err).Int64("record_id", id).Str("stage", out.Stage).Msg("record not processed")
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	o.finish(ctx, a, report)
	return report
}

func (o *Orchestrator) acquire(ctx context.Context, modelID, scopeID int64) (storage.Model, registry.Service, error) {
	mp, err := o.models.GetModelWithProvider(ctx, modelID)
	if err != nil {
		return storage.Model{}, registry.Service{}, fmt.Errorf("load ai model %d: %w", modelID, err)
	}
	svc, err := o.services.Resolve(ctx, mp.Provider.Code, scopeID)
	if err != nil {
		return storage.Model{}, registry.Service{}, err
	}
	return mp.Model, svc, nil
}

func (o *Orchestrator) runRecord(ctx context.Context, a storage.Action, model storage.Model, adapter providers.Adapter, providerCode string, id int64) Outcome {
	exists, err := o.host.RecordExists(ctx, a.TargetModel, id)
	if err != nil {
		o.warn(ctx, TitleAction, fmt.Sprintf("Error reading record %d\n%s", id, err))
		return Outcome{RecordID: id, Stage: StageMissing, Err: err}
	}
	if !exists {
		return Outcome{RecordID: id, Stage: StageMissing}
	}

	if strings.TrimSpace(a.PromptTemplate) == "" {
		return Outcome{RecordID: id, Stage: StageEmpty}
	}
	prompt, err := o.templates.Render(ctx, a.PromptTemplate, a.TargetModel, id)
	if err != nil {
		o.warn(ctx, TitleAction, "Error rendering prompt template\n"+err.Error())
		return Outcome{RecordID: id, Stage: StageTemplate, Err: err}
	}
	if strings.TrimSpace(prompt) == "" {
		return Outcome{RecordID: id, Stage: StageEmpty}
	}

	files := o.collectFiles(ctx, a, model, id)
	history := o.chatterHistory(ctx, a, id)

	if o.budget != nil {
		allowed, err := o.budget.Allow(ctx, a.ScopeID)
		if err != nil {
			o.logger.Warn().Err(err).Int64("scope_id", a.ScopeID).Msg("generation budget unavailable, allowing call")
		} else if !allowed {
			o.warn(ctx, TitleGeneration, fmt.Sprintf("Error generating text\n%s for scope %d", ErrBudgetExhausted, a.ScopeID))
			return Outcome{RecordID: id, Stage: StageBudget, Err: ErrBudgetExhausted}
		}
	}

	text, err := adapter.Generate(ctx, providers.Request{
		Prompt:      prompt,
		Model:       model.TechnicalName,
		Files:       files,
		ChatHistory: history,
	})
	if err != nil {
		o.metrics.GenerationsTotal.WithLabelValues(providerCode, "error").Inc()
		o.logger.Error().Err(err).Str("provider", providerCode).Int64("record_id", id).Msg("ai generation failed")
		o.warn(ctx, TitleGeneration, "Error generating text\n"+err.Error())
		return Outcome{RecordID: id, Stage: StageGenerate, Err: err}
	}
	o.metrics.GenerationsTotal.WithLabelValues(providerCode, "ok").Inc()
	if text == "" {
		return Outcome{RecordID: id, Stage: StageGenerate}
	}

	if err := o.route(ctx, a, id, text); err != nil {
		return Outcome{RecordID: id, Stage: StageRoute, Err: err}
	}
	return Outcome{RecordID: id, Stage: StageDone}
}

func (o *Orchestrator) warn(ctx context.Context, title, message string) {
	o.metrics.NotificationsTotal.WithLabelValues(title).Inc()
	if o.notifier != nil {
		o.notifier.Warn(ctx, title, message)
	}
}

func (o *Orchestrator) finish(ctx context.Context, a storage.Action, report Report) {
	for _, out := range report.Outcomes {
		o.metrics.RecordsTotal.WithLabelValues(out.Stage).Inc()
	}
	if o.journal == nil || len(report.Outcomes) == 0 {
		return
	}
	entries := make([]storage.GenerationEntry, 0, len(report.Outcomes))
	for _, out := range report.Outcomes {
		e := storage.GenerationEntry{ActionID: a.ID, RecordModel: a.TargetModel, RecordID: out.RecordID, Stage: out.Stage}
		if out.Err != nil {
			e.Error = out.Err.Error()
		}
		entries = append(entries, e)
	}
	if err := o.journal.LogGenerations(context.WithoutCancel(ctx), entries); err != nil {
		o.logger.Error().Err(err).Int64("action_id", a.ID).Msg("failed to journal generations")
	}
}
