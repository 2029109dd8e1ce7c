package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	s, err := Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(v string) *string { return &v }

func TestFindActiveProviderHonoursScopeActiveAndSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.UpsertProvider(ctx, Provider{ScopeID: 1, Name: "OpenAI", Code: "openai", EncAPIKey: strPtr("sealed"), Active: true}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	if _, err := s.UpsertProvider(ctx, Provider{ScopeID: 2, Name: "OpenAI other", Code: "openai", Active: false}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}

	p, err := s.FindActiveProvider(ctx, "openai", 1)
	if err != nil {
		t.Fatalf("find active provider: %v", err)
	}
	if p.Name != "OpenAI" || !p.HasCredential() {
		t.Fatalf("unexpected provider: %+v", p)
	}
	if _, err := s.FindActiveProvider(ctx, "openai", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for inactive provider, got %v", err)
	}
	if _, err := s.FindActiveProvider(ctx, "anthropic", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown code, got %v", err)
	}
}

func TestUpsertProviderUpdatesExistingRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id1, err := s.UpsertProvider(ctx, Provider{ScopeID: 1, Name: "First", Code: "google", Active: true})
	if err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	id2, err := s.UpsertProvider(ctx, Provider{ScopeID: 1, Name: "Second", Code: "google", Active: true, ConfigJSON: `{"a":1}`})
	if err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same id, got %d and %d", id1, id2)
	}
	p, err := s.GetProvider(ctx, id1)
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	if p.Name != "Second" {
		t.Fatalf("expected updated name, got %q", p.Name)
	}
	cfg, err := p.Config()
	if err != nil {
		t.Fatalf("provider config: %v", err)
	}
	if cfg["a"] != float64(1) {
		t.Fatalf("unexpected config: %#v", cfg)
	}
}

func TestModelBelongsToProviderAndCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pid, err := s.UpsertProvider(ctx, Provider{ScopeID: 1, Name: "Anthropic", Code: "anthropic", EncAPIKey: strPtr("sealed"), Active: true})
	if err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	mid, err := s.CreateModel(ctx, Model{ProviderID: pid, Name: "Claude", TechnicalName: "claude-x", FilesAllowed: true, MaxFiles: 5, Active: true})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}

	mp, err := s.GetModelWithProvider(ctx, mid)
	if err != nil {
		t.Fatalf("get model with provider: %v", err)
	}
	if mp.TechnicalName != "claude-x" || !mp.FilesAllowed || mp.MaxFiles != 5 {
		t.Fatalf("unexpected model: %+v", mp.Model)
	}
	if mp.Provider.Code != "anthropic" || mp.Provider.EncAPIKey == nil || *mp.Provider.EncAPIKey != "sealed" {
		t.Fatalf("unexpected provider: %+v", mp.Provider)
	}

	models, err := s.ListModels(ctx, 1, 0)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("expected 1 model, got %d", len(models))
	}

	if err := s.DeleteProvider(ctx, pid); err != nil {
		t.Fatalf("delete provider: %v", err)
	}
	if _, err := s.GetModelWithProvider(ctx, mid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected model deleted with provider, got %v", err)
	}
	var left int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM models").Scan(&left); err != nil {
		t.Fatalf("count models: %v", err)
	}
	if left != 0 {
		t.Fatalf("expected no model rows after provider delete, got %d", left)
	}
}

func TestModelInUseByActionCannotBeDeleted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pid, err := s.UpsertProvider(ctx, Provider{ScopeID: 1, Name: "OpenAI", Code: "openai", Active: true})
	if err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	mid, err := s.CreateModel(ctx, Model{ProviderID: pid, Name: "GPT", TechnicalName: "gpt-4o", Active: true})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	if _, err := s.SaveAction(ctx, Action{ScopeID: 1, Name: "Summarize", TargetModel: "crm.lead", AIModelID: &mid}); err != nil {
		t.Fatalf("save action: %v", err)
	}
	if err := s.DeleteModel(ctx, mid); err == nil {
		t.Fatalf("expected delete of a model referenced by an action to fail")
	}
}

func TestUpsertProviderWithoutCredentialKeepsStoredOne(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.UpsertProvider(ctx, Provider{ScopeID: 1, Name: "OpenAI", Code: "openai", EncAPIKey: strPtr("sealed"), Active: true})
	if err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	if _, err := s.UpsertProvider(ctx, Provider{ScopeID: 1, Name: "OpenAI renamed", Code: "openai", Active: true}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	p, err := s.GetProvider(ctx, id)
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	if p.Name != "OpenAI renamed" || p.EncAPIKey == nil || *p.EncAPIKey != "sealed" {
		t.Fatalf("expected renamed provider with stored credential, got %+v", p)
	}

	if _, err := s.UpsertProvider(ctx, Provider{ScopeID: 1, Name: "OpenAI", Code: "openai", EncAPIKey: strPtr("rotated"), Active: true}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	p, err = s.GetProvider(ctx, id)
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	if *p.EncAPIKey != "rotated" {
		t.Fatalf("expected replaced credential, got %q", *p.EncAPIKey)
	}
}

func TestSQLiteDSNEnablesForeignKeys(t *testing.T) {
	cases := map[string]string{
		"data.db":                        "data.db?_pragma=foreign_keys(1)",
		"file:x?mode=memory":             "file:x?mode=memory&_pragma=foreign_keys(1)",
		"file:x?_pragma=foreign_keys(0)": "file:x?_pragma=foreign_keys(0)",
	}
	for in, want := range cases {
		if got := sqliteDSN(in); got != want {
			t.Fatalf("sqliteDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSaveActionInsertUpdateAndValidate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.SaveAction(ctx, Action{ScopeID: 1, Name: "x", TargetModel: "crm.lead", OutputDestination: DestinationField}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}

	reportID := int64(7)
	id, err := s.SaveAction(ctx, Action{
		ScopeID:        1,
		Name:           "Summarize lead",
		TargetModel:    "crm.lead",
		PromptTemplate: "Summarize {{.record.name}}",
		ReportID:       &reportID,
		ReportName:     "Lead Report",
	})
	if err != nil {
		t.Fatalf("save action: %v", err)
	}

	a, err := s.GetAction(ctx, id)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if a.IncludeChatter != ChatterNone || a.OutputDestination != DestinationNote {
		t.Fatalf("defaults not applied: %+v", a)
	}
	if a.AIModelID != nil {
		t.Fatalf("expected nil model id, got %v", *a.AIModelID)
	}
	if a.ReportID == nil || *a.ReportID != 7 {
		t.Fatalf("unexpected report id: %v", a.ReportID)
	}

	a.IncludeChatter = ChatterAll
	if _, err := s.SaveAction(ctx, a); err != nil {
		t.Fatalf("update action: %v", err)
	}
	actions, err := s.ListActions(ctx, 1)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 1 || actions[0].IncludeChatter != ChatterAll {
		t.Fatalf("unexpected actions: %+v", actions)
	}

	if err := s.DeleteAction(ctx, id); err != nil {
		t.Fatalf("delete action: %v", err)
	}
	if err := s.DeleteAction(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLogGenerations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.LogGenerations(ctx, []GenerationEntry{
		{ActionID: 3, RecordModel: "crm.lead", RecordID: 1, Stage: "done"},
		{ActionID: 3, RecordModel: "crm.lead", RecordID: 2, Stage: "generate", Error: "boom"},
	})
	if err != nil {
		t.Fatalf("log generations: %v", err)
	}
	entries, err := s.ListGenerations(ctx, 3, 10)
	if err != nil {
		t.Fatalf("list generations: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RecordID != 2 || entries[0].Error != "boom" {
		t.Fatalf("unexpected newest entry: %+v", entries[0])
	}
}

type prefixResealer struct{}

func (prefixResealer) NeedsReseal(sealed string) bool { return !strings.HasPrefix(sealed, "v2:") }

func (prefixResealer) ResealCredential(sealed string) (string, error) { return "v2:" + sealed, nil }

func TestResealCredentials(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.UpsertProvider(ctx, Provider{ScopeID: 1, Name: "a", Code: "openai", EncAPIKey: strPtr("old"), Active: true}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	if _, err := s.UpsertProvider(ctx, Provider{ScopeID: 1, Name: "b", Code: "google", EncAPIKey: strPtr("v2:new"), Active: true}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	if _, err := s.UpsertProvider(ctx, Provider{ScopeID: 1, Name: "c", Code: "anthropic", Active: true}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}

	n, err := s.ResealCredentials(ctx, prefixResealer{})
	if err != nil {
		t.Fatalf("reseal credentials: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 resealed row, got %d", n)
	}
	p, err := s.FindActiveProvider(ctx, "openai", 1)
	if err != nil {
		t.Fatalf("find provider: %v", err)
	}
	if *p.EncAPIKey != "v2:old" {
		t.Fatalf("unexpected sealed value: %q", *p.EncAPIKey)
	}
}
