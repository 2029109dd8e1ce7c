package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"aiactions/internal/action"
	"aiactions/internal/preview"
	"aiactions/internal/queue"
	"aiactions/internal/storage"
)

const testToken = "secret-token"

type fakeSealer struct{}

func (fakeSealer) SealCredential(apiKey string) (string, error) { return "sealed:" + apiKey, nil }

type fakeRunner struct {
	calls []int64
}

func (f *fakeRunner) Run(_ context.Context, a storage.Action, ids []int64) action.Report {
	f.calls = append(f.calls, ids...)
	report := action.Report{ActionID: a.ID}
	for _, id := range ids {
		o := action.Outcome{RecordID: id, Stage: action.StageDone}
		if id < 0 {
			o = action.Outcome{RecordID: id, Stage: action.StageMissing, Err: action.ErrRecordMissing}
		}
		report.Outcomes = append(report.Outcomes, o)
	}
	return report
}

type fakeQueue struct {
	jobs []queue.RunJob
}

func (f *fakeQueue) Enqueue(_ context.Context, job queue.RunJob) (string, error) {
	f.jobs = append(f.jobs, job)
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

type fakePreviewer struct{}

func (fakePreviewer) Preview(_ context.Context, a storage.Action, id int64) string {
	return fmt.Sprintf("%s #%d", a.PromptTemplate, id)
}

type fakeSessions map[string]preview.Session

func (f fakeSessions) Open(_ context.Context, actionID int64) (preview.Session, error) {
	sess := preview.Session{ID: "s1", ActionID: actionID, RecordID: 1, PreviewText: "first"}
	f[sess.ID] = sess
	return sess, nil
}

func (f fakeSessions) Get(_ context.Context, id string) (preview.Session, error) {
	sess, ok := f[id]
	if !ok {
		return preview.Session{}, preview.ErrSessionNotFound
	}
	return sess, nil
}

func (f fakeSessions) SelectRecord(ctx context.Context, id string, recordID int64) (preview.Session, error) {
	sess, err := f.Get(ctx, id)
	if err != nil {
		return preview.Session{}, err
	}
	sess.RecordID = recordID
	sess.PreviewText = fmt.Sprintf("record %d", recordID)
	f[id] = sess
	return sess, nil
}

func (f fakeSessions) Close(_ context.Context, id string) error {
	delete(f, id)
	return nil
}

type testEnv struct {
	srv    *httptest.Server
	store  *storage.Store
	runner *fakeRunner
	queue  *fakeQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	store, err := storage.Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{store: store, runner: &fakeRunner{}, queue: &fakeQueue{}}
	s := New(Config{
		APIToken:  testToken,
		Store:     store,
		Sealer:    fakeSealer{},
		Runner:    env.runner,
		Queue:     env.queue,
		Previewer: fakePreviewer{},
		Sessions:  fakeSessions{},
		Logger:    zerolog.Nop(),
	})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response of %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/actions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp, err = http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}
}

func TestProviderCredentialIsSealedAndNeverReturned(t *testing.T) {
	env := newTestEnv(t)

	var created map[string]any
	status := env.do(t, http.MethodPost, "/api/providers", map[string]any{
		"name":    "OpenAI",
		"code":    "openai",
		"api_key": "sk-live",
	}, &created)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if _, ok := created["api_key"]; ok {
		t.Fatalf("credential leaked in response: %#v", created)
	}
	if created["has_credential"] != true {
		t.Fatalf("expected has_credential, got %#v", created)
	}

	p, err := env.store.FindActiveProvider(context.Background(), "openai", 1)
	if err != nil {
		t.Fatalf("find provider: %v", err)
	}
	if p.EncAPIKey == nil || *p.EncAPIKey != "sealed:sk-live" {
		t.Fatalf("expected sealed credential, got %v", p.EncAPIKey)
	}
}

func TestModelRequiresExistingProvider(t *testing.T) {
	env := newTestEnv(t)

	status := env.do(t, http.MethodPost, "/api/models", map[string]any{"provider_id": 42, "technical_name": "gpt-4o"}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}

	var p providerDTO
	env.do(t, http.MethodPost, "/api/providers", map[string]any{"name": "OpenAI", "code": "openai"}, &p)

	var m modelDTO
	status = env.do(t, http.MethodPost, "/api/models", map[string]any{"provider_id": p.ID, "technical_name": "gpt-4o", "max_files": 3, "files_allowed": true}, &m)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if m.Name != "gpt-4o" || m.MaxFiles != 3 || !m.Active {
		t.Fatalf("unexpected model: %+v", m)
	}

	var list []modelDTO
	env.do(t, http.MethodGet, "/api/models", nil, &list)
	if len(list) != 1 {
		t.Fatalf("expected one model, got %d", len(list))
	}
}

func TestActionLifecycleAndRun(t *testing.T) {
	env := newTestEnv(t)

	var a actionDTO
	status := env.do(t, http.MethodPost, "/api/actions", map[string]any{
		"name":            "Summarize lead",
		"target_model":    "crm.lead",
		"prompt_template": "Summarize",
	}, &a)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if a.IncludeChatter != storage.ChatterNone || a.OutputDestination != storage.DestinationNote {
		t.Fatalf("defaults not applied: %+v", a)
	}

	status = env.do(t, http.MethodPost, "/api/actions", map[string]any{
		"name":               "Bad",
		"target_model":       "crm.lead",
		"output_destination": "field",
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for field destination without field, got %d", status)
	}

	var run runResponse
	status = env.do(t, http.MethodPost, fmt.Sprintf("/api/actions/%d/run", a.ID), map[string]any{"record_ids": []int64{7, -1}}, &run)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(run.Outcomes) != 2 || run.Outcomes[0].Stage != action.StageDone {
		t.Fatalf("unexpected outcomes: %+v", run.Outcomes)
	}
	if run.Outcomes[1].Error != action.ErrRecordMissing.Error() {
		t.Fatalf("expected error text for missing record, got %q", run.Outcomes[1].Error)
	}

	status = env.do(t, http.MethodPost, fmt.Sprintf("/api/actions/%d/run", a.ID), map[string]any{"record_ids": []int64{9}, "async": true}, &run)
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}
	if run.JobID != "job-1" || len(env.queue.jobs) != 1 || env.queue.jobs[0].ScopeID != 1 {
		t.Fatalf("unexpected enqueue: %+v %+v", run, env.queue.jobs)
	}
	if len(env.runner.calls) != 2 {
		t.Fatalf("async run should not call the runner, calls=%v", env.runner.calls)
	}

	if status := env.do(t, http.MethodDelete, fmt.Sprintf("/api/actions/%d", a.ID), nil, nil); status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	if status := env.do(t, http.MethodGet, fmt.Sprintf("/api/actions/%d", a.ID), nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", status)
	}
}

func TestPreviewEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var a actionDTO
	env.do(t, http.MethodPost, "/api/actions", map[string]any{"name": "P", "target_model": "res.partner", "prompt_template": "Hello"}, &a)

	var out map[string]any
	status := env.do(t, http.MethodPost, fmt.Sprintf("/api/actions/%d/preview", a.ID), map[string]any{"record_id": 3}, &out)
	if status != http.StatusOK || out["preview_text"] != "Hello #3" {
		t.Fatalf("unexpected preview: %d %#v", status, out)
	}

	var sess preview.Session
	if status := env.do(t, http.MethodPost, fmt.Sprintf("/api/actions/%d/preview/sessions", a.ID), nil, &sess); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if status := env.do(t, http.MethodPut, "/api/preview/sessions/"+sess.ID, map[string]any{"record_id": 5}, &sess); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if sess.RecordID != 5 || sess.PreviewText != "record 5" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if status := env.do(t, http.MethodGet, "/api/preview/sessions/missing", nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestStoreErrorMapping(t *testing.T) {
	rec := httptest.NewRecorder()
	s := New(Config{Logger: zerolog.Nop()})
	s.storeError(rec, errors.New("boom"), "op")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestProviderUpdateWithoutKeyKeepsCredential(t *testing.T) {
	env := newTestEnv(t)

	var p providerDTO
	env.do(t, http.MethodPost, "/api/providers", map[string]any{"name": "OpenAI", "code": "openai", "api_key": "sk-1"}, &p)
	if !p.HasCredential {
		t.Fatalf("expected credential after create: %+v", p)
	}

	status := env.do(t, http.MethodPost, "/api/providers", map[string]any{"name": "OpenAI renamed", "code": "openai"}, &p)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if p.Name != "OpenAI renamed" || !p.HasCredential {
		t.Fatalf("rename dropped the stored credential: %+v", p)
	}
	stored, err := env.store.GetProvider(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	if stored.EncAPIKey == nil || *stored.EncAPIKey != "sealed:sk-1" {
		t.Fatalf("unexpected stored credential: %v", stored.EncAPIKey)
	}
}

func TestActionOfOtherScopeIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	var a actionDTO
	env.do(t, http.MethodPost, "/api/actions", map[string]any{"name": "Lead", "target_model": "crm.lead", "prompt_template": "Hi"}, &a)

	paths := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, fmt.Sprintf("/api/actions/%d?scope_id=2", a.ID), nil},
		{http.MethodPost, fmt.Sprintf("/api/actions/%d/run?scope_id=2", a.ID), map[string]any{"record_ids": []int64{1}}},
		{http.MethodPost, fmt.Sprintf("/api/actions/%d/preview?scope_id=2", a.ID), map[string]any{"record_id": 1}},
		{http.MethodPost, fmt.Sprintf("/api/actions/%d/preview/sessions?scope_id=2", a.ID), nil},
		{http.MethodGet, fmt.Sprintf("/api/actions/%d/generations?scope_id=2", a.ID), nil},
		{http.MethodDelete, fmt.Sprintf("/api/actions/%d?scope_id=2", a.ID), nil},
	}
	for _, p := range paths {
		if status := env.do(t, p.method, p.path, p.body, nil); status != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", p.method, p.path, status)
		}
	}
	if len(env.runner.calls) != 0 {
		t.Fatalf("runner called for foreign scope: %v", env.runner.calls)
	}
	if status := env.do(t, http.MethodGet, fmt.Sprintf("/api/actions/%d", a.ID), nil, nil); status != http.StatusOK {
		t.Fatalf("action should survive foreign delete, got %d", status)
	}
}
