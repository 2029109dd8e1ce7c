package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"aiactions/internal/action"
	"aiactions/internal/queue"
	"aiactions/internal/storage"
)

type fakeStore struct {
	actions map[int64]storage.Action
	err     error
}

func (f fakeStore) GetAction(_ context.Context, id int64) (storage.Action, error) {
	if f.err != nil {
		return storage.Action{}, f.err
	}
	a, ok := f.actions[id]
	if !ok {
		return storage.Action{}, storage.ErrNotFound
	}
	return a, nil
}

type fakeRunner struct {
	runs [][]int64
}

func (r *fakeRunner) Run(_ context.Context, a storage.Action, ids []int64) action.Report {
	r.runs = append(r.runs, ids)
	out := action.Report{ActionID: a.ID}
	for _, id := range ids {
		out.Outcomes = append(out.Outcomes, action.Outcome{RecordID: id, Stage: action.StageDone})
	}
	return out
}

func newTestQueue(t *testing.T) (*queue.StreamQueue, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.NewStreamQueue(rdb, "aiactions:runs", "workers", "w1", -1)
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return q, rdb
}

func readOne(t *testing.T, q *queue.StreamQueue) queue.Message {
	t.Helper()
	msgs, err := q.Read(context.Background(), 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	return msgs[0]
}

func TestHandleRunsActionAndAcks(t *testing.T) {
	ctx := context.Background()
	q, rdb := newTestQueue(t)
	runner := &fakeRunner{}
	w := New(Config{
		Store:  fakeStore{actions: map[int64]storage.Action{3: {ID: 3, ScopeID: 1}}},
		Queue:  q,
		Runner: runner,
		Logger: zerolog.Nop(),
	})

	if _, err := q.Enqueue(ctx, queue.RunJob{ActionID: 3, ScopeID: 1, RecordIDs: []int64{1, 2}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.handle(ctx, zerolog.Nop(), readOne(t, q))

	if len(runner.runs) != 1 || len(runner.runs[0]) != 2 {
		t.Fatalf("unexpected runs: %v", runner.runs)
	}
	if n, _ := rdb.XLen(ctx, "aiactions:runs").Result(); n != 0 {
		t.Fatalf("expected acked stream, got %d entries", n)
	}
}

func TestHandleRetriesStoreFailures(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	runner := &fakeRunner{}
	w := New(Config{
		Store:         fakeStore{err: errors.New("db down")},
		Queue:         q,
		Runner:        runner,
		MaxJobRetries: 1,
		Logger:        zerolog.Nop(),
	})

	if _, err := q.Enqueue(ctx, queue.RunJob{ActionID: 3, RecordIDs: []int64{1}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.handle(ctx, zerolog.Nop(), readOne(t, q))

	retry := readOne(t, q)
	if retry.Job.Attempts != 1 {
		t.Fatalf("expected attempt 1, got %d", retry.Job.Attempts)
	}
	w.handle(ctx, zerolog.Nop(), retry)

	msgs, err := q.Read(ctx, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 || len(runner.runs) != 0 {
		t.Fatalf("expected job dropped after retries, got %d messages", len(msgs))
	}
}

func TestHandleDropsMissingAction(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	w := New(Config{Store: fakeStore{}, Queue: q, Runner: &fakeRunner{}, MaxJobRetries: 3, Logger: zerolog.Nop()})

	if _, err := q.Enqueue(ctx, queue.RunJob{ActionID: 42, RecordIDs: []int64{1}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.handle(ctx, zerolog.Nop(), readOne(t, q))

	msgs, err := q.Read(ctx, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("missing action must not be retried")
	}
}
