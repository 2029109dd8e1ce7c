package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aiactions/internal/action"
	"aiactions/internal/metrics"
	"aiactions/internal/queue"
	"aiactions/internal/storage"
)

var errScopeMismatch = errors.New("job scope does not match action scope")

type ActionStore interface {
	GetAction(ctx context.Context, id int64) (storage.Action, error)
}

type Runner interface {
	Run(ctx context.Context, a storage.Action, recordIDs []int64) action.Report
}

type Worker struct {
	store         ActionStore
	queue         *queue.StreamQueue
	runner        Runner
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         ActionStore
	Queue         *queue.StreamQueue
	Runner        Runner
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		runner:        cfg.Runner,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int64("action_id", msg.Job.ActionID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	retryable := !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, errScopeMismatch)
	if retryable && msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
	}
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack failed message")
	}
}

// processJob only fails when the action cannot be loaded; per record
// failures are reported by the runner and never fail the job.
func (w *Worker) processJob(ctx context.Context, job queue.RunJob) error {
	a, err := w.store.GetAction(ctx, job.ActionID)
	if err != nil {
		return fmt.Errorf("load action %d: %w", job.ActionID, err)
	}
	if job.ScopeID != 0 && job.ScopeID != a.ScopeID {
		return fmt.Errorf("%w: job %d, action %d", errScopeMismatch, job.ScopeID, a.ScopeID)
	}

	report := w.runner.Run(ctx, a, job.RecordIDs)
	w.logger.Info().
		Str("job_id", job.JobID).
		Int64("action_id", a.ID).
		Int("records", len(job.RecordIDs)).
		Int("done", report.Count(action.StageDone)).
		Msg("job processed")
	return nil
}
