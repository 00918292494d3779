package asynqq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/usecase"
)

// Worker consumes download tasks and drives the orchestrator.
type Worker struct {
	server       *asynq.Server
	orchestrator *usecase.Orchestrator
	jobs         *usecase.JobService
	softTimeout  time.Duration
}

// WorkerOptions configures the worker pool.
type WorkerOptions struct {
	Concurrency int
	SoftTimeout time.Duration
}

// NewWorker builds the worker pool. The soft timeout bounds the orchestrator
// run inside each delivery; asynq's task timeout (the hard timeout) is the
// backstop that reclaims the delivery if the process wedges.
func NewWorker(redisURL string, orchestrator *usecase.Orchestrator, jobs *usecase.JobService, opts WorkerOptions) (*Worker, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=asynqq.worker: %w", err)
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: opts.Concurrency,
		Logger:      slogAdapter{},
		Queues:      map[string]int{"default": 1},
	})
	return &Worker{
		server:       server,
		orchestrator: orchestrator,
		jobs:         jobs,
		softTimeout:  opts.SoftTimeout,
	}, nil
}

// Start runs the worker pool until Stop is called.
func (w *Worker) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskDownload, w.handleDownload)
	if err := w.server.Start(mux); err != nil {
		return fmt.Errorf("op=asynqq.worker start: %w", err)
	}
	return nil
}

// Stop drains in-flight tasks and shuts the pool down.
func (w *Worker) Stop() {
	w.server.Stop()
	w.server.Shutdown()
}

// handleDownload runs one delivery. Failures in retryable categories are
// returned to asynq for redelivery while attempts remain; everything else
// terminally fails the job and skips further retries.
func (w *Worker) handleDownload(ctx context.Context, t *asynq.Task) error {
	var payload domain.DownloadTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		slog.Error("download task: undecodable payload", slog.Any("error", err))
		return fmt.Errorf("op=asynqq.handle decode: %v: %w", err, asynq.SkipRetry)
	}
	log := slog.With(slog.String("job_id", payload.JobID), slog.String("request_id", payload.RequestID))
	log.Info("download task started", slog.String("url", payload.URL), slog.String("format_id", payload.FormatID))

	runCtx, cancel := context.WithTimeout(ctx, w.softTimeout)
	defer cancel()

	err := w.orchestrator.Process(runCtx, payload)
	if err == nil {
		log.Info("download task completed")
		return nil
	}

	cat := domain.CategoryOf(err)
	if runCtx.Err() != nil && ctx.Err() == nil {
		cat = domain.CategoryTimeout
	}

	if cat.Retryable() && w.attemptsLeft(ctx) {
		log.Warn("download task failed, will retry",
			slog.String("category", string(cat)), slog.Any("error", err))
		return err
	}

	if cat != domain.CategoryCancelled {
		if failErr := w.jobs.Fail(ctx, payload.JobID, cat, userMessage(err, cat)); failErr != nil {
			log.Error("download task: terminal fail write lost", slog.Any("error", failErr))
		}
	}
	log.Warn("download task failed terminally",
		slog.String("category", string(cat)), slog.Any("error", err))
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

// attemptsLeft reports whether the current delivery can still be retried.
func (w *Worker) attemptsLeft(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried < max
}

// userMessage extracts the client-safe message from a categorized error.
func userMessage(err error, cat domain.ErrorCategory) string {
	var ce *domain.CategorizedError
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return string(cat)
}

// slogAdapter routes asynq's internal logging onto slog.
type slogAdapter struct{}

func (slogAdapter) Debug(args ...interface{}) { slog.Debug(fmt.Sprint(args...)) }
func (slogAdapter) Info(args ...interface{})  { slog.Info(fmt.Sprint(args...)) }
func (slogAdapter) Warn(args ...interface{})  { slog.Warn(fmt.Sprint(args...)) }
func (slogAdapter) Error(args ...interface{}) { slog.Error(fmt.Sprint(args...)) }
func (slogAdapter) Fatal(args ...interface{}) { slog.Error(fmt.Sprint(args...)) }
