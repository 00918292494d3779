// Package usecase implements the application services: job lifecycle, file
// registry, metadata resolution, and the download orchestrator. It depends
// only on domain ports.
package usecase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/observability"
)

// JobService owns the job lifecycle: creation, state transitions, deletion,
// and the archival cleanup pipeline.
type JobService struct {
	jobs    domain.JobRepository
	files   domain.FileRepository
	archive domain.ArchiveRepository
	storage domain.StorageBackend
	queue   domain.Queue
	pub     domain.ProgressPublisher
}

// NewJobService wires the job service.
func NewJobService(jobs domain.JobRepository, files domain.FileRepository, archive domain.ArchiveRepository, storage domain.StorageBackend, queue domain.Queue, pub domain.ProgressPublisher) *JobService {
	return &JobService{jobs: jobs, files: files, archive: archive, storage: storage, queue: queue, pub: pub}
}

// NewJobID returns a fresh ULID job identifier.
func NewJobID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Create persists a pending job and enqueues its download task. The job record
// is written before the enqueue so a status poll immediately after submit
// always finds it.
func (s *JobService) Create(ctx context.Context, url, formatID, category, requestID string) (domain.Job, error) {
	ctx, span := otel.Tracer("usecase").Start(ctx, "jobs.create")
	defer span.End()

	now := time.Now().UTC()
	job := domain.Job{
		ID:        NewJobID(),
		URL:       url,
		FormatID:  formatID,
		Status:    domain.JobPending,
		Progress:  domain.Progress{Percent: 0, Phase: "queued"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.create save: %w", err)
	}
	payload := domain.DownloadTaskPayload{
		JobID:     job.ID,
		URL:       url,
		FormatID:  formatID,
		Category:  category,
		RequestID: requestID,
	}
	if _, err := s.queue.EnqueueDownload(ctx, payload); err != nil {
		// Orphaned pending record; fail it so pollers see a terminal state.
		_ = s.jobs.UpdateStatus(ctx, job.ID, domain.JobFailed, &domain.StatusFields{
			ErrorMessage:  "could not queue download",
			ErrorCategory: string(domain.CategorySystemError),
		})
		return domain.Job{}, fmt.Errorf("op=jobs.create enqueue: %w", err)
	}
	observability.JobsEnqueuedTotal.Inc()
	return job, nil
}

// Get fetches one job.
func (s *JobService) Get(ctx context.Context, id string) (domain.Job, error) {
	return s.jobs.Get(ctx, id)
}

// Start transitions pending to processing. A conflict means the job was
// cancelled or already claimed; the caller drops the task.
func (s *JobService) Start(ctx context.Context, id string) error {
	if err := s.jobs.UpdateStatus(ctx, id, domain.JobProcessing, nil); err != nil {
		return err
	}
	observability.JobsProcessing.Inc()
	return nil
}

// UpdateProgress merges a progress sample and fans it out. A conflict from the
// store means the job reached a terminal state concurrently; that is the
// worker's signal to abort, so the error propagates.
func (s *JobService) UpdateProgress(ctx context.Context, id string, p domain.Progress) error {
	if err := s.jobs.UpdateProgress(ctx, id, p); err != nil {
		return err
	}
	s.pub.Publish(id, domain.ProgressEvent{
		Type:       domain.EventProgress,
		JobID:      id,
		Percent:    p.Percent,
		Phase:      p.Phase,
		Speed:      p.Speed,
		ETASeconds: p.ETASeconds,
	})
	return nil
}

// Complete transitions processing to completed with the download attachment.
func (s *JobService) Complete(ctx context.Context, id, downloadURL, token string, expireAt time.Time) error {
	err := s.jobs.UpdateStatus(ctx, id, domain.JobCompleted, &domain.StatusFields{
		DownloadURL:   downloadURL,
		DownloadToken: token,
		ExpireAt:      &expireAt,
	})
	if err != nil {
		return err
	}
	// completed is only reachable from processing; the store script enforces it.
	observability.JobsProcessing.Dec()
	observability.JobsCompletedTotal.Inc()
	s.pub.Publish(id, domain.ProgressEvent{
		Type:        domain.EventCompleted,
		JobID:       id,
		Percent:     100,
		DownloadURL: downloadURL,
		ExpireAt:    expireAt.UTC().Format(time.RFC3339),
	})
	return nil
}

// Fail transitions the job to failed with the error attachment. Cancelled
// failures emit the cancelled event type so subscribers can distinguish them.
func (s *JobService) Fail(ctx context.Context, id string, cat domain.ErrorCategory, message string) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	err = s.jobs.UpdateStatus(ctx, id, domain.JobFailed, &domain.StatusFields{
		ErrorMessage:  message,
		ErrorCategory: string(cat),
	})
	if errors.Is(err, domain.ErrConflict) {
		// Already terminal; nothing to report.
		return nil
	}
	if err != nil {
		return err
	}
	// A job that never reached processing never incremented the gauge.
	if job.Status == domain.JobProcessing {
		observability.JobsProcessing.Dec()
	}
	observability.JobsFailedTotal.WithLabelValues(string(cat)).Inc()
	evType := domain.EventFailed
	if cat == domain.CategoryCancelled {
		evType = domain.EventCancelled
	}
	s.pub.Publish(id, domain.ProgressEvent{
		Type:          evType,
		JobID:         id,
		ErrorMessage:  message,
		ErrorCategory: string(cat),
	})
	return nil
}

// Cancel fails a non-terminal job with the cancelled category. Cancelling a
// terminal job returns ErrConflict.
func (s *JobService) Cancel(ctx context.Context, id string) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("op=jobs.cancel id=%s: %w", id, domain.ErrConflict)
	}
	err = s.jobs.UpdateStatus(ctx, id, domain.JobFailed, &domain.StatusFields{
		ErrorMessage:  "cancelled by user",
		ErrorCategory: string(domain.CategoryCancelled),
	})
	if err != nil {
		return err
	}
	if job.Status == domain.JobProcessing {
		observability.JobsProcessing.Dec()
	}
	observability.JobsFailedTotal.WithLabelValues(string(domain.CategoryCancelled)).Inc()
	s.pub.Publish(id, domain.ProgressEvent{
		Type:          domain.EventCancelled,
		JobID:         id,
		ErrorCategory: string(domain.CategoryCancelled),
	})
	return nil
}

// Delete removes a terminal job together with its artifact and metadata.
// Deleting a non-terminal job returns ErrConflict; cancel first.
func (s *JobService) Delete(ctx context.Context, id string) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("op=jobs.delete id=%s status=%s: %w", id, job.Status, domain.ErrConflict)
	}
	if err := s.removeArtifacts(ctx, id); err != nil {
		slog.Warn("job delete: artifact cleanup incomplete", slog.String("job_id", id), slog.Any("error", err))
	}
	if err := s.jobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=jobs.delete id=%s: %w", id, err)
	}
	return nil
}

// removeArtifacts deletes the job's file record and stored blob, tolerating
// absence of either.
func (s *JobService) removeArtifacts(ctx context.Context, jobID string) error {
	f, err := s.files.GetByJobID(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.storage.Delete(ctx, f.Path); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return s.files.Delete(ctx, f.Token)
}

// CleanupExpired runs the archival pipeline over terminal jobs idle longer
// than olderThan: archive the snapshot, remove artifacts, delete the record.
// Per-job failures are logged and skipped so one bad record cannot wedge the
// sweep; a job is only counted removed when its record delete succeeds.
func (s *JobService) CleanupExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := s.jobs.GetExpired(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("op=jobs.cleanup scan: %w", err)
	}
	removed := 0
	for _, id := range ids {
		job, err := s.jobs.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("cleanup: fetch failed", slog.String("job_id", id), slog.Any("error", err))
			observability.ReaperErrorsTotal.Inc()
			continue
		}
		if err := s.archive.Save(ctx, domain.JobArchive{
			JobID:         job.ID,
			URL:           job.URL,
			FormatID:      job.FormatID,
			FinalStatus:   job.Status,
			ErrorCategory: job.ErrorCategory,
			CreatedAt:     job.CreatedAt,
			TerminatedAt:  job.UpdatedAt,
			ArchivedAt:    time.Now().UTC(),
		}); err != nil {
			// Archive is best effort; the record still gets reclaimed.
			slog.Warn("cleanup: archive failed", slog.String("job_id", id), slog.Any("error", err))
			observability.ReaperErrorsTotal.Inc()
		}
		if err := s.removeArtifacts(ctx, id); err != nil {
			slog.Warn("cleanup: artifact removal failed", slog.String("job_id", id), slog.Any("error", err))
			observability.ReaperErrorsTotal.Inc()
		}
		if err := s.jobs.Delete(ctx, id); err != nil {
			slog.Warn("cleanup: delete failed", slog.String("job_id", id), slog.Any("error", err))
			observability.ReaperErrorsTotal.Inc()
			continue
		}
		removed++
	}
	return removed, nil
}

// FailStuck fails processing jobs whose last update is older than maxIdle.
// Workers publish progress at least once per throttle interval, so a stale
// processing record means its worker died without reaching a terminal write.
func (s *JobService) FailStuck(ctx context.Context, maxIdle time.Duration, limit int) (int, error) {
	jobs, err := s.jobs.FindByStatus(ctx, domain.JobProcessing, limit)
	if err != nil {
		return 0, fmt.Errorf("op=jobs.failstuck scan: %w", err)
	}
	cutoff := time.Now().Add(-maxIdle)
	failed := 0
	for _, job := range jobs {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.Fail(ctx, job.ID, domain.CategoryTimeout, "job exceeded processing deadline"); err != nil {
			slog.Warn("failstuck: transition failed", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		failed++
	}
	return failed, nil
}
