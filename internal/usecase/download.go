package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/observability"
)

// progressThrottle is the minimum interval between persisted progress samples.
const progressThrottle = 250 * time.Millisecond

// URLSigner issues download URLs for registered files. The HMAC signer
// implements it; S3 deployments use the backend's presigned URLs instead.
type URLSigner interface {
	SignedURL(token string, expiresAt time.Time) string
}

// Orchestrator runs one download job end to end: claim, resolve, fetch,
// store, register, complete. It is invoked by the queue worker.
type Orchestrator struct {
	jobs      *JobService
	files     *FileService
	resolve   *ResolveService
	extractor domain.Extractor
	storage   domain.StorageBackend
	signer    URLSigner

	workDir  string
	maxBytes int64
}

// OrchestratorOptions carries the orchestrator's tunables.
type OrchestratorOptions struct {
	WorkDir  string
	MaxBytes int64
}

// NewOrchestrator wires the download orchestrator.
func NewOrchestrator(jobs *JobService, files *FileService, resolve *ResolveService, extractor domain.Extractor, storage domain.StorageBackend, signer URLSigner, opts OrchestratorOptions) *Orchestrator {
	return &Orchestrator{
		jobs:      jobs,
		files:     files,
		resolve:   resolve,
		extractor: extractor,
		storage:   storage,
		signer:    signer,
		workDir:   opts.WorkDir,
		maxBytes:  opts.MaxBytes,
	}
}

// Process executes the download pipeline for one task. It returns the
// categorized error on failure; the caller decides whether the delivery is
// retried and whether the job is terminally failed.
func (o *Orchestrator) Process(ctx context.Context, p domain.DownloadTaskPayload) error {
	ctx, span := otel.Tracer("usecase").Start(ctx, "download.process")
	defer span.End()
	start := time.Now()

	if err := o.claim(ctx, p.JobID); err != nil {
		return err
	}

	if err := ValidateURL(p.URL); err != nil {
		return err
	}
	_ = o.jobs.UpdateProgress(ctx, p.JobID, domain.Progress{Percent: 0, Phase: "resolving"})
	if _, err := o.resolve.ResolveFormat(ctx, p.URL, p.FormatID); err != nil {
		return err
	}

	// The download context is cancelled when a progress write observes a
	// terminal transition, which is how user cancellation reaches the
	// subprocess.
	dlCtx, cancelDownload := context.WithCancel(ctx)
	defer cancelDownload()

	tmpDir := filepath.Join(o.workDir, "tmp", p.JobID)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return domain.NewCategorizedError(domain.CategorySystemError, "cannot create work directory", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			slog.Warn("work directory cleanup failed", slog.String("job_id", p.JobID), slog.Any("error", err))
		}
	}()

	produced, err := o.fetch(dlCtx, p, cancelDownload, tmpDir)
	if err != nil {
		if dlCtx.Err() != nil && ctx.Err() == nil {
			// Progress write lost to a terminal transition: user cancellation.
			return domain.NewCategorizedError(domain.CategoryCancelled, "cancelled during download", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.NewCategorizedError(domain.CategoryTimeout, "download exceeded its deadline", err)
		}
		if errors.Is(err, context.Canceled) {
			return domain.NewCategorizedError(domain.CategoryCancelled, "download interrupted", err)
		}
		return domain.ClassifyExtractorError(err)
	}

	info, err := os.Stat(produced)
	if err != nil {
		return domain.NewCategorizedError(domain.CategorySystemError, "produced file missing", err)
	}
	if o.maxBytes > 0 && info.Size() > o.maxBytes {
		return domain.NewCategorizedError(domain.CategoryFileTooLarge,
			fmt.Sprintf("artifact is %d bytes, cap is %d", info.Size(), o.maxBytes), nil)
	}

	_ = o.jobs.UpdateProgress(ctx, p.JobID, domain.Progress{Percent: 99, Phase: "storing"})
	filename := filepath.Base(produced)
	storePath := p.JobID + "/" + filename
	src, err := os.Open(produced)
	if err != nil {
		return domain.NewCategorizedError(domain.CategorySystemError, "cannot open produced file", err)
	}
	saveErr := o.storage.Save(ctx, storePath, src)
	_ = src.Close()
	if saveErr != nil {
		return domain.NewCategorizedError(domain.CategorySystemError, "cannot store artifact", saveErr)
	}

	file, err := o.files.Register(ctx, p.JobID, storePath, filename, info.Size())
	if err != nil {
		return domain.NewCategorizedError(domain.CategorySystemError, "cannot register artifact", err)
	}

	downloadURL, err := o.downloadURL(ctx, file)
	if err != nil {
		return domain.NewCategorizedError(domain.CategorySystemError, "cannot issue download URL", err)
	}

	if err := o.jobs.Complete(ctx, p.JobID, downloadURL, file.Token, file.ExpiresAt); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Cancelled in the closing moments; the artifact is reclaimed by
			// the file sweep when its TTL lapses.
			return domain.NewCategorizedError(domain.CategoryCancelled, "cancelled before completion", err)
		}
		return domain.NewCategorizedError(domain.CategorySystemError, "cannot complete job", err)
	}
	observability.DownloadDuration.Observe(time.Since(start).Seconds())
	observability.DownloadBytes.Observe(float64(info.Size()))
	return nil
}

// claim moves the job to processing. A redelivered task finds the job already
// processing, which is fine; a terminal job means the task is obsolete.
func (o *Orchestrator) claim(ctx context.Context, jobID string) error {
	err := o.jobs.Start(ctx, jobID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewCategorizedError(domain.CategoryCancelled, "job record no longer exists", err)
		}
		return domain.NewCategorizedError(domain.CategorySystemError, "cannot claim job", err)
	}
	job, getErr := o.jobs.Get(ctx, jobID)
	if getErr != nil {
		return domain.NewCategorizedError(domain.CategorySystemError, "cannot inspect claimed job", getErr)
	}
	if job.Status == domain.JobProcessing {
		return nil
	}
	return domain.NewCategorizedError(domain.CategoryCancelled, "job already finished", domain.ErrConflict)
}

// fetch runs the extractor download with throttled progress persistence and a
// short retry envelope around transient failures.
func (o *Orchestrator) fetch(ctx context.Context, p domain.DownloadTaskPayload, cancel context.CancelFunc, tmpDir string) (string, error) {
	var mu sync.Mutex
	var lastWrite time.Time

	onProgress := func(percent float64, speed string, etaSeconds int) {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if now.Sub(lastWrite) < progressThrottle && percent < 100 {
			return
		}
		lastWrite = now
		// Scale raw extractor percent into the downloading band so the
		// storing phase still has room.
		scaled := percent * 0.98
		err := o.jobs.UpdateProgress(ctx, p.JobID, domain.Progress{
			Percent:    scaled,
			Phase:      "downloading",
			Speed:      speed,
			ETASeconds: etaSeconds,
		})
		if errors.Is(err, domain.ErrConflict) {
			cancel()
		}
	}

	var produced string
	attempt := func() error {
		path, err := o.extractor.Download(ctx, p.URL, p.FormatID, tmpDir, onProgress)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			if domain.ClassifyExtractorError(err).Category.Retryable() {
				return err
			}
			return backoff.Permanent(err)
		}
		produced = path
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
		return "", err
	}
	return produced, nil
}

// downloadURL builds the artifact URL: the backend's presigned URL when it can
// issue one, otherwise the HMAC-signed service URL.
func (o *Orchestrator) downloadURL(ctx context.Context, f domain.DownloadedFile) (string, error) {
	if presigner, ok := o.storage.(domain.SignedURLBackend); ok {
		url, err := presigner.PresignedURL(ctx, f.Path, time.Until(f.ExpiresAt))
		if err == nil {
			return url, nil
		}
		slog.Warn("presign failed, falling back to service URL", slog.String("job_id", f.JobID), slog.Any("error", err))
	}
	return o.signer.SignedURL(f.Token, f.ExpiresAt), nil
}
