package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/media-fetch/internal/adapter/repo/redisrepo"
	"github.com/fairyhunter13/media-fetch/internal/observability"
	"github.com/fairyhunter13/media-fetch/internal/usecase"
)

// stuckScanLimit bounds how many processing jobs one stuck sweep inspects.
const stuckScanLimit = 500

// Reaper periodically reclaims expired jobs, expired files, orphaned temp
// directories, and stuck processing jobs. The Redis lock keeps concurrent
// replicas from sweeping simultaneously.
type Reaper struct {
	client *redisrepo.Client
	jobs   *usecase.JobService
	files  *usecase.FileService

	interval    time.Duration
	jobTTL      time.Duration
	hardTimeout time.Duration
	orphanAge   time.Duration
	workDir     string
}

// ReaperOptions carries the reaper's tunables.
type ReaperOptions struct {
	Interval    time.Duration
	JobTTL      time.Duration
	HardTimeout time.Duration
	OrphanAge   time.Duration
	WorkDir     string
}

// NewReaper wires the reaper.
func NewReaper(client *redisrepo.Client, jobs *usecase.JobService, files *usecase.FileService, opts ReaperOptions) *Reaper {
	return &Reaper{
		client:      client,
		jobs:        jobs,
		files:       files,
		interval:    opts.Interval,
		jobTTL:      opts.JobTTL,
		hardTimeout: opts.HardTimeout,
		orphanAge:   opts.OrphanAge,
		workDir:     opts.WorkDir,
	}
}

// Summary is the result of one full sweep.
type Summary struct {
	ExpiredJobsRemoved int      `json:"expired_jobs_removed"`
	FilesRemoved       int      `json:"files_removed"`
	OrphansRemoved     int      `json:"orphans_removed"`
	StuckJobsFailed    int      `json:"stuck_jobs_failed"`
	Errors             []string `json:"errors,omitempty"`
}

// Run ticks until the context is cancelled. Each tick attempts the lock; a
// replica that loses simply waits for the next tick.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("reaper started", slog.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopped")
			return
		case <-ticker.C:
			acquired, err := r.client.WithLock(ctx, "reaper", r.interval, func(ctx context.Context) error {
				summary := r.Sweep(ctx)
				slog.Info("reaper sweep finished",
					slog.Int("expired_jobs_removed", summary.ExpiredJobsRemoved),
					slog.Int("files_removed", summary.FilesRemoved),
					slog.Int("orphans_removed", summary.OrphansRemoved),
					slog.Int("stuck_jobs_failed", summary.StuckJobsFailed),
					slog.Int("errors", len(summary.Errors)),
				)
				return nil
			})
			if err != nil {
				slog.Warn("reaper lock attempt failed", slog.Any("error", err))
			} else if !acquired {
				slog.Debug("reaper lock held elsewhere, skipping tick")
			}
		}
	}
}

// Sweep runs the four sweeps in order. Sweeps are independent: a failing one
// records its error in the summary and never aborts the rest.
func (r *Reaper) Sweep(ctx context.Context) Summary {
	ctx, span := otel.Tracer("jobs.reaper").Start(ctx, "reaper.sweep")
	defer span.End()
	start := time.Now()
	defer func() {
		observability.ReaperSweepDuration.Observe(time.Since(start).Seconds())
	}()

	var s Summary

	removed, err := r.jobs.CleanupExpired(ctx, r.jobTTL)
	if err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("jobs: %v", err))
	}
	s.ExpiredJobsRemoved = removed
	observability.ReaperJobsRemovedTotal.Add(float64(removed))

	files, err := r.files.CleanupExpired(ctx)
	if err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("files: %v", err))
	}
	s.FilesRemoved = files
	observability.ReaperFilesRemovedTotal.Add(float64(files))

	orphans, err := r.sweepOrphans()
	if err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("orphans: %v", err))
	}
	s.OrphansRemoved = orphans

	stuck, err := r.jobs.FailStuck(ctx, r.hardTimeout, stuckScanLimit)
	if err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("stuck: %v", err))
	}
	s.StuckJobsFailed = stuck

	return s
}

// sweepOrphans removes per-job temp directories whose last modification is
// older than the orphan age. A live worker touches its directory continuously,
// so anything that old belongs to a dead run.
func (r *Reaper) sweepOrphans() (int, error) {
	tmpRoot := filepath.Join(r.workDir, "tmp")
	entries, err := os.ReadDir(tmpRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=reaper.orphans: %w", err)
	}
	cutoff := time.Now().Add(-r.orphanAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(tmpRoot, e.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("orphan removal failed", slog.String("path", path), slog.Any("error", err))
			observability.ReaperErrorsTotal.Inc()
			continue
		}
		removed++
	}
	return removed, nil
}
