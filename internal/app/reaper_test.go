package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/media-fetch/internal/adapter/repo/redisrepo"
	"github.com/fairyhunter13/media-fetch/internal/adapter/storage/localstore"
	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/usecase"
)

type dropQueue struct{}

func (dropQueue) EnqueueDownload(_ context.Context, p domain.DownloadTaskPayload) (string, error) {
	return p.JobID, nil
}

type dropPublisher struct{}

func (dropPublisher) Publish(string, domain.ProgressEvent) {}

type reaperEnv struct {
	client  *redisrepo.Client
	jobRepo *redisrepo.JobRepo
	files   *redisrepo.FileRepo
	archive *redisrepo.ArchiveRepo
	jobs    *usecase.JobService
	fileSvc *usecase.FileService
	storage *localstore.Backend
	workDir string
	reaper  *Reaper
}

func newReaperEnv(t *testing.T) *reaperEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redisrepo.NewFromClient(rdb)

	workDir := t.TempDir()
	store, err := localstore.New(workDir)
	require.NoError(t, err)

	e := &reaperEnv{
		client:  client,
		jobRepo: redisrepo.NewJobRepo(client, 24*time.Hour),
		files:   redisrepo.NewFileRepo(client),
		archive: redisrepo.NewArchiveRepo(client),
		storage: store,
		workDir: workDir,
	}
	e.jobs = usecase.NewJobService(e.jobRepo, e.files, e.archive, store, dropQueue{}, dropPublisher{})
	e.fileSvc = usecase.NewFileService(e.files, store, 10*time.Minute)
	e.reaper = NewReaper(client, e.jobs, e.fileSvc, ReaperOptions{
		Interval:    time.Minute,
		JobTTL:      time.Hour,
		HardTimeout: 100 * time.Minute,
		OrphanAge:   30 * time.Minute,
		WorkDir:     workDir,
	})
	return e
}

func (e *reaperEnv) seedJob(t *testing.T, id string, status domain.JobStatus, age time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, e.jobRepo.Save(context.Background(), domain.Job{
		ID:        id,
		URL:       "https://example.com/v/" + id,
		FormatID:  "22",
		Status:    status,
		CreatedAt: now.Add(-age - time.Minute),
		UpdatedAt: now.Add(-age),
	}))
}

func TestSweepReclaimsEverything(t *testing.T) {
	e := newReaperEnv(t)
	ctx := context.Background()

	// Two expired terminal jobs, one fresh, one stuck in processing.
	e.seedJob(t, "old-done", domain.JobCompleted, 2*time.Hour)
	e.seedJob(t, "old-failed", domain.JobFailed, 2*time.Hour)
	e.seedJob(t, "fresh", domain.JobCompleted, 0)
	e.seedJob(t, "stuck", domain.JobProcessing, 3*time.Hour)

	// An expired file record on a still-live job; the file sweep owns it, not
	// the job sweep.
	short := usecase.NewFileService(e.files, e.storage, 100*time.Millisecond)
	require.NoError(t, e.storage.Save(ctx, "fresh/clip.mp4", strings.NewReader("data")))
	_, err := short.Register(ctx, "fresh", "fresh/clip.mp4", "clip.mp4", 4)
	require.NoError(t, err)

	// One orphaned temp directory aged past the cutoff, one still live.
	orphan := filepath.Join(e.workDir, "tmp", "dead-run")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))
	live := filepath.Join(e.workDir, "tmp", "live-run")
	require.NoError(t, os.MkdirAll(live, 0o755))

	time.Sleep(150 * time.Millisecond)

	s := e.reaper.Sweep(ctx)
	assert.Empty(t, s.Errors)
	assert.Equal(t, 2, s.ExpiredJobsRemoved)
	assert.Equal(t, 1, s.FilesRemoved)
	assert.Equal(t, 1, s.OrphansRemoved)
	assert.Equal(t, 1, s.StuckJobsFailed)

	// Expired jobs were archived before deletion.
	for _, id := range []string{"old-done", "old-failed"} {
		_, err := e.archive.Get(ctx, id)
		assert.NoError(t, err, "archive for %s", id)
		_, err = e.jobRepo.Get(ctx, id)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}

	// The fresh job survives; the stuck one is now failed with timeout.
	job, err := e.jobRepo.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)

	job, err = e.jobRepo.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, string(domain.CategoryTimeout), job.ErrorCategory)

	assert.NoDirExists(t, orphan)
	assert.DirExists(t, live)

	exists, err := e.storage.Exists(ctx, "fresh/clip.mp4")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSweepEmptyStore(t *testing.T) {
	e := newReaperEnv(t)

	s := e.reaper.Sweep(context.Background())
	assert.Empty(t, s.Errors)
	assert.Zero(t, s.ExpiredJobsRemoved)
	assert.Zero(t, s.FilesRemoved)
	assert.Zero(t, s.OrphansRemoved)
	assert.Zero(t, s.StuckJobsFailed)
}

func TestSweepMissingTmpDir(t *testing.T) {
	e := newReaperEnv(t)

	// No tmp directory at all is not an error condition.
	require.NoDirExists(t, filepath.Join(e.workDir, "tmp"))
	s := e.reaper.Sweep(context.Background())
	assert.Empty(t, s.Errors)
}
