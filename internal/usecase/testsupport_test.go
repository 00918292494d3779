package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/media-fetch/internal/adapter/repo/redisrepo"
	"github.com/fairyhunter13/media-fetch/internal/adapter/storage/localstore"
	"github.com/fairyhunter13/media-fetch/internal/domain"
)

// fakeQueue records enqueued payloads and optionally fails.
type fakeQueue struct {
	mu       sync.Mutex
	payloads []domain.DownloadTaskPayload
	err      error
}

func (q *fakeQueue) EnqueueDownload(_ context.Context, p domain.DownloadTaskPayload) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.payloads = append(q.payloads, p)
	return p.JobID, nil
}

func (q *fakeQueue) enqueued() []domain.DownloadTaskPayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.DownloadTaskPayload(nil), q.payloads...)
}

// recordPublisher captures published events in order.
type recordPublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *recordPublisher) Publish(_ string, ev domain.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordPublisher) all() []domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ProgressEvent(nil), p.events...)
}

func (p *recordPublisher) last() (domain.ProgressEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return domain.ProgressEvent{}, false
	}
	return p.events[len(p.events)-1], true
}

// flakyStorage wraps a backend and fails Delete for chosen paths.
type flakyStorage struct {
	domain.StorageBackend
	mu          sync.Mutex
	failDeletes map[string]bool
}

func (s *flakyStorage) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	fail := s.failDeletes[path]
	s.mu.Unlock()
	if fail {
		return errors.New("injected storage failure")
	}
	return s.StorageBackend.Delete(ctx, path)
}

// flakyArchive wraps an archive repo and fails Save for chosen job ids.
type flakyArchive struct {
	domain.ArchiveRepository
	mu       sync.Mutex
	failJobs map[string]bool
}

func (a *flakyArchive) Save(ctx context.Context, ar domain.JobArchive) error {
	a.mu.Lock()
	fail := a.failJobs[ar.JobID]
	a.mu.Unlock()
	if fail {
		return errors.New("injected archive failure")
	}
	return a.ArchiveRepository.Save(ctx, ar)
}

// env is the shared test wiring: miniredis-backed repos, local storage in a
// temp dir, recording fakes.
type env struct {
	client  *redisrepo.Client
	jobRepo *redisrepo.JobRepo
	files   *redisrepo.FileRepo
	archive *flakyArchive
	storage *flakyStorage
	queue   *fakeQueue
	pub     *recordPublisher
	jobs    *JobService
	fileSvc *FileService
	workDir string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redisrepo.NewFromClient(rdb)

	workDir := t.TempDir()
	local, err := localstore.New(workDir)
	if err != nil {
		t.Fatalf("localstore: %v", err)
	}

	e := &env{
		client:  client,
		jobRepo: redisrepo.NewJobRepo(client, time.Hour),
		files:   redisrepo.NewFileRepo(client),
		archive: &flakyArchive{ArchiveRepository: redisrepo.NewArchiveRepo(client), failJobs: map[string]bool{}},
		storage: &flakyStorage{StorageBackend: local, failDeletes: map[string]bool{}},
		queue:   &fakeQueue{},
		pub:     &recordPublisher{},
		workDir: workDir,
	}
	e.jobs = NewJobService(e.jobRepo, e.files, e.archive, e.storage, e.queue, e.pub)
	e.fileSvc = NewFileService(e.files, e.storage, 10*time.Minute)
	return e
}

// seedTerminalJob writes a terminal job whose updated_at is in the past.
func (e *env) seedTerminalJob(t *testing.T, id string, status domain.JobStatus, age time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	err := e.jobRepo.Save(context.Background(), domain.Job{
		ID:        id,
		URL:       "https://example.com/v/" + id,
		FormatID:  "22",
		Status:    status,
		CreatedAt: now.Add(-age - time.Minute),
		UpdatedAt: now.Add(-age),
	})
	if err != nil {
		t.Fatalf("seed job %s: %v", id, err)
	}
}

// seedArtifact stores a blob and registers its metadata for a job.
func (e *env) seedArtifact(t *testing.T, jobID string) domain.DownloadedFile {
	t.Helper()
	ctx := context.Background()
	path := jobID + "/video.mp4"
	if err := e.storage.Save(ctx, path, strings.NewReader("data")); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	f, err := e.fileSvc.Register(ctx, jobID, path, "video.mp4", 4)
	if err != nil {
		t.Fatalf("seed file: %v", err)
	}
	return f
}
