package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/media-fetch/internal/adapter/extractor/stub"
	"github.com/fairyhunter13/media-fetch/internal/adapter/httpserver"
	"github.com/fairyhunter13/media-fetch/internal/adapter/repo/redisrepo"
	"github.com/fairyhunter13/media-fetch/internal/adapter/storage/localstore"
	"github.com/fairyhunter13/media-fetch/internal/adapter/wsgateway"
	"github.com/fairyhunter13/media-fetch/internal/app"
	"github.com/fairyhunter13/media-fetch/internal/config"
	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/service/ratelimiter"
	"github.com/fairyhunter13/media-fetch/internal/service/signing"
	"github.com/fairyhunter13/media-fetch/internal/usecase"
)

type noopQueue struct{}

func (noopQueue) EnqueueDownload(_ context.Context, p domain.DownloadTaskPayload) (string, error) {
	return p.JobID, nil
}

// testAPI is the whole HTTP surface wired against miniredis, local storage,
// and the stub extractor.
type testAPI struct {
	handler http.Handler
	client  *redisrepo.Client
	jobs    *usecase.JobService
	files   *usecase.FileService
	storage domain.StorageBackend
	signer  *signing.Signer
}

func newTestAPI(t *testing.T, limits ratelimiter.Options) *testAPI {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redisrepo.NewFromClient(rdb)

	store, err := localstore.New(t.TempDir())
	require.NoError(t, err)

	hub := wsgateway.NewHub()
	jobRepo := redisrepo.NewJobRepo(client, time.Hour)
	fileRepo := redisrepo.NewFileRepo(client)
	jobs := usecase.NewJobService(jobRepo, fileRepo, redisrepo.NewArchiveRepo(client), store, noopQueue{}, hub)
	files := usecase.NewFileService(fileRepo, store, 10*time.Minute)
	resolve := usecase.NewResolveService(stub.New(), nil)
	signer := signing.New("test-secret", "/api/v1/downloads/file")
	limiter := ratelimiter.New(redisrepo.NewRateLimitRepo(client), limits)

	srv := httpserver.New(jobs, files, resolve, limiter, signer, store, client)
	cfg := config.Config{
		CORSAllowOrigins: "*",
		HTTPWriteTimeout: 30 * time.Second,
	}
	gateway := wsgateway.NewGateway(hub, jobs, true)
	return &testAPI{
		handler: app.BuildRouter(cfg, srv, gateway),
		client:  client,
		jobs:    jobs,
		files:   files,
		storage: store,
		signer:  signer,
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestCreateDownloadRejectsInvalidURL(t *testing.T) {
	api := newTestAPI(t, ratelimiter.Options{})

	rec := api.do(t, http.MethodPost, "/api/v1/downloads", `{"url":"not a url","format_id":"22"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "invalid-url", body["error_category"])
	assert.NotEmpty(t, body["error"])
}

func TestCreateDownloadRejectsMissingFields(t *testing.T) {
	api := newTestAPI(t, ratelimiter.Options{})

	rec := api.do(t, http.MethodPost, "/api/v1/downloads", `{"url":"https://example.com/v/abc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/downloads", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAndGetJob(t *testing.T) {
	api := newTestAPI(t, ratelimiter.Options{})

	rec := api.do(t, http.MethodPost, "/api/v1/downloads", `{"url":"https://example.com/v/abc","format_id":"22"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeJSON(t, rec)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "pending", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = api.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeJSON(t, rec)
	assert.Equal(t, jobID, job["id"])
	assert.Equal(t, "pending", job["status"])
}

func TestGetJobNotFound(t *testing.T) {
	api := newTestAPI(t, ratelimiter.Options{})

	rec := api.do(t, http.MethodGet, "/api/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteJobLifecycle(t *testing.T) {
	api := newTestAPI(t, ratelimiter.Options{})
	ctx := context.Background()

	job, err := api.jobs.Create(ctx, "https://example.com/v/abc", "22", "video", "")
	require.NoError(t, err)

	// A live job refuses deletion.
	rec := api.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, api.jobs.Cancel(ctx, job.ID))
	rec = api.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadRateLimit(t *testing.T) {
	api := newTestAPI(t, ratelimiter.Options{
		Enabled:    true,
		PerMinute:  3,
		DailyTotal: 50,
	})

	body := `{"url":"https://example.com/v/abc","format_id":"22"}`
	for i := 0; i < 3; i++ {
		rec := api.do(t, http.MethodPost, "/api/v1/downloads", body)
		require.Equal(t, http.StatusAccepted, rec.Code, "request %d", i+1)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := api.do(t, http.MethodPost, "/api/v1/downloads", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"), "refusal carries the exceeded ceiling")
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	reset, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, reset, time.Now().Unix())

	refused := decodeJSON(t, rec)
	assert.Equal(t, "rate-limited", refused["error_category"])
	assert.NotEmpty(t, refused["reset_at"])
}

func TestResolutions(t *testing.T) {
	api := newTestAPI(t, ratelimiter.Options{})

	rec := api.do(t, http.MethodPost, "/api/v1/videos/resolutions", `{"url":"https://example.com/v/abc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)

	meta, ok := body["meta"].(map[string]any)
	require.True(t, ok, "meta object")
	assert.NotEmpty(t, meta["title"])

	formats, ok := body["formats"].([]any)
	require.True(t, ok, "formats array")
	assert.Len(t, formats, 4)
}

func TestGetFileStreamsArtifact(t *testing.T) {
	api := newTestAPI(t, ratelimiter.Options{})
	ctx := context.Background()

	require.NoError(t, api.storage.Save(ctx, "j1/clip.mp4", strings.NewReader("media bytes")))
	f, err := api.files.Register(ctx, "j1", "j1/clip.mp4", "clip.mp4", 11)
	require.NoError(t, err)

	// The full signed URL round-trips through the handler.
	signed := api.signer.SignedURL(f.Token, f.ExpiresAt)
	rec := api.do(t, http.MethodGet, signed, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "media bytes", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "clip.mp4")
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))

	// A tampered signature is refused.
	rec = api.do(t, http.MethodGet, "/api/v1/downloads/file/"+f.Token+"?signature=deadbeef", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetFileGoneAndNotFound(t *testing.T) {
	api := newTestAPI(t, ratelimiter.Options{})
	ctx := context.Background()

	// Seed a record already past expiry, as the grace window leaves it. The
	// repository refuses expired writes, so the raw keys are planted directly.
	expired := domain.DownloadedFile{
		Path:      "j9/clip.mp4",
		Token:     "expired-token",
		JobID:     "j9",
		Filename:  "clip.mp4",
		CreatedAt: time.Now().UTC().Add(-11 * time.Minute),
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, api.client.SetJSON(ctx, "file_token:expired-token", expired, 59*time.Second))
	require.NoError(t, api.client.SetJSON(ctx, "file_job:j9", map[string]string{"token": "expired-token"}, 59*time.Second))

	rec := api.do(t, http.MethodGet, "/api/v1/downloads/file/expired-token", "")
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/downloads/file/never-issued", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, ratelimiter.Options{})

	rec := api.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "ok", body["status"])

	rec = api.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	api := newTestAPI(t, ratelimiter.Options{})

	rec := api.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
