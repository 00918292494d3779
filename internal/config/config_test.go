package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, time.Hour, cfg.JobTTL())
	assert.Equal(t, 10*time.Minute, cfg.FileTTL())
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 90*time.Minute, cfg.WorkerSoftTimeout)
	assert.Equal(t, 100*time.Minute, cfg.WorkerHardTimeout)
	assert.Equal(t, "yt-dlp", cfg.ExtractorBin)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("JOB_TTL_SECONDS", "120")
	t.Setenv("RATE_LIMIT_WHITELIST", "1.1.1.1,2.2.2.2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 2*time.Minute, cfg.JobTTL())
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, cfg.RateLimitWhitelist)
}

func TestRateLimitActive(t *testing.T) {
	cfg := Config{RateLimitEnabled: true, AppEnv: "dev"}
	assert.False(t, cfg.RateLimitActive(), "dev never throttles")

	cfg.AppEnv = "prod"
	assert.True(t, cfg.RateLimitActive())

	cfg.RateLimitEnabled = false
	assert.False(t, cfg.RateLimitActive())
}

func TestDailyCategoryCaps(t *testing.T) {
	cfg := Config{RateLimitDailyCategory: "video:20,audio:30"}
	assert.Equal(t, map[string]int{"video": 20, "audio": 30}, cfg.DailyCategoryCaps())

	// Malformed entries are skipped, not fatal.
	cfg.RateLimitDailyCategory = "video:20,broken,also:bad:x,neg:-1,:5,ok:1"
	assert.Equal(t, map[string]int{"video": 20, "ok": 1}, cfg.DailyCategoryCaps())

	cfg.RateLimitDailyCategory = ""
	assert.Empty(t, cfg.DailyCategoryCaps())
}

func TestEndpointLimitsKeepPathColons(t *testing.T) {
	cfg := Config{RateLimitEndpoints: "/api/v1/videos/resolutions:60"}
	assert.Equal(t, map[string]int{"/api/v1/videos/resolutions": 60}, cfg.EndpointLimits())
}

func TestSignedURLBaseResolution(t *testing.T) {
	cfg := Config{DownloadBaseURL: "https://dl.example.com/files/"}
	assert.Equal(t, "https://dl.example.com/files", cfg.SignedURLBase())

	cfg = Config{APIBaseURL: "https://api.example.com"}
	assert.Equal(t, "https://api.example.com/api/v1/downloads/file", cfg.SignedURLBase())

	cfg = Config{}
	assert.Equal(t, "/api/v1/downloads/file", cfg.SignedURLBase())
}
