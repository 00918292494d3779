// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	Port     int    `env:"PORT" envDefault:"8080"`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Job lifecycle
	JobTTLSeconds int `env:"JOB_TTL_SECONDS" envDefault:"3600"`

	// Worker
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
	WorkerSoftTimeout time.Duration `env:"WORKER_SOFT_TIMEOUT" envDefault:"90m"`
	WorkerHardTimeout time.Duration `env:"WORKER_HARD_TIMEOUT" envDefault:"100m"`

	// Storage: bucket set selects the S3 backend, otherwise local filesystem.
	DownloadDir   string `env:"DOWNLOAD_DIR" envDefault:"/tmp/media-fetch"`
	StorageBucket string `env:"STORAGE_BUCKET"`
	AWSRegion     string `env:"AWS_REGION" envDefault:"us-east-1"`
	// MaxFileSizeMB caps the size of a produced artifact; 0 disables the cap.
	MaxFileSizeMB int64 `env:"MAX_FILE_SIZE_MB" envDefault:"2048"`

	// Rate limiting
	RateLimitEnabled       bool     `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitPerMin        int      `env:"RATE_LIMIT_PER_MIN" envDefault:"10"`
	RateLimitDailyTotal    int      `env:"RATE_LIMIT_DAILY_TOTAL" envDefault:"50"`
	RateLimitDailyCategory string   `env:"RATE_LIMIT_DAILY_CATEGORY" envDefault:"video:20,audio:30"`
	RateLimitEndpoints     string   `env:"RATE_LIMIT_ENDPOINTS"`
	RateLimitWhitelist     []string `env:"RATE_LIMIT_WHITELIST" envSeparator:","`

	// Signed URLs
	SigningSecret   string `env:"SIGNING_SECRET"`
	DownloadBaseURL string `env:"DOWNLOAD_BASE_URL"`
	APIBaseURL      string `env:"API_BASE_URL"`

	// Files
	FileTTLMinutes int `env:"FILE_TTL_MINUTES" envDefault:"10"`

	// Reaper
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`
	OrphanMaxAge   time.Duration `env:"ORPHAN_MAX_AGE" envDefault:"1h"`

	// Extractor
	ExtractorBin      string        `env:"EXTRACTOR_BIN" envDefault:"yt-dlp"`
	ExtractorCacheTTL time.Duration `env:"EXTRACTOR_CACHE_TTL" envDefault:"5m"`

	// HTTP server
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	HTTPRatePerMin        int           `env:"HTTP_RATE_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// RateLimitActive reports whether domain rate limiting is enforced.
// Both the feature flag and production mode must hold; dev and test
// environments never throttle.
func (c Config) RateLimitActive() bool { return c.RateLimitEnabled && c.IsProd() }

// JobTTL returns the job record TTL as a duration.
func (c Config) JobTTL() time.Duration { return time.Duration(c.JobTTLSeconds) * time.Second }

// FileTTL returns the downloaded-file TTL as a duration.
func (c Config) FileTTL() time.Duration { return time.Duration(c.FileTTLMinutes) * time.Minute }

// DailyCategoryCaps parses RATE_LIMIT_DAILY_CATEGORY ("video:20,audio:30")
// into a category → cap map. Malformed entries are skipped.
func (c Config) DailyCategoryCaps() map[string]int {
	return parseCapMap(c.RateLimitDailyCategory)
}

// EndpointLimits parses RATE_LIMIT_ENDPOINTS ("/path:60,/other:10") into a
// path → hourly cap map.
func (c Config) EndpointLimits() map[string]int {
	return parseCapMap(c.RateLimitEndpoints)
}

func parseCapMap(s string) map[string]int {
	out := map[string]int{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.LastIndex(part, ":")
		if idx <= 0 || idx == len(part)-1 {
			continue
		}
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			continue
		}
		out[part[:idx]] = n
	}
	return out
}

// SignedURLBase resolves the base used when building download URLs, decided
// once at startup: DOWNLOAD_BASE_URL, then API_BASE_URL, then relative.
func (c Config) SignedURLBase() string {
	if c.DownloadBaseURL != "" {
		return strings.TrimRight(c.DownloadBaseURL, "/")
	}
	if c.APIBaseURL != "" {
		return strings.TrimRight(c.APIBaseURL, "/") + "/api/v1/downloads/file"
	}
	return "/api/v1/downloads/file"
}
