// Package domain holds the core entities, error taxonomy, and ports of the
// media-download service. Adapters depend on this package, never the reverse.
package domain

import (
	"context"
	"io"
	"time"
)

// JobStatus enumerates the job lifecycle states.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status has no outgoing transitions.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// Valid reports whether s is one of the known statuses. Repositories reject
// records carrying anything else so schema drift fails loudly on read.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Progress is the value type carried inside a Job. Percent is monotonically
// non-decreasing over the lifetime of a job; the store-side merge script
// enforces this under concurrent writers.
type Progress struct {
	Percent    float64 `json:"percent"`
	Phase      string  `json:"phase"`
	Speed      string  `json:"speed,omitempty"`
	ETASeconds int     `json:"eta_seconds,omitempty"`
}

// Job is the principal aggregate. download_url/token/expire_at are set only on
// completed; error_message/error_category only on failed.
type Job struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	FormatID      string     `json:"format_id"`
	Status        JobStatus  `json:"status"`
	Progress      Progress   `json:"progress"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DownloadURL   string     `json:"download_url,omitempty"`
	DownloadToken string     `json:"download_token,omitempty"`
	ExpireAt      *time.Time `json:"expire_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ErrorCategory string     `json:"error_category,omitempty"`
}

// DownloadedFile is artifact metadata, indexed by token and by job id.
type DownloadedFile struct {
	Path      string    `json:"path"`
	Token     string    `json:"token"`
	JobID     string    `json:"job_id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the file is past its expiry at the given instant.
func (f DownloadedFile) Expired(now time.Time) bool { return !now.Before(f.ExpiresAt) }

// JobArchive is the append-only snapshot of a terminal job written by the
// reaper before the job record is deleted.
type JobArchive struct {
	JobID         string    `json:"job_id"`
	URL           string    `json:"url"`
	FormatID      string    `json:"format_id"`
	FinalStatus   JobStatus `json:"final_status"`
	ErrorCategory string    `json:"error_category,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	TerminatedAt  time.Time `json:"terminated_at"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// RateLimitType identifies one rate-limit dimension.
type RateLimitType string

const (
	LimitPerMinute  RateLimitType = "minute"
	LimitDailyTotal RateLimitType = "daily_total"
)

// DailyCategoryLimit builds the per-category daily limit type.
func DailyCategoryLimit(category string) RateLimitType {
	return RateLimitType("daily_" + category)
}

// RateLimitStatus is one counter's observed state.
type RateLimitStatus struct {
	Type    RateLimitType
	Count   int64
	Limit   int64
	ResetAt time.Time
}

// Remaining returns the number of requests left in the window, never negative.
func (s RateLimitStatus) Remaining() int64 {
	if r := s.Limit - s.Count; r > 0 {
		return r
	}
	return 0
}

// Exceeded reports whether the counter is over its ceiling.
func (s RateLimitStatus) Exceeded() bool { return s.Limit > 0 && s.Count > s.Limit }

// MediaFormat is one encoding the extractor can produce for a URL.
type MediaFormat struct {
	ID         string `json:"format_id"`
	Extension  string `json:"ext"`
	Resolution string `json:"resolution,omitempty"`
	Note       string `json:"format_note,omitempty"`
	Filesize   int64  `json:"filesize,omitempty"`
	AudioOnly  bool   `json:"audio_only,omitempty"`
}

// MediaMetadata is the extractor's description of a source URL.
type MediaMetadata struct {
	Title      string  `json:"title"`
	Uploader   string  `json:"uploader,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	Thumbnail  string  `json:"thumbnail,omitempty"`
	WebpageURL string  `json:"webpage_url,omitempty"`
}

// DownloadTaskPayload is the queue message binding a job to a worker run.
type DownloadTaskPayload struct {
	JobID     string `json:"job_id"`
	URL       string `json:"url"`
	FormatID  string `json:"format_id"`
	Category  string `json:"category,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// EventType enumerates the progress fan-out event kinds.
type EventType string

const (
	EventProgress  EventType = "job_progress"
	EventCompleted EventType = "job_completed"
	EventFailed    EventType = "job_failed"
	EventCancelled EventType = "job_cancelled"
	EventWarning   EventType = "job_warning"
)

// ProgressEvent is one message published to a job's room.
type ProgressEvent struct {
	Type          EventType `json:"type"`
	JobID         string    `json:"job_id"`
	Percent       float64   `json:"percent,omitempty"`
	Phase         string    `json:"phase,omitempty"`
	Speed         string    `json:"speed,omitempty"`
	ETASeconds    int       `json:"eta_seconds,omitempty"`
	DownloadURL   string    `json:"download_url,omitempty"`
	ExpireAt      string    `json:"expire_at,omitempty"`
	ErrorMessage  string    `json:"error,omitempty"`
	ErrorCategory string    `json:"error_category,omitempty"`
}

// Ports

// JobRepository persists job records with scripted, race-free mutations.
type JobRepository interface {
	Save(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	GetMany(ctx context.Context, ids []string) ([]Job, error)
	SaveMany(ctx context.Context, jobs []Job) error
	UpdateProgress(ctx context.Context, id string, p Progress) error
	// UpdateStatus transitions a job. The terminal-state guard runs inside the
	// store script; losers receive ErrConflict. fields carries the
	// completed/failed attachments and may be nil.
	UpdateStatus(ctx context.Context, id string, status JobStatus, fields *StatusFields) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	GetExpired(ctx context.Context, olderThan time.Duration) ([]string, error)
	FindByStatus(ctx context.Context, status JobStatus, limit int) ([]Job, error)
}

// StatusFields are the optional attachments applied atomically with a status
// transition.
type StatusFields struct {
	ErrorMessage  string
	ErrorCategory string
	DownloadURL   string
	DownloadToken string
	ExpireAt      *time.Time
}

// FileRepository persists artifact metadata under both indices with a shared
// grace-extended TTL.
type FileRepository interface {
	Save(ctx context.Context, f DownloadedFile) error
	GetByToken(ctx context.Context, token string) (DownloadedFile, error)
	GetByJobID(ctx context.Context, jobID string) (DownloadedFile, error)
	Delete(ctx context.Context, token string) error
	GetExpired(ctx context.Context) ([]DownloadedFile, error)
}

// ArchiveRepository is the append-only terminal-job archive.
type ArchiveRepository interface {
	Save(ctx context.Context, a JobArchive) error
	Get(ctx context.Context, jobID string) (JobArchive, error)
}

// RateLimitRepository exposes atomic counter operations. Implementations fail
// open: on transport errors they return a synthetic unlimited state.
type RateLimitRepository interface {
	Increment(ctx context.Context, ip string, limit RateLimitType) (int64, time.Time, error)
	GetState(ctx context.Context, ip string, limit RateLimitType) (int64, time.Time, error)
}

// StorageBackend stores artifact blobs. Concurrent writes to one path must not
// occur; the one-worker-per-job guarantee upholds that.
type StorageBackend interface {
	Save(ctx context.Context, path string, r io.Reader) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Size(ctx context.Context, path string) (int64, error)
}

// SignedURLBackend is implemented by storage backends that can issue their own
// time-limited URLs (the S3 backend).
type SignedURLBackend interface {
	PresignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// DownloadProgressFunc receives raw extractor progress during a download.
type DownloadProgressFunc func(percent float64, speed string, etaSeconds int)

// Extractor is the external metadata+download capability.
type Extractor interface {
	Metadata(ctx context.Context, url string) (MediaMetadata, error)
	Formats(ctx context.Context, url string) ([]MediaFormat, error)
	// Download fetches url in the requested format into destDir and returns
	// the absolute path of the produced file. fn may be nil.
	Download(ctx context.Context, url, formatID, destDir string, fn DownloadProgressFunc) (string, error)
}

// Queue enqueues download tasks for background workers.
type Queue interface {
	EnqueueDownload(ctx context.Context, payload DownloadTaskPayload) (string, error)
}

// ProgressPublisher routes events to a job's subscribers. Publishing never
// blocks on slow subscribers.
type ProgressPublisher interface {
	Publish(jobID string, ev ProgressEvent)
}

// MetadataCache caches extractor output keyed by source URL.
type MetadataCache interface {
	GetMetadata(ctx context.Context, url string) (MediaMetadata, bool, error)
	SetMetadata(ctx context.Context, url string, m MediaMetadata) error
	GetFormats(ctx context.Context, url string) ([]MediaFormat, bool, error)
	SetFormats(ctx context.Context, url string, fs []MediaFormat) error
}
