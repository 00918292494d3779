package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

const (
	fileTokenPrefix = "file_token:"
	fileJobPrefix   = "file_job:"

	// graceWindow keeps metadata addressable after expiry so the boundary can
	// answer "gone" instead of "not found".
	graceWindow = 60 * time.Second
)

func fileTokenKey(tok string) string { return fileTokenPrefix + tok }
func fileJobKey(jobID string) string { return fileJobPrefix + jobID }

type fileJobIndex struct {
	Token string `json:"token"`
}

// FileRepo stores artifact metadata under two indices that share one TTL:
// file_token:<tok> holds the record, file_job:<job_id> holds the token.
type FileRepo struct {
	client *Client
}

// NewFileRepo constructs a FileRepo.
func NewFileRepo(c *Client) *FileRepo { return &FileRepo{client: c} }

// Save persists both index entries with TTL = (expires_at − now) + grace.
// Files that are already expired are never persisted.
func (r *FileRepo) Save(ctx context.Context, f domain.DownloadedFile) error {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Save")
	defer span.End()
	ttl := time.Until(f.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("op=file.save token=%s already expired: %w", f.Token, domain.ErrInvalidArgument)
	}
	ttl += graceWindow
	recB, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("op=file.save: %w", err)
	}
	idxB, err := json.Marshal(fileJobIndex{Token: f.Token})
	if err != nil {
		return fmt.Errorf("op=file.save: %w", err)
	}
	pipe := r.client.Rdb().TxPipeline()
	pipe.Set(ctx, fileTokenKey(f.Token), recB, ttl)
	pipe.Set(ctx, fileJobKey(f.JobID), idxB, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=file.save: %w", err)
	}
	return nil
}

// GetByToken loads the record regardless of expiry; the manager layer decides
// between expired and live.
func (r *FileRepo) GetByToken(ctx context.Context, token string) (domain.DownloadedFile, error) {
	var f domain.DownloadedFile
	if err := r.client.GetJSON(ctx, fileTokenKey(token), &f); err != nil {
		return domain.DownloadedFile{}, fmt.Errorf("op=file.get_by_token: %w", err)
	}
	return f, nil
}

// GetByJobID resolves the job index to a token, then loads the record.
func (r *FileRepo) GetByJobID(ctx context.Context, jobID string) (domain.DownloadedFile, error) {
	var idx fileJobIndex
	if err := r.client.GetJSON(ctx, fileJobKey(jobID), &idx); err != nil {
		return domain.DownloadedFile{}, fmt.Errorf("op=file.get_by_job: %w", err)
	}
	f, err := r.GetByToken(ctx, idx.Token)
	if err != nil {
		return domain.DownloadedFile{}, fmt.Errorf("op=file.get_by_job: %w", err)
	}
	return f, nil
}

// Delete removes both index entries. The record is fetched first so the job
// index can be located; an absent record makes Delete a no-op.
func (r *FileRepo) Delete(ctx context.Context, token string) error {
	f, err := r.GetByToken(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := r.client.Rdb().TxPipeline()
	pipe.Del(ctx, fileTokenKey(token))
	pipe.Del(ctx, fileJobKey(f.JobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=file.delete token=%s: %w", token, err)
	}
	return nil
}

// GetExpired scans the token index and returns records past expires_at but
// still inside the grace window.
func (r *FileRepo) GetExpired(ctx context.Context) ([]domain.DownloadedFile, error) {
	now := time.Now().UTC()
	var out []domain.DownloadedFile
	err := r.client.ScanKeys(ctx, fileTokenPrefix+"*", func(key string) (bool, error) {
		var f domain.DownloadedFile
		if err := r.client.GetJSON(ctx, key, &f); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return true, nil
			}
			return false, err
		}
		if f.Expired(now) {
			out = append(out, f)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=file.get_expired: %w", err)
	}
	return out, nil
}

// TokenFromKey strips the token index prefix; used by sweepers that log keys.
func TokenFromKey(key string) string { return strings.TrimPrefix(key, fileTokenPrefix) }
