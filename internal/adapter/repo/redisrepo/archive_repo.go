package redisrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

const archiveKeyPrefix = "archive:"

func archiveKey(jobID string) string { return archiveKeyPrefix + jobID }

// ArchiveRepo is the append-only store of terminal-job snapshots. Entries
// carry no TTL; retention is an external policy.
type ArchiveRepo struct {
	client *Client
}

// NewArchiveRepo constructs an ArchiveRepo.
func NewArchiveRepo(c *Client) *ArchiveRepo { return &ArchiveRepo{client: c} }

// Save writes the snapshot once. A second save for the same job id is a no-op
// so reaper retries never rewrite history.
func (r *ArchiveRepo) Save(ctx context.Context, a domain.JobArchive) error {
	if a.ArchivedAt.IsZero() {
		a.ArchivedAt = time.Now().UTC()
	}
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("op=archive.save job_id=%s: %w", a.JobID, err)
	}
	if err := r.client.Rdb().SetNX(ctx, archiveKey(a.JobID), b, 0).Err(); err != nil {
		return fmt.Errorf("op=archive.save job_id=%s: %w", a.JobID, err)
	}
	return nil
}

// Get loads a snapshot by job id.
func (r *ArchiveRepo) Get(ctx context.Context, jobID string) (domain.JobArchive, error) {
	var a domain.JobArchive
	if err := r.client.GetJSON(ctx, archiveKey(jobID), &a); err != nil {
		return domain.JobArchive{}, fmt.Errorf("op=archive.get: %w", err)
	}
	return a, nil
}
