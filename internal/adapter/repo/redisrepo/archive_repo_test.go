package redisrepo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

func TestArchiveWriteOnce(t *testing.T) {
	c, _ := newTestClient(t)
	repo := NewArchiveRepo(c)
	ctx := context.Background()

	first := domain.JobArchive{
		JobID:       "j1",
		URL:         "https://example.com/v",
		FinalStatus: domain.JobCompleted,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, repo.Save(ctx, first))

	// A retry with different data must not rewrite history.
	second := first
	second.FinalStatus = domain.JobFailed
	require.NoError(t, repo.Save(ctx, second))

	got, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.FinalStatus)
	assert.False(t, got.ArchivedAt.IsZero())

	_, err = repo.Get(ctx, "absent")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
