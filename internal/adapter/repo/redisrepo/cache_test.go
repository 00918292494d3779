package redisrepo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

func TestMetadataCacheMissThenHit(t *testing.T) {
	c, mr := newTestClient(t)
	cache := NewMetadataCache(c, time.Minute)
	ctx := context.Background()
	url := "https://example.com/watch?v=abc"

	_, ok, err := cache.GetMetadata(ctx, url)
	require.NoError(t, err)
	assert.False(t, ok)

	meta := domain.MediaMetadata{Title: "clip", Duration: 42}
	require.NoError(t, cache.SetMetadata(ctx, url, meta))

	got, ok, err := cache.GetMetadata(ctx, url)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta, got)

	// Entries evaporate with their TTL.
	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.GetMetadata(ctx, url)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFormatsCacheRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	cache := NewMetadataCache(c, time.Minute)
	ctx := context.Background()
	url := "https://example.com/watch?v=abc"

	_, ok, err := cache.GetFormats(ctx, url)
	require.NoError(t, err)
	assert.False(t, ok)

	fs := []domain.MediaFormat{{ID: "22", Extension: "mp4", Resolution: "1280x720"}}
	require.NoError(t, cache.SetFormats(ctx, url, fs))

	got, ok, err := cache.GetFormats(ctx, url)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fs, got)
}
