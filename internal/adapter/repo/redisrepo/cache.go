package redisrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

// MetadataCache keeps extractor output warm for a short window so repeated
// resolution requests for the same URL skip the external binary.
type MetadataCache struct {
	client *Client
	ttl    time.Duration
}

// NewMetadataCache constructs a cache with the given entry TTL.
func NewMetadataCache(c *Client, ttl time.Duration) *MetadataCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MetadataCache{client: c, ttl: ttl}
}

func urlHash(url string) string {
	h := sha256.Sum256([]byte(url))
	return hex.EncodeToString(h[:])
}

func metadataCacheKey(url string) string { return "video:metadata:" + urlHash(url) }
func formatsCacheKey(url string) string  { return "video:formats:" + urlHash(url) }

// GetMetadata returns the cached metadata and whether it was present. Cache
// read failures are reported as misses with the error attached for logging.
func (c *MetadataCache) GetMetadata(ctx context.Context, url string) (domain.MediaMetadata, bool, error) {
	var m domain.MediaMetadata
	err := c.client.GetJSON(ctx, metadataCacheKey(url), &m)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.MediaMetadata{}, false, nil
	}
	if err != nil {
		return domain.MediaMetadata{}, false, err
	}
	return m, true, nil
}

// SetMetadata stores metadata with the cache TTL.
func (c *MetadataCache) SetMetadata(ctx context.Context, url string, m domain.MediaMetadata) error {
	return c.client.SetJSON(ctx, metadataCacheKey(url), m, c.ttl)
}

// GetFormats returns the cached format list and whether it was present.
func (c *MetadataCache) GetFormats(ctx context.Context, url string) ([]domain.MediaFormat, bool, error) {
	var fs []domain.MediaFormat
	err := c.client.GetJSON(ctx, formatsCacheKey(url), &fs)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return fs, true, nil
}

// SetFormats stores the format list with the cache TTL.
func (c *MetadataCache) SetFormats(ctx context.Context, url string, fs []domain.MediaFormat) error {
	return c.client.SetJSON(ctx, formatsCacheKey(url), fs, c.ttl)
}
