// Package storage selects and constructs the artifact storage backend.
//
// The core never assumes a particular backend: a configured bucket name picks
// the S3 implementation, otherwise artifacts live on the local filesystem.
package storage

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/media-fetch/internal/adapter/storage/localstore"
	"github.com/fairyhunter13/media-fetch/internal/adapter/storage/s3store"
	"github.com/fairyhunter13/media-fetch/internal/config"
	"github.com/fairyhunter13/media-fetch/internal/domain"
)

// Select builds the backend named by configuration.
func Select(ctx context.Context, cfg config.Config) (domain.StorageBackend, error) {
	if cfg.StorageBucket != "" {
		b, err := s3store.New(ctx, cfg.StorageBucket, cfg.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("op=storage.select backend=s3: %w", err)
		}
		return b, nil
	}
	b, err := localstore.New(cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("op=storage.select backend=local: %w", err)
	}
	return b, nil
}
