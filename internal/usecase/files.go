package usecase

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/observability"
)

// FileService owns artifact metadata: registration, token lookup with expiry
// semantics, deletion, and expiry sweeps.
type FileService struct {
	files   domain.FileRepository
	storage domain.StorageBackend
	ttl     time.Duration
}

// NewFileService wires the file service. ttl is the artifact lifetime from
// registration.
func NewFileService(files domain.FileRepository, storage domain.StorageBackend, ttl time.Duration) *FileService {
	return &FileService{files: files, storage: storage, ttl: ttl}
}

// NewFileToken returns a 32-byte URL-safe random token.
func NewFileToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("op=files.token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Register records a stored artifact and returns its metadata.
func (s *FileService) Register(ctx context.Context, jobID, path, filename string, size int64) (domain.DownloadedFile, error) {
	token, err := NewFileToken()
	if err != nil {
		return domain.DownloadedFile{}, err
	}
	now := time.Now().UTC()
	f := domain.DownloadedFile{
		Path:      path,
		Token:     token,
		JobID:     jobID,
		Filename:  filename,
		Size:      size,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.files.Save(ctx, f); err != nil {
		return domain.DownloadedFile{}, fmt.Errorf("op=files.register job=%s: %w", jobID, err)
	}
	return f, nil
}

// GetByToken resolves a token for serving. Tokens whose artifact has expired
// return ErrGone while the record is still addressable in its grace window;
// the expired record is reclaimed opportunistically on the way out.
func (s *FileService) GetByToken(ctx context.Context, token string) (domain.DownloadedFile, error) {
	f, err := s.files.GetByToken(ctx, token)
	if err != nil {
		return domain.DownloadedFile{}, err
	}
	if f.Expired(time.Now()) {
		go s.reclaim(f)
		return domain.DownloadedFile{}, fmt.Errorf("op=files.get token expired: %w", domain.ErrGone)
	}
	return f, nil
}

// GetByJobID resolves a job's artifact metadata without expiry side effects.
func (s *FileService) GetByJobID(ctx context.Context, jobID string) (domain.DownloadedFile, error) {
	return s.files.GetByJobID(ctx, jobID)
}

// Delete removes the file record and, when deletePhysical is set, its blob.
func (s *FileService) Delete(ctx context.Context, token string, deletePhysical bool) error {
	f, err := s.files.GetByToken(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if deletePhysical {
		if err := s.storage.Delete(ctx, f.Path); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=files.delete blob path=%s: %w", f.Path, err)
		}
	}
	return s.files.Delete(ctx, token)
}

// reclaim deletes an expired file's blob and record on a short background
// deadline, detached from the request that observed the expiry.
func (s *FileService) reclaim(f domain.DownloadedFile) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.storage.Delete(ctx, f.Path); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("expired file reclaim: blob delete failed", slog.String("path", f.Path), slog.Any("error", err))
	}
	if err := s.files.Delete(ctx, f.Token); err != nil {
		slog.Warn("expired file reclaim: record delete failed", slog.String("job_id", f.JobID), slog.Any("error", err))
	}
}

// CleanupExpired removes all expired files and their blobs. Per-file failures
// are logged and skipped.
func (s *FileService) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := s.files.GetExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=files.cleanup scan: %w", err)
	}
	removed := 0
	for _, f := range expired {
		if err := s.storage.Delete(ctx, f.Path); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("file cleanup: blob delete failed", slog.String("path", f.Path), slog.Any("error", err))
			observability.ReaperErrorsTotal.Inc()
			continue
		}
		if err := s.files.Delete(ctx, f.Token); err != nil {
			slog.Warn("file cleanup: record delete failed", slog.String("job_id", f.JobID), slog.Any("error", err))
			observability.ReaperErrorsTotal.Inc()
			continue
		}
		removed++
	}
	return removed, nil
}
