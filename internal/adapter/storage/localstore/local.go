// Package localstore implements the storage backend on the local filesystem.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

// Backend stores blobs under a single root directory. Writes go to a temp
// file in the destination directory followed by an atomic rename, so readers
// never observe a partial artifact.
type Backend struct {
	root string
}

// New creates the root directory if needed and returns the backend.
func New(root string) (*Backend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("op=localstore.new: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("op=localstore.new: %w", err)
	}
	return &Backend{root: abs}, nil
}

// Root returns the backend's base directory.
func (b *Backend) Root() string { return b.root }

// resolve joins path under the root and rejects traversal outside it.
func (b *Backend) resolve(path string) (string, error) {
	full := filepath.Join(b.root, filepath.Clean("/"+path))
	if full != b.root && !strings.HasPrefix(full, b.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("op=localstore.resolve path=%s: %w", path, domain.ErrInvalidArgument)
	}
	return full, nil
}

// Save streams r into path, creating parent directories.
func (b *Backend) Save(ctx context.Context, path string, r io.Reader) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("op=localstore.save path=%s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("op=localstore.save path=%s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := io.Copy(tmp, readerCtx{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("op=localstore.save path=%s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("op=localstore.save path=%s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("op=localstore.save path=%s: %w", path, err)
	}
	return nil
}

// readerCtx aborts a streaming copy once its context is cancelled.
type readerCtx struct {
	ctx context.Context
	r   io.Reader
}

func (rc readerCtx) Read(p []byte) (int, error) {
	if err := rc.ctx.Err(); err != nil {
		return 0, err
	}
	return rc.r.Read(p)
}

// Get opens path for reading. Absent paths map to domain.ErrNotFound.
func (b *Backend) Get(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("op=localstore.get path=%s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=localstore.get path=%s: %w", path, err)
	}
	return f, nil
}

// Delete removes path; removing an absent path succeeds.
func (b *Backend) Delete(_ context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("op=localstore.delete path=%s: %w", path, err)
	}
	return nil
}

// Exists reports whether path is present.
func (b *Backend) Exists(_ context.Context, path string) (bool, error) {
	full, err := b.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("op=localstore.exists path=%s: %w", path, err)
	}
	return true, nil
}

// Size returns the blob size in bytes.
func (b *Backend) Size(_ context.Context, path string) (int64, error) {
	full, err := b.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("op=localstore.size path=%s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("op=localstore.size path=%s: %w", path, err)
	}
	return info.Size(), nil
}
