// Package stub provides a deterministic in-process extractor for development
// and tests: fixed formats, a small generated artifact, scripted progress.
package stub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

// Extractor simulates the external media extractor.
type Extractor struct {
	mu sync.Mutex
	// FailWith, when set, is returned from every call to simulate an
	// extractor outage or a categorizable failure message.
	FailWith error
	// Content is the artifact body written on Download.
	Content []byte
	// FormatList overrides the default format set when non-nil.
	FormatList []domain.MediaFormat
	// ProgressSteps are the percentages emitted during Download.
	ProgressSteps []float64
}

// New returns a stub with sensible defaults.
func New() *Extractor {
	return &Extractor{
		Content:       []byte("stub media payload"),
		ProgressSteps: []float64{25, 50, 95},
	}
}

// SetFailure makes subsequent calls fail with the given error.
func (e *Extractor) SetFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.FailWith = err
}

func (e *Extractor) failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.FailWith
}

// Metadata returns a canned description derived from the URL.
func (e *Extractor) Metadata(_ context.Context, url string) (domain.MediaMetadata, error) {
	if err := e.failure(); err != nil {
		return domain.MediaMetadata{}, err
	}
	return domain.MediaMetadata{
		Title:      "Stub Video " + idFromURL(url),
		Uploader:   "stub-channel",
		Duration:   123,
		WebpageURL: url,
	}, nil
}

// Formats returns the configured or default format set.
func (e *Extractor) Formats(_ context.Context, _ string) ([]domain.MediaFormat, error) {
	if err := e.failure(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FormatList != nil {
		return e.FormatList, nil
	}
	return []domain.MediaFormat{
		{ID: "137+140", Extension: "mp4", Resolution: "1920x1080"},
		{ID: "22", Extension: "mp4", Resolution: "1280x720"},
		{ID: "best", Extension: "mp4", Resolution: "1920x1080"},
		{ID: "140", Extension: "m4a", AudioOnly: true},
	}, nil
}

// Download writes the stub artifact into destDir, emitting scripted progress.
func (e *Extractor) Download(ctx context.Context, url, formatID, destDir string, fn domain.DownloadProgressFunc) (string, error) {
	if err := e.failure(); err != nil {
		return "", err
	}
	for _, pct := range e.ProgressSteps {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		if fn != nil {
			fn(pct, "1.2MiB/s", 10)
		}
	}
	name := fmt.Sprintf("%s-%s.mp4", idFromURL(url), strings.ReplaceAll(formatID, "+", "_"))
	path := filepath.Join(destDir, name)
	if err := os.WriteFile(path, e.Content, 0o644); err != nil {
		return "", fmt.Errorf("op=stub.download: %w", err)
	}
	return path, nil
}

func idFromURL(url string) string {
	if i := strings.LastIndexByte(url, '/'); i >= 0 && i+1 < len(url) {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			}
			return '-'
		}, url[i+1:])
	}
	return "media"
}
