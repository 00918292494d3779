package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

// ResolveService answers metadata and format queries, fronted by a cache so
// repeated probes of the same URL do not hammer the extractor.
type ResolveService struct {
	extractor domain.Extractor
	cache     domain.MetadataCache
}

// NewResolveService wires the resolve service. cache may be nil.
func NewResolveService(extractor domain.Extractor, cache domain.MetadataCache) *ResolveService {
	return &ResolveService{extractor: extractor, cache: cache}
}

// ValidateURL checks that raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return domain.NewCategorizedError(domain.CategoryInvalidURL, "malformed URL", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.NewCategorizedError(domain.CategoryInvalidURL, "URL must be absolute http or https", domain.ErrInvalidArgument)
	}
	return nil
}

// Metadata returns the source description, from cache when possible.
func (s *ResolveService) Metadata(ctx context.Context, rawURL string) (domain.MediaMetadata, error) {
	if err := ValidateURL(rawURL); err != nil {
		return domain.MediaMetadata{}, err
	}
	if s.cache != nil {
		if m, ok, err := s.cache.GetMetadata(ctx, rawURL); err == nil && ok {
			return m, nil
		}
	}
	m, err := s.extractor.Metadata(ctx, rawURL)
	if err != nil {
		return domain.MediaMetadata{}, domain.ClassifyExtractorError(err)
	}
	if s.cache != nil {
		if err := s.cache.SetMetadata(ctx, rawURL, m); err != nil {
			slog.Debug("metadata cache write failed", slog.Any("error", err))
		}
	}
	return m, nil
}

// Formats returns the producible encodings, from cache when possible.
func (s *ResolveService) Formats(ctx context.Context, rawURL string) ([]domain.MediaFormat, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if fs, ok, err := s.cache.GetFormats(ctx, rawURL); err == nil && ok {
			return fs, nil
		}
	}
	fs, err := s.extractor.Formats(ctx, rawURL)
	if err != nil {
		return nil, domain.ClassifyExtractorError(err)
	}
	if s.cache != nil {
		if err := s.cache.SetFormats(ctx, rawURL, fs); err != nil {
			slog.Debug("formats cache write failed", slog.Any("error", err))
		}
	}
	return fs, nil
}

// ResolveFormat checks that formatID is producible for the URL. Combined
// selectors like "137+140" and selector keywords pass through unchecked since
// the extractor resolves them itself.
func (s *ResolveService) ResolveFormat(ctx context.Context, rawURL, formatID string) (domain.MediaFormat, error) {
	if formatID == "" || formatID == "best" || formatID == "bestaudio" || strings.ContainsAny(formatID, "+/") {
		return domain.MediaFormat{ID: formatID}, nil
	}
	formats, err := s.Formats(ctx, rawURL)
	if err != nil {
		return domain.MediaFormat{}, err
	}
	for _, f := range formats {
		if f.ID == formatID {
			return f, nil
		}
	}
	return domain.MediaFormat{}, domain.NewCategorizedError(domain.CategoryFormatNotFound,
		fmt.Sprintf("format %q is not available for this URL", formatID), domain.ErrNotFound)
}
