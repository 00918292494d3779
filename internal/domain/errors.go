package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	// ErrGone marks a file whose metadata is still addressable inside the
	// grace window but whose artifact has expired.
	ErrGone        = errors.New("gone")
	ErrConflict    = errors.New("conflict")
	ErrRateLimited = errors.New("rate limited")
	ErrInternal    = errors.New("internal error")
)

// ErrorCategory identifies one user-facing failure class. Clients branch on
// the category, never on the underlying message.
type ErrorCategory string

const (
	CategoryInvalidURL          ErrorCategory = "invalid-url"
	CategoryVideoUnavailable    ErrorCategory = "video-unavailable"
	CategoryGeoBlocked          ErrorCategory = "geo-blocked"
	CategoryLoginRequired       ErrorCategory = "login-required"
	CategoryFormatNotSupported  ErrorCategory = "format-not-supported"
	CategoryFormatNotFound      ErrorCategory = "format-not-found"
	CategoryFileTooLarge        ErrorCategory = "file-too-large"
	CategoryNetworkError        ErrorCategory = "network-error"
	CategoryPlatformRateLimited ErrorCategory = "platform-rate-limited"
	CategoryRateLimited         ErrorCategory = "rate-limited"
	CategoryDownloadFailed      ErrorCategory = "download-failed"
	CategoryTimeout             ErrorCategory = "timeout"
	CategoryCancelled           ErrorCategory = "cancelled"
	CategorySystemError         ErrorCategory = "system-error"
)

// Retryable reports whether a failed task in this category is worth one more
// delivery attempt.
func (c ErrorCategory) Retryable() bool {
	return c == CategoryNetworkError || c == CategoryPlatformRateLimited
}

// CategorizedError tags a failure with one taxonomy identifier. Cause is
// preserved for logging only; callers must branch on Category.
type CategorizedError struct {
	Category ErrorCategory
	Message  string
	Cause    error
	// ResetAt and Limit are populated for rate-limited failures so the
	// boundary can emit the refusal headers.
	ResetAt time.Time
	Limit   int64
}

func (e *CategorizedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Category, e.Message)
	}
	return string(e.Category)
}

func (e *CategorizedError) Unwrap() error { return e.Cause }

// NewCategorizedError builds a tagged failure.
func NewCategorizedError(cat ErrorCategory, msg string, cause error) *CategorizedError {
	return &CategorizedError{Category: cat, Message: msg, Cause: cause}
}

// CategoryOf extracts the category from err, defaulting to system-error.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategorySystemError
}

// extractor failure patterns, checked in order against the lowercased message.
var extractorPatterns = []struct {
	needle   string
	category ErrorCategory
}{
	{"video unavailable", CategoryVideoUnavailable},
	{"private video", CategoryVideoUnavailable},
	{"has been removed", CategoryVideoUnavailable},
	{"not available in your country", CategoryGeoBlocked},
	{"geo restricted", CategoryGeoBlocked},
	{"geo-restricted", CategoryGeoBlocked},
	{"sign in to confirm", CategoryLoginRequired},
	{"login required", CategoryLoginRequired},
	{"requested format is not available", CategoryFormatNotFound},
	{"format is not available", CategoryFormatNotSupported},
	{"http error 429", CategoryPlatformRateLimited},
	{"too many requests", CategoryPlatformRateLimited},
	{"rate-limit", CategoryPlatformRateLimited},
	{"timed out", CategoryNetworkError},
	{"timeout", CategoryNetworkError},
	{"connection reset", CategoryNetworkError},
	{"connection refused", CategoryNetworkError},
	{"network is unreachable", CategoryNetworkError},
	{"temporary failure in name resolution", CategoryNetworkError},
	{"unsupported url", CategoryInvalidURL},
	{"is not a valid url", CategoryInvalidURL},
}

// ClassifyExtractorError maps an extractor failure message onto the taxonomy.
// Unrecognized messages fall through to download-failed.
func ClassifyExtractorError(err error) *CategorizedError {
	if err == nil {
		return nil
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce
	}
	msg := strings.ToLower(err.Error())
	for _, p := range extractorPatterns {
		if strings.Contains(msg, p.needle) {
			return &CategorizedError{Category: p.category, Message: err.Error(), Cause: err}
		}
	}
	return &CategorizedError{Category: CategoryDownloadFailed, Message: err.Error(), Cause: err}
}
