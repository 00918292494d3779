// Package httpserver is the HTTP boundary: request parsing, response shaping,
// and the category-to-status mapping. All domain work happens behind it.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/service/ratelimiter"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error         string `json:"error"`
	ErrorCategory string `json:"error_category,omitempty"`
	ResetAt       string `json:"reset_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", slog.Any("error", err))
	}
}

// categoryStatus maps the error taxonomy onto HTTP statuses.
func categoryStatus(cat domain.ErrorCategory) int {
	switch cat {
	case domain.CategoryInvalidURL, domain.CategoryFormatNotFound, domain.CategoryFormatNotSupported:
		return http.StatusBadRequest
	case domain.CategoryVideoUnavailable:
		return http.StatusNotFound
	case domain.CategoryGeoBlocked, domain.CategoryLoginRequired:
		return http.StatusForbidden
	case domain.CategoryFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.CategoryRateLimited, domain.CategoryPlatformRateLimited:
		return http.StatusTooManyRequests
	case domain.CategoryNetworkError, domain.CategoryDownloadFailed, domain.CategoryTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError shapes any error into the envelope. Categorized errors drive the
// status via the taxonomy; sentinels cover repository-level failures.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *domain.CategorizedError
	if errors.As(err, &ce) {
		body := errorBody{Error: ce.Message, ErrorCategory: string(ce.Category)}
		if body.Error == "" {
			body.Error = string(ce.Category)
		}
		if !ce.ResetAt.IsZero() {
			body.ResetAt = ce.ResetAt.UTC().Format(time.RFC3339)
		}
		writeJSON(w, categoryStatus(ce.Category), body)
		return
	}
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request"})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, domain.ErrGone):
		writeJSON(w, http.StatusGone, errorBody{Error: "expired"})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict"})
	case errors.Is(err, domain.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited", ErrorCategory: string(domain.CategoryRateLimited)})
	default:
		slog.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", ErrorCategory: string(domain.CategorySystemError)})
	}
}

// setRateLimitHeaders emits the three X-RateLimit headers from the most
// restrictive applicable status.
func setRateLimitHeaders(w http.ResponseWriter, statuses []domain.RateLimitStatus) {
	st, ok := ratelimiter.MostRestrictive(statuses)
	if !ok {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(st.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(st.Remaining(), 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(st.ResetAt.Unix(), 10))
}

// setRefusalHeaders emits the headers on a 429 refusal.
func setRefusalHeaders(w http.ResponseWriter, limit int64, resetAt time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}
