package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/observability"
	"github.com/fairyhunter13/media-fetch/internal/usecase"
)

type resolutionsRequest struct {
	URL string `json:"url" validate:"required,max=2048"`
}

type downloadRequest struct {
	URL      string `json:"url" validate:"required,max=2048"`
	FormatID string `json:"format_id" validate:"required,max=64"`
}

// decodeBody parses and validates a JSON request body.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("op=http.decode: %v: %w", err, domain.ErrInvalidArgument)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("op=http.validate: %v: %w", err, domain.ErrInvalidArgument)
	}
	return nil
}

// HandleResolutions answers POST /videos/resolutions: probe a URL for its
// metadata and producible formats.
func (s *Server) HandleResolutions(w http.ResponseWriter, r *http.Request) {
	var req resolutionsRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ip := clientIP(r)
	if err := s.limiter.CheckEndpointLimit(r.Context(), ip, r.URL.Path); err != nil {
		refuse(w, r, err)
		return
	}
	meta, err := s.resolve.Metadata(r.Context(), req.URL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	formats, err := s.resolve.Formats(r.Context(), req.URL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meta":    meta,
		"formats": formats,
	})
}

// HandleCreateDownload answers POST /downloads: validate, rate limit, create
// the job, enqueue its task.
func (s *Server) HandleCreateDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := usecase.ValidateURL(req.URL); err != nil {
		writeError(w, r, err)
		return
	}
	ip := clientIP(r)
	category := categoryForFormat(req.FormatID)
	if err := s.limiter.CheckDownloadLimits(r.Context(), ip, category); err != nil {
		refuse(w, r, err)
		return
	}
	setRateLimitHeaders(w, s.limiter.Snapshot(r.Context(), ip, category))

	job, err := s.jobs.Create(r.Context(), req.URL, req.FormatID, category, observability.RequestIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// jobView is the client-facing job shape.
type jobView struct {
	ID            string           `json:"id"`
	Status        domain.JobStatus `json:"status"`
	Progress      domain.Progress  `json:"progress"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	DownloadURL   string           `json:"download_url,omitempty"`
	ExpireAt      *time.Time       `json:"expire_at,omitempty"`
	Error         string           `json:"error,omitempty"`
	ErrorCategory string           `json:"error_category,omitempty"`
}

// HandleGetJob answers GET /jobs/{id}.
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{
		ID:            job.ID,
		Status:        job.Status,
		Progress:      job.Progress,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		DownloadURL:   job.DownloadURL,
		ExpireAt:      job.ExpireAt,
		Error:         job.ErrorMessage,
		ErrorCategory: job.ErrorCategory,
	})
}

// HandleDeleteJob answers DELETE /jobs/{id}. Non-terminal jobs refuse with
// 409; cancel over the push channel first.
func (s *Server) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetFile answers GET /downloads/file/{token}: stream the artifact if
// the token is live, 410 inside the grace window, 404 beyond it.
func (s *Server) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	file, err := s.files.GetByToken(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sig := r.URL.Query().Get("signature"); sig != "" {
		if !s.signer.Verify(token, sig, file.ExpiresAt) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "invalid signature"})
			return
		}
	}
	blob, err := s.storage.Get(r.Context(), file.Path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusGone, errorBody{Error: "expired"})
			return
		}
		writeError(w, r, err)
		return
	}
	defer func() { _ = blob.Close() }()

	// Sniff the content type from the leading bytes, then replay them.
	head := make([]byte, 3072)
	n, _ := io.ReadFull(blob, head)
	contentType := mimetype.Detect(head[:n]).String()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	if file.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	}
	if _, err := w.Write(head[:n]); err != nil {
		return
	}
	_, _ = io.Copy(w, blob)
}

// HandleHealth answers GET /health with dependency status; any failing
// dependency turns the response into a 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{}
	healthy := true

	if err := s.redis.Ping(ctx); err != nil {
		deps["redis"] = "down: " + err.Error()
		healthy = false
	} else {
		deps["redis"] = "ok"
	}
	if _, err := s.storage.Exists(ctx, ".healthcheck"); err != nil {
		deps["storage"] = "down: " + err.Error()
		healthy = false
	} else {
		deps["storage"] = "ok"
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"deps":   deps,
	})
}

// refuse shapes a rate-limit refusal: headers plus the error envelope.
func refuse(w http.ResponseWriter, r *http.Request, err error) {
	var ce *domain.CategorizedError
	if errors.As(err, &ce) && ce.Category == domain.CategoryRateLimited {
		setRefusalHeaders(w, ce.Limit, ce.ResetAt)
	}
	writeError(w, r, err)
}

// categoryForFormat buckets a format selector into the daily-cap categories.
func categoryForFormat(formatID string) string {
	f := strings.ToLower(formatID)
	if strings.Contains(f, "audio") || f == "140" || f == "139" || f == "251" || f == "m4a" {
		return "audio"
	}
	return "video"
}
