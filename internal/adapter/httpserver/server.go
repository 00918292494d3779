package httpserver

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/service/ratelimiter"
	"github.com/fairyhunter13/media-fetch/internal/service/signing"
	"github.com/fairyhunter13/media-fetch/internal/usecase"
)

// Pinger is the health probe surface of the Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server bundles the handler dependencies.
type Server struct {
	jobs     *usecase.JobService
	files    *usecase.FileService
	resolve  *usecase.ResolveService
	limiter  *ratelimiter.Manager
	signer   *signing.Signer
	storage  domain.StorageBackend
	redis    Pinger
	validate *validator.Validate
}

// New wires the HTTP server.
func New(jobs *usecase.JobService, files *usecase.FileService, resolve *usecase.ResolveService, limiter *ratelimiter.Manager, signer *signing.Signer, storage domain.StorageBackend, redis Pinger) *Server {
	return &Server{
		jobs:     jobs,
		files:    files,
		resolve:  resolve,
		limiter:  limiter,
		signer:   signer,
		storage:  storage,
		redis:    redis,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}
