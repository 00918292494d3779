// Command server runs the media-fetch service: the HTTP/WS API, the download
// worker pool, and the reaper, all in one process. The progress fan-out is
// in-process state, so the workers that publish and the sockets that consume
// must share an address space.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/media-fetch/internal/adapter/extractor/stub"
	"github.com/fairyhunter13/media-fetch/internal/adapter/extractor/ytdlp"
	"github.com/fairyhunter13/media-fetch/internal/adapter/httpserver"
	"github.com/fairyhunter13/media-fetch/internal/adapter/queue/asynqq"
	"github.com/fairyhunter13/media-fetch/internal/adapter/repo/redisrepo"
	"github.com/fairyhunter13/media-fetch/internal/adapter/storage"
	"github.com/fairyhunter13/media-fetch/internal/adapter/wsgateway"
	"github.com/fairyhunter13/media-fetch/internal/app"
	"github.com/fairyhunter13/media-fetch/internal/config"
	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/observability"
	"github.com/fairyhunter13/media-fetch/internal/service/ratelimiter"
	"github.com/fairyhunter13/media-fetch/internal/service/signing"
	"github.com/fairyhunter13/media-fetch/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := redisrepo.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	backend, err := storage.Select(ctx, cfg)
	if err != nil {
		return err
	}

	var extractor domain.Extractor
	if cfg.ExtractorBin == "stub" {
		extractor = stub.New()
	} else {
		extractor = ytdlp.New(cfg.ExtractorBin)
	}

	jobRepo := redisrepo.NewJobRepo(client, cfg.JobTTL())
	fileRepo := redisrepo.NewFileRepo(client)
	archiveRepo := redisrepo.NewArchiveRepo(client)
	rateRepo := redisrepo.NewRateLimitRepo(client)
	cache := redisrepo.NewMetadataCache(client, cfg.ExtractorCacheTTL)

	queue, err := asynqq.NewQueue(cfg.RedisURL, cfg.WorkerHardTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	hub := wsgateway.NewHub()
	jobSvc := usecase.NewJobService(jobRepo, fileRepo, archiveRepo, backend, queue, hub)
	fileSvc := usecase.NewFileService(fileRepo, backend, cfg.FileTTL())
	resolveSvc := usecase.NewResolveService(extractor, cache)
	signer := signing.New(cfg.SigningSecret, cfg.SignedURLBase())
	limiter := ratelimiter.New(rateRepo, ratelimiter.Options{
		Enabled:      cfg.RateLimitActive(),
		PerMinute:    cfg.RateLimitPerMin,
		DailyTotal:   cfg.RateLimitDailyTotal,
		CategoryCaps: cfg.DailyCategoryCaps(),
		EndpointCaps: cfg.EndpointLimits(),
		Whitelist:    cfg.RateLimitWhitelist,
	})

	orchestrator := usecase.NewOrchestrator(jobSvc, fileSvc, resolveSvc, extractor, backend, signer, usecase.OrchestratorOptions{
		WorkDir:  cfg.DownloadDir,
		MaxBytes: cfg.MaxFileSizeMB * 1024 * 1024,
	})
	worker, err := asynqq.NewWorker(cfg.RedisURL, orchestrator, jobSvc, asynqq.WorkerOptions{
		Concurrency: cfg.WorkerConcurrency,
		SoftTimeout: cfg.WorkerSoftTimeout,
	})
	if err != nil {
		return err
	}
	if err := worker.Start(); err != nil {
		return err
	}
	defer worker.Stop()

	reaper := app.NewReaper(client, jobSvc, fileSvc, app.ReaperOptions{
		Interval:    cfg.ReaperInterval,
		JobTTL:      cfg.JobTTL(),
		HardTimeout: cfg.WorkerHardTimeout,
		OrphanAge:   cfg.OrphanMaxAge,
		WorkDir:     cfg.DownloadDir,
	})
	go reaper.Run(ctx)

	gateway := wsgateway.NewGateway(hub, jobSvc, cfg.IsDev() || cfg.CORSAllowOrigins == "*")
	srv := httpserver.New(jobSvc, fileSvc, resolveSvc, limiter, signer, backend, client)
	router := app.BuildRouter(cfg, srv, gateway)

	httpSrv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		ReadTimeout: cfg.HTTPReadTimeout,
		// WriteTimeout stays unset: artifact streaming and WebSocket sessions
		// outlive any sane fixed value. Short routes get a per-route timeout
		// in the router.
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down", slog.Duration("timeout", cfg.ServerShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
