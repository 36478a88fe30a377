package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/joseph-ayodele/image-batch/internal/core"
	coreasync "github.com/joseph-ayodele/image-batch/internal/core/async"
	"github.com/joseph-ayodele/image-batch/internal/export"
	"github.com/joseph-ayodele/image-batch/internal/imaging"
	"github.com/joseph-ayodele/image-batch/internal/ingest"
	"github.com/joseph-ayodele/image-batch/internal/notify"
	"github.com/joseph-ayodele/image-batch/internal/observability"
	repo "github.com/joseph-ayodele/image-batch/internal/repository"
	"github.com/joseph-ayodele/image-batch/internal/server"
	"github.com/joseph-ayodele/image-batch/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("imagebatchd exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("imagebatchd stopped")
}

func run(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	client, err := repo.Open(ctx, repo.Config{
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer client.Close(logger)

	if err := client.HealthCheck(ctx, cfg.Database.DialTimeout, logger); err != nil {
		return fmt.Errorf("database health: %w", err)
	}
	if err := client.Migrate(ctx, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Bind before anything is started so a taken port leaves nothing running.
	var grpcLis net.Listener
	if cfg.Server.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		defer func() { _ = grpcLis.Close() }()
	}

	metrics := observability.NewMetrics()
	base := cfg.Server.PublicBaseURL

	processed, err := storage.NewLocalStore(cfg.Storage.ProcessedDir, base+"/processed", logger)
	if err != nil {
		return fmt.Errorf("processed store: %w", err)
	}
	output, err := storage.NewLocalStore(cfg.Storage.OutputDir, "", logger)
	if err != nil {
		return fmt.Errorf("output store: %w", err)
	}

	jobs := repo.NewJobRepository(client, logger)
	items := repo.NewItemRepository(client, logger)
	uploads := ingest.NewFSIngestor(cfg.Storage.UploadDir, cfg.Server.MaxUploadBytes, logger)
	writer := export.NewService(output, logger)

	processor := imaging.NewProcessor(
		imaging.NewHTTPFetcher(cfg.Processing.FetchTimeout, cfg.Processing.MaxImageBytes),
		imaging.NewJPEGCodec(constants.OutputQuality),
		processed,
		logger,
		imaging.WithMetrics(metrics),
	)
	notifier := notify.NewSender(cfg.Notify.Timeout, cfg.Notify.Source, cfg.Notify.SigningKey, logger)

	artifactURL := func(jobID string) string { return base + core.DownloadPath(jobID) }
	runner := core.NewRunner(jobs, items, uploads, processor, writer, notifier, logger,
		core.WithItemConcurrency(cfg.Processing.ItemConcurrency),
		core.WithRunMetrics(metrics),
		core.WithArtifactURL(artifactURL),
	)
	queue := coreasync.NewProcessorQueue(runner, logger,
		coreasync.WithWorkers(cfg.Processing.JobWorkers),
		coreasync.WithQueueSize(cfg.Processing.QueueSize),
		coreasync.WithProcessTimeout(cfg.Processing.JobTimeout),
		coreasync.WithDepthReporter(metrics.SetQueueDepth),
	)
	svc := core.NewService(jobs, items, uploads, queue, writer, logger,
		core.WithStatusArtifactURL(artifactURL))

	if _, err := svc.Resume(ctx); err != nil {
		return fmt.Errorf("resume jobs: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.Server.UploadRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.UploadRateLimit), max(cfg.Server.UploadBurst, 1))
	}
	httpSrv := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: server.NewRouter(server.RouterConfig{
			Service: svc,
			Metrics: metrics,
			Ready: func(ctx context.Context) error {
				return client.HealthCheck(ctx, time.Second, logger)
			},
			ProcessedDir:   cfg.Storage.ProcessedDir,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			UploadLimiter:  limiter,
			CORSOrigin:     cfg.Server.CORSOrigin,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	grpcSrv, health := server.NewGRPCServer(svc, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http serving", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("metrics serving", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
	}
	if grpcLis != nil {
		g.Go(func() error {
			logger.Info("grpc serving", "addr", grpcLis.Addr().String())
			return grpcSrv.Serve(grpcLis)
		})
	}
	if cfg.Processing.InboxDir != "" {
		g.Go(func() error {
			return watchInbox(gctx, cfg.Processing.InboxDir, svc, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown", "err", err)
			}
		}
		grpcSrv.GracefulStop()
		// Jobs not reached before the deadline stay pending for the next Resume.
		queue.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// watchInbox submits tables dropped into dir. Submitted files are renamed so a
// restart does not pick them up again.
func watchInbox(ctx context.Context, dir string, svc *core.Service, logger *slog.Logger) error {
	paths, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
		Roots:       []string{dir},
		InitialScan: true,
		Debounce:    500 * time.Millisecond,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}
	logger.Info("watching inbox", "dir", dir)

	for {
		select {
		case p, ok := <-paths:
			if !ok {
				return nil
			}
			submitInboxFile(ctx, p, svc, logger)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("inbox.watch.error", "err", err)
		}
	}
}

func submitInboxFile(ctx context.Context, path string, svc *core.Service, logger *slog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		logger.Warn("inbox.open.failed", "path", path, "err", err)
		return
	}
	id, err := svc.Submit(ctx, core.Upload{Name: filepath.Base(path), Body: f})
	_ = f.Close()
	if err != nil {
		logger.Error("inbox.submit.failed", "path", path, "err", err)
		return
	}
	if err := os.Rename(path, path+".submitted"); err != nil {
		logger.Warn("inbox.rename.failed", "path", path, "err", err)
	}
	logger.Info("inbox.submitted", "path", path, "job_id", id)
}
