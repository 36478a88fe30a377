package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/joseph-ayodele/image-batch/internal/core"
	coreasync "github.com/joseph-ayodele/image-batch/internal/core/async"
	"github.com/joseph-ayodele/image-batch/internal/export"
	"github.com/joseph-ayodele/image-batch/internal/imaging"
	"github.com/joseph-ayodele/image-batch/internal/ingest"
	"github.com/joseph-ayodele/image-batch/internal/notify"
	repo "github.com/joseph-ayodele/image-batch/internal/repository"
	"github.com/joseph-ayodele/image-batch/internal/storage"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

type jobResult struct {
	source string
	jobID  string
}

func main() {
	var (
		inmem       = flag.Bool("inmem", false, "use in-memory SQLite database")
		dir         = flag.String("dir", "", "directory of csv/xlsx tables to process (required)")
		out         = flag.String("out", "", "output directory (optional, defaults to <dir>/output)")
		xlsx        = flag.Bool("xlsx", false, "also write an XLSX copy of each output table")
		workers     = flag.Int("workers", 1, "tables processed at once")
		concurrency = flag.Int("concurrency", 1, "items of a table processed at once")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}
	if *out == "" {
		*out = filepath.Join(*dir, "output")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx := context.Background()
	cfg := common.LoadConfig()

	dsn := cfg.Database.DSN
	if *inmem {
		dsn = ":memory:"
	}
	client, err := repo.Open(ctx, repo.Config{DSN: dsn, DialTimeout: cfg.Database.DialTimeout}, logger)
	if err != nil {
		logger.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer client.Close(logger)
	if err := client.Migrate(ctx, logger); err != nil {
		logger.Error("failed to migrate database", "err", err)
		os.Exit(1)
	}

	absOut, err := filepath.Abs(*out)
	if err != nil {
		logger.Error("failed to resolve output directory", "err", err)
		os.Exit(1)
	}
	processedDir := filepath.Join(absOut, "processed")
	processed, err := storage.NewLocalStore(processedDir, "file://"+filepath.ToSlash(processedDir), logger)
	if err != nil {
		logger.Error("failed to create processed store", "err", err)
		os.Exit(1)
	}
	artifacts, err := storage.NewLocalStore(filepath.Join(absOut, "artifacts"), "", logger)
	if err != nil {
		logger.Error("failed to create artifact store", "err", err)
		os.Exit(1)
	}

	jobs := repo.NewJobRepository(client, logger)
	items := repo.NewItemRepository(client, logger)
	uploads := ingest.NewFSIngestor(filepath.Join(absOut, "uploads"), cfg.Server.MaxUploadBytes, logger)
	writer := export.NewService(artifacts, logger)
	processor := imaging.NewProcessor(
		imaging.NewHTTPFetcher(cfg.Processing.FetchTimeout, cfg.Processing.MaxImageBytes),
		imaging.NewJPEGCodec(constants.OutputQuality),
		processed,
		logger,
	)
	notifier := notify.NewSender(cfg.Notify.Timeout, cfg.Notify.Source, cfg.Notify.SigningKey, logger)

	runner := core.NewRunner(jobs, items, uploads, processor, writer, notifier, logger,
		core.WithItemConcurrency(*concurrency))
	queue := coreasync.NewProcessorQueue(runner, logger,
		coreasync.WithWorkers(*workers),
		coreasync.WithProcessTimeout(cfg.Processing.JobTimeout),
	)
	svc := core.NewService(jobs, items, uploads, queue, writer, logger)

	absDir, err := filepath.Abs(*dir)
	if err != nil {
		logger.Error("failed to resolve input directory", "err", err)
		os.Exit(1)
	}
	tables, stats, err := ingest.ScanDirectory(absDir, true)
	if err != nil {
		logger.Error("failed to scan directory", "dir", *dir, "err", err)
		os.Exit(1)
	}
	logger.Info("scan complete", "scanned", stats.Scanned, "matched", stats.Matched, "failed", stats.Failed)

	var results []jobResult
	for _, path := range tables {
		if strings.HasPrefix(path, absOut+string(filepath.Separator)) {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			logger.Error("failed to open table", "path", path, "err", err)
			continue
		}
		id, err := svc.Submit(ctx, core.Upload{Name: filepath.Base(path), Body: f})
		_ = f.Close()
		if err != nil {
			logger.Error("failed to submit table", "path", path, "err", err)
			continue
		}
		results = append(results, jobResult{source: path, jobID: id})
	}

	// Shutdown waits for every queued job.
	queue.Shutdown(ctx)

	completed, failed := 0, 0
	for i := range results {
		r := &results[i]
		st, err := svc.GetStatus(ctx, r.jobID)
		if err != nil {
			logger.Error("failed to load job status", "job_id", r.jobID, "err", err)
			failed++
			continue
		}
		if st.Status != string(constants.JobStatusCompleted) {
			logger.Warn("table failed", "source", r.source, "job_id", r.jobID, "reason", st.Error)
			failed++
			continue
		}
		if err := writeOutputs(ctx, svc, absOut, r, *xlsx); err != nil {
			logger.Error("failed to write output", "source", r.source, "err", err)
			failed++
			continue
		}
		completed++
	}

	fmt.Printf("Batch processing complete!\n")
	fmt.Printf("- Tables found: %d\n", len(tables))
	fmt.Printf("- Tables completed: %d\n", completed)
	fmt.Printf("- Failures: %d\n", failed)
	fmt.Printf("- Output: %s\n", absOut)
	if failed > 0 {
		os.Exit(1)
	}
}

func writeOutputs(ctx context.Context, svc *core.Service, outDir string, r *jobResult, withXLSX bool) error {
	base := strings.TrimSuffix(filepath.Base(r.source), filepath.Ext(r.source))

	data, err := svc.GetArtifact(ctx, r.jobID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, base+"-output.csv"), data, 0o644); err != nil {
		return err
	}
	if !withXLSX {
		return nil
	}
	data, err = svc.GetArtifactXLSX(ctx, r.jobID)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, base+"-output.xlsx"), data, 0o644)
}
