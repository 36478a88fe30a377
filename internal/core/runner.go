package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/joseph-ayodele/image-batch/internal/entity"
	"github.com/joseph-ayodele/image-batch/internal/ingest"
	"github.com/joseph-ayodele/image-batch/internal/notify"
	"github.com/joseph-ayodele/image-batch/internal/repository"
)

// ItemProcessor produces one output locator per input locator of an item.
type ItemProcessor interface {
	Process(ctx context.Context, item *entity.Item) []string
}

// ArtifactWriter persists a job's result table and returns its reference.
type ArtifactWriter interface {
	WriteArtifact(ctx context.Context, job *entity.Job, items []*entity.Item) (string, error)
}

// RunMetrics receives job and item level observations.
type RunMetrics interface {
	JobStarted()
	JobFinished(status string, d time.Duration)
	ItemFinished(status string)
	ObserveCallback(ok bool)
}

// Observer is called with every lifecycle event, in order, from one goroutine
// per job.
type Observer func(entity.Event)

// Runner drives one job from its stored upload to a terminal status.
type Runner struct {
	jobs      repository.JobRepository
	items     repository.ItemRepository
	uploads   ingest.Ingestor
	processor ItemProcessor
	writer    ArtifactWriter
	notifier  notify.Notifier
	logger    *slog.Logger

	metrics         RunMetrics
	observers       []Observer
	itemConcurrency int
	artifactURL     func(jobID string) string
	now             func() time.Time

	publishMu sync.Mutex
}

type RunnerOption func(*Runner)

// WithItemConcurrency processes up to n items of a job at once. Default 1.
func WithItemConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.itemConcurrency = n
		}
	}
}

func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

func WithRunMetrics(m RunMetrics) RunnerOption {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithArtifactURL sets how the artifact link in callbacks is built.
func WithArtifactURL(fn func(jobID string) string) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.artifactURL = fn
		}
	}
}

func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRunner(
	jobs repository.JobRepository,
	items repository.ItemRepository,
	uploads ingest.Ingestor,
	processor ItemProcessor,
	writer ArtifactWriter,
	notifier notify.Notifier,
	logger *slog.Logger,
	opts ...RunnerOption,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		jobs:            jobs,
		items:           items,
		uploads:         uploads,
		processor:       processor,
		writer:          writer,
		notifier:        notifier,
		logger:          logger,
		itemConcurrency: 1,
		artifactURL:     DownloadPath,
		now:             time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DownloadPath is the relative artifact link used when no public base URL is set.
func DownloadPath(jobID string) string {
	return "/api/download/" + jobID
}

// Run executes the job. Validation failures and orchestration failures leave
// the job failed and are returned; item-level failures never are.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	ctx = common.WithJobID(ctx, jobID)
	logger := common.LoggerFromContext(ctx, r.logger)
	start := r.now()

	job, err := r.jobs.FindByID(ctx, jobID)
	if err != nil {
		logger.Error("runner.load.failed", "err", err)
		return common.Orchestration("load job", err)
	}
	switch job.Status {
	case constants.JobStatusPending:
	case constants.JobStatusCompleted, constants.JobStatusFailed:
		logger.Info("runner.skip.terminal", "status", job.Status)
		return nil
	default:
		return common.Orchestration("start job", fmt.Errorf("job is already %s", job.Status))
	}

	if r.metrics != nil {
		r.metrics.JobStarted()
	}
	status, err := r.run(ctx, logger, job)
	if r.metrics != nil {
		r.metrics.JobFinished(string(status), r.now().Sub(start))
	}
	return err
}

func (r *Runner) run(ctx context.Context, logger *slog.Logger, job *entity.Job) (constants.JobStatus, error) {
	// Validating
	rows, err := r.parseUpload(ctx, job)
	if err != nil {
		if errors.Is(err, common.ErrSchema) || errors.Is(err, common.ErrFormat) {
			logger.Warn("runner.validate.failed", "err", err)
			r.failJob(ctx, logger, job.ID, err.Error())
			return constants.JobStatusFailed, err
		}
		return r.abort(ctx, logger, job.ID, common.Orchestration("open upload", err))
	}

	// Validating -> Processing
	now := r.now().UTC()
	if err := job.Start(len(rows), now); err != nil {
		return r.abort(ctx, logger, job.ID, common.Orchestration("start job", err))
	}
	if err := r.jobs.Save(ctx, job); err != nil {
		return r.abort(ctx, logger, job.ID, common.Orchestration("save job", err))
	}
	items := itemsFromRows(job.ID, rows, now)
	if err := r.items.CreateBatch(ctx, items); err != nil {
		return r.abort(ctx, logger, job.ID, common.Orchestration("create items", err))
	}
	logger.Info("runner.job.started", "total_items", job.TotalItems, "item_concurrency", r.itemConcurrency)
	r.publish(entity.Event{Type: entity.EventStarted, JobID: job.ID, Status: job.Status, Total: job.TotalItems, At: now})

	// Processing
	if err := r.processAll(ctx, logger, job.ID, items); err != nil {
		return r.abort(ctx, logger, job.ID, err)
	}

	// Processing -> Completed
	jobID := job.ID
	job, err = r.jobs.FindByID(ctx, jobID)
	if err != nil {
		return r.abort(ctx, logger, jobID, common.Orchestration("reload job", err))
	}
	ref, err := r.writer.WriteArtifact(ctx, job, items)
	if err != nil {
		return r.abort(ctx, logger, job.ID, common.Orchestration("write artifact", err))
	}
	done := r.now().UTC()
	if err := job.Complete(ref, done); err != nil {
		return r.abort(ctx, logger, job.ID, common.Orchestration("complete job", err))
	}
	if err := r.jobs.Save(ctx, job); err != nil {
		return r.abort(ctx, logger, job.ID, common.Orchestration("save job", err))
	}
	logger.Info("runner.job.completed", "items", job.TotalItems, "output_ref", ref)
	r.publish(entity.Event{
		Type: entity.EventCompleted, JobID: job.ID, Status: job.Status,
		Processed: job.ProcessedItems, Total: job.TotalItems, OutputRef: ref, At: done,
	})

	r.notify(ctx, logger, job)
	return constants.JobStatusCompleted, nil
}

func (r *Runner) parseUpload(ctx context.Context, job *entity.Job) ([]ingest.Row, error) {
	rc, err := r.uploads.Open(ctx, job.SourcePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	ext := filepath.Ext(job.SourceName)
	if ext == "" {
		ext = filepath.Ext(job.SourcePath)
	}
	return ingest.Parse(ext, rc)
}

// itemsFromRows assigns ordinals in serial-number order when every serial is
// numeric, otherwise in input order.
func itemsFromRows(jobID string, rows []ingest.Row, now time.Time) []*entity.Item {
	sorted := make([]ingest.Row, len(rows))
	copy(sorted, rows)
	serials := make(map[int]int, len(rows))
	numeric := true
	for i, row := range sorted {
		n, err := strconv.Atoi(row.SerialNumber)
		if err != nil {
			numeric = false
			break
		}
		serials[i] = n
	}
	if numeric {
		idx := make([]int, len(sorted))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return serials[idx[a]] < serials[idx[b]] })
		for i, j := range idx {
			sorted[i] = rows[j]
		}
	}

	items := make([]*entity.Item, len(sorted))
	for i, row := range sorted {
		items[i] = &entity.Item{
			JobID:        jobID,
			Ordinal:      i + 1,
			SerialNumber: row.SerialNumber,
			ProductName:  row.ProductName,
			InputURLs:    row.InputURLs,
			OutputURLs:   []string{},
			Status:       constants.ItemStatusPending,
			UpdatedAt:    now,
		}
	}
	return items
}

// progressUpdate carries a finished item to the progress consumer. The
// consumer replies on ack once the job row reflects the item.
type progressUpdate struct {
	item *entity.Item
	ack  chan error
}

// processAll runs every item and feeds a single progress consumer. The first
// orchestration error stops further items. Run sequentially, an item does not
// start until the job row reflects the previous one.
func (r *Runner) processAll(ctx context.Context, logger *slog.Logger, jobID string, items []*entity.Item) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	progress := make(chan progressUpdate)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		r.consumeProgress(runCtx, cancel, logger, jobID, progress)
	}()

	send := func(it *entity.Item) error {
		ack := make(chan error, 1)
		select {
		case progress <- progressUpdate{item: it, ack: ack}:
		case <-runCtx.Done():
			return context.Cause(runCtx)
		}
		return <-ack
	}

	if r.itemConcurrency <= 1 {
		for _, it := range items {
			if runCtx.Err() != nil {
				break
			}
			r.processItem(runCtx, logger, it)
			if err := send(it); err != nil {
				break
			}
		}
	} else {
		var g errgroup.Group
		g.SetLimit(r.itemConcurrency)
		for _, it := range items {
			if runCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				// The slot may have opened after an abort.
				if runCtx.Err() != nil {
					return nil
				}
				r.processItem(runCtx, logger, it)
				return send(it)
			})
		}
		_ = g.Wait()
	}
	close(progress)
	<-consumerDone

	if cause := context.Cause(runCtx); cause != nil {
		if errors.Is(cause, common.ErrOrchestration) {
			return cause
		}
		return common.Orchestration("process items", cause)
	}
	return nil
}

// consumeProgress is the only writer of the job row while items run.
func (r *Runner) consumeProgress(ctx context.Context, cancel context.CancelCauseFunc, logger *slog.Logger, jobID string, progress <-chan progressUpdate) {
	var failure error
	for u := range progress {
		if failure != nil {
			u.ack <- failure
			continue
		}
		if err := r.advance(ctx, jobID, u.item); err != nil {
			logger.Error("runner.progress.failed", "ordinal", u.item.Ordinal, "err", err)
			failure = err
			cancel(err)
		}
		u.ack <- failure
	}
}

func (r *Runner) advance(ctx context.Context, jobID string, it *entity.Item) error {
	job, err := r.jobs.FindByID(ctx, jobID)
	if err != nil {
		return common.Orchestration("reload job", err)
	}
	now := r.now().UTC()
	if err := job.Advance(now); err != nil {
		return common.Orchestration("advance job", err)
	}
	if err := r.jobs.Save(ctx, job); err != nil {
		return common.Orchestration("save progress", err)
	}
	r.publish(entity.Event{
		Type: entity.EventProgress, JobID: jobID, Status: job.Status,
		Processed: job.ProcessedItems, Total: job.TotalItems, Ordinal: it.Ordinal, At: now,
	})
	return nil
}

// processItem always leaves the item terminal with full-length outputs.
func (r *Runner) processItem(ctx context.Context, logger *slog.Logger, it *entity.Item) {
	logger = logger.With("ordinal", it.Ordinal)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("runner.item.panic", "panic", rec)
			r.finishFailed(ctx, logger, it)
		}
		if r.metrics != nil {
			r.metrics.ItemFinished(string(it.Status))
		}
	}()

	it.Status = constants.ItemStatusProcessing
	it.UpdatedAt = r.now().UTC()
	if err := r.items.Save(ctx, it); err != nil {
		logger.Error("runner.item.save.failed", "stage", "start", "err", err)
		r.finishFailed(ctx, logger, it)
		return
	}

	it.OutputURLs = r.processor.Process(ctx, it)
	it.Finish(constants.ItemStatusCompleted, r.now().UTC())
	if err := r.items.Save(ctx, it); err != nil {
		logger.Error("runner.item.save.failed", "stage", "finish", "err", err)
		r.finishFailed(ctx, logger, it)
		return
	}
	logger.Debug("runner.item.done", "outputs", len(it.OutputURLs), "failed_outputs", it.FailedOutputs())
}

func (r *Runner) finishFailed(ctx context.Context, logger *slog.Logger, it *entity.Item) {
	it.Finish(constants.ItemStatusFailed, r.now().UTC())
	if err := r.items.Save(context.WithoutCancel(ctx), it); err != nil {
		logger.Warn("runner.item.mark_failed", "err", err)
	}
}

// abort marks the job failed if its record still exists and returns err.
func (r *Runner) abort(ctx context.Context, logger *slog.Logger, jobID string, err error) (constants.JobStatus, error) {
	logger.Error("runner.job.failed", "err", err)
	r.failJob(ctx, logger, jobID, err.Error())
	return constants.JobStatusFailed, err
}

func (r *Runner) failJob(ctx context.Context, logger *slog.Logger, jobID, reason string) {
	// The run context may already be cancelled or timed out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	job, err := r.jobs.FindByID(ctx, jobID)
	if err != nil {
		logger.Warn("runner.fail.lookup", "err", err)
		return
	}
	now := r.now().UTC()
	if err := job.Fail(reason, now); err != nil {
		logger.Warn("runner.fail.transition", "status", job.Status, "err", err)
		return
	}
	if err := r.jobs.Save(ctx, job); err != nil {
		logger.Warn("runner.fail.save", "err", err)
		return
	}
	r.publish(entity.Event{
		Type: entity.EventFailed, JobID: jobID, Status: job.Status,
		Processed: job.ProcessedItems, Total: job.TotalItems, At: now,
	})
}

func (r *Runner) notify(ctx context.Context, logger *slog.Logger, job *entity.Job) {
	if r.notifier == nil || job.CallbackURL == nil || *job.CallbackURL == "" {
		return
	}
	err := r.notifier.Notify(ctx, *job.CallbackURL, notify.Completion{
		JobID:          job.ID,
		Status:         string(job.Status),
		OutputURL:      r.artifactURL(job.ID),
		ProcessedItems: job.ProcessedItems,
		TotalItems:     job.TotalItems,
	})
	if r.metrics != nil {
		r.metrics.ObserveCallback(err == nil)
	}
	if err != nil {
		logger.Warn("runner.notify.failed", "endpoint", *job.CallbackURL, "err", err)
	}
}

func (r *Runner) publish(ev entity.Event) {
	if len(r.observers) == 0 {
		return
	}
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	for _, o := range r.observers {
		o(ev)
	}
}
