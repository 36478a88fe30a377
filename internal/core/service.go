package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/async"
	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/joseph-ayodele/image-batch/internal/entity"
	"github.com/joseph-ayodele/image-batch/internal/export"
	"github.com/joseph-ayodele/image-batch/internal/ingest"
	"github.com/joseph-ayodele/image-batch/internal/repository"
)

// ArtifactReader loads a stored result table by reference.
type ArtifactReader interface {
	ReadArtifact(ctx context.Context, ref string) ([]byte, error)
}

// Upload is one submitted table.
type Upload struct {
	Name        string
	Body        io.Reader
	CallbackURL string
	RequestID   string
}

// Status is the caller-visible view of a job.
type Status struct {
	RequestID      string    `json:"requestId"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	ProcessedItems int       `json:"processedItems"`
	TotalItems     int       `json:"totalItems"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	OutputCSVURL   string    `json:"outputCsvUrl,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// ResumeStats reports what Resume did with unfinished jobs.
type ResumeStats struct {
	Requeued int
	Failed   int
}

// Service is the entry point used by the HTTP and gRPC layers.
type Service struct {
	jobs        repository.JobRepository
	items       repository.ItemRepository
	uploads     ingest.Ingestor
	queue       async.Queue
	artifacts   ArtifactReader
	logger      *slog.Logger
	artifactURL func(jobID string) string
	now         func() time.Time
}

type ServiceOption func(*Service)

// WithStatusArtifactURL sets how outputCsvUrl is built in status responses.
func WithStatusArtifactURL(fn func(jobID string) string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.artifactURL = fn
		}
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(
	jobs repository.JobRepository,
	items repository.ItemRepository,
	uploads ingest.Ingestor,
	queue async.Queue,
	artifacts ArtifactReader,
	logger *slog.Logger,
	opts ...ServiceOption,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		jobs:        jobs,
		items:       items,
		uploads:     uploads,
		queue:       queue,
		artifacts:   artifacts,
		logger:      logger,
		artifactURL: DownloadPath,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit stores the upload, records a pending job and queues it. Table
// contents are not inspected here; schema problems surface as a failed job.
func (s *Service) Submit(ctx context.Context, up Upload) (string, error) {
	logger := common.LoggerFromContext(ctx, s.logger)

	v := common.NewValidator()
	v.Field("file", up.Name, common.Required, common.MaxLength(255))
	v.Field("webhookUrl", up.CallbackURL, common.HTTPURL, common.MaxLength(2048))
	if err := v.Error(); err != nil {
		return "", err
	}
	if up.Body == nil {
		return "", common.NewAppError("INVALID_UPLOAD", "no file uploaded", common.ErrInvalidInput)
	}

	res, err := s.uploads.Save(ctx, up.Name, up.Body)
	if err != nil {
		logger.Warn("service.upload.rejected", "name", up.Name, "err", err)
		return "", err
	}

	now := s.now().UTC()
	job := &entity.Job{
		ID:         uuid.NewString(),
		Status:     constants.JobStatusPending,
		SourcePath: res.SourcePath,
		SourceName: up.Name,
		SourceHash: res.HashHex,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if up.CallbackURL != "" {
		cb := up.CallbackURL
		job.CallbackURL = &cb
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	logger = logger.With("job_id", job.ID)

	requestID := up.RequestID
	if requestID == "" {
		requestID = common.RequestIDFromContext(ctx)
	}
	if err := s.queue.Enqueue(ctx, async.Job{JobID: job.ID, SubmittedAt: now, RequestID: requestID}); err != nil {
		logger.Error("service.enqueue.failed", "err", err)
		if ferr := job.Fail("not queued: "+err.Error(), s.now().UTC()); ferr == nil {
			if serr := s.jobs.Save(context.WithoutCancel(ctx), job); serr != nil {
				logger.Warn("service.enqueue.mark_failed", "err", serr)
			}
		}
		return "", common.NewAppError("QUEUE_UNAVAILABLE", "job could not be queued", errors.Join(common.ErrInternal, err))
	}

	logger.Info("service.job.submitted", "source", res.SourcePath, "size", res.Size, "sha256", res.HashHex)
	return job.ID, nil
}

// GetStatus returns common.ErrNotFound for unknown ids.
func (s *Service) GetStatus(ctx context.Context, id string) (*Status, error) {
	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.status(job), nil
}

func (s *Service) status(job *entity.Job) *Status {
	st := &Status{
		RequestID:      job.ID,
		Status:         string(job.Status),
		Progress:       job.Progress(),
		ProcessedItems: job.ProcessedItems,
		TotalItems:     job.TotalItems,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if job.Status == constants.JobStatusCompleted && job.OutputRef != nil {
		st.OutputCSVURL = s.artifactURL(job.ID)
	}
	if job.Status == constants.JobStatusFailed && job.ErrorMessage != nil {
		st.Error = *job.ErrorMessage
	}
	return st
}

// GetArtifact returns the CSV result table of a completed job.
func (s *Service) GetArtifact(ctx context.Context, id string) ([]byte, error) {
	job, err := s.completedJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.artifacts.ReadArtifact(ctx, *job.OutputRef)
}

// GetArtifactXLSX renders the result table of a completed job as a workbook.
func (s *Service) GetArtifactXLSX(ctx context.Context, id string) ([]byte, error) {
	if _, err := s.completedJob(ctx, id); err != nil {
		return nil, err
	}
	items, err := s.items.ListByJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return export.RenderXLSX(items)
}

func (s *Service) completedJob(ctx context.Context, id string) (*entity.Job, error) {
	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != constants.JobStatusCompleted || job.OutputRef == nil {
		return nil, fmt.Errorf("artifact for job %s (%s): %w", id, job.Status, common.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns the newest jobs first.
func (s *Service) ListJobs(ctx context.Context, status string, limit, offset int) ([]*Status, error) {
	filter := repository.JobFilter{Limit: limit, Offset: offset}
	if status != "" {
		st := constants.JobStatus(status)
		if !st.Valid() {
			return nil, common.NewAppError("INVALID_FILTER", "unknown status "+status, common.ErrInvalidInput)
		}
		filter.Status = st
	}
	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, s.status(j))
	}
	return out, nil
}

// GetItems returns a job's items in ordinal order.
func (s *Service) GetItems(ctx context.Context, id string) ([]*entity.Item, error) {
	if _, err := s.jobs.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return s.items.ListByJob(ctx, id)
}

// Resume re-queues pending jobs left over from a previous process and fails
// jobs that were interrupted mid-processing.
func (s *Service) Resume(ctx context.Context) (ResumeStats, error) {
	var stats ResumeStats

	interrupted, err := s.jobs.ListByStatus(ctx, constants.JobStatusProcessing)
	if err != nil {
		return stats, err
	}
	for _, job := range interrupted {
		if err := job.Fail("interrupted by restart", s.now().UTC()); err != nil {
			continue
		}
		if err := s.jobs.Save(ctx, job); err != nil {
			return stats, err
		}
		stats.Failed++
		s.logger.Warn("service.resume.failed_interrupted", "job_id", job.ID, "processed", job.ProcessedItems, "total", job.TotalItems)
	}

	pending, err := s.jobs.ListByStatus(ctx, constants.JobStatusPending)
	if err != nil {
		return stats, err
	}
	// Oldest first.
	for i := len(pending) - 1; i >= 0; i-- {
		job := pending[i]
		if err := s.queue.Enqueue(ctx, async.Job{JobID: job.ID, SubmittedAt: s.now()}); err != nil {
			return stats, fmt.Errorf("requeue %s: %w", job.ID, err)
		}
		stats.Requeued++
	}
	s.logger.Info("service.resume.done", "requeued", stats.Requeued, "failed", stats.Failed)
	return stats, nil
}
