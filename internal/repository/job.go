package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/joseph-ayodele/image-batch/internal/entity"
)

var jobColumns = []string{
	"id", "status", "total_items", "processed_items",
	"source_path", "source_name", "source_hash",
	"callback_url", "output_ref", "error_message",
	"created_at", "updated_at",
}

// Columns rewritten by Save. id and created_at are fixed at Create.
var jobMutableColumns = []string{
	"status", "total_items", "processed_items",
	"source_path", "source_name", "source_hash",
	"callback_url", "output_ref", "error_message",
	"updated_at",
}

// JobFilter narrows List. Zero values mean no filter.
type JobFilter struct {
	Status constants.JobStatus
	Limit  int
	Offset int
}

type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	FindByID(ctx context.Context, id string) (*entity.Job, error)
	Save(ctx context.Context, job *entity.Job) error
	List(ctx context.Context, filter JobFilter) ([]*entity.Job, error)
	ListByStatus(ctx context.Context, status constants.JobStatus) ([]*entity.Job, error)
	Delete(ctx context.Context, id string) error
}

type jobRepository struct {
	client *Client
	logger *slog.Logger
}

func NewJobRepository(client *Client, logger *slog.Logger) JobRepository {
	return &jobRepository{
		client: client,
		logger: logger,
	}
}

func (r *jobRepository) Create(ctx context.Context, job *entity.Job) error {
	query, args := r.client.builder().
		Insert(jobsTableName).
		Columns(jobColumns...).
		Values(jobValues(job)...).
		Query()
	if _, err := r.client.DB.ExecContext(ctx, query, args...); err != nil {
		r.logger.Error("failed to create job", "job_id", job.ID, "error", err)
		return fmt.Errorf("create job: %w", errors.Join(common.ErrDatabase, err))
	}
	return nil
}

func (r *jobRepository) FindByID(ctx context.Context, id string) (*entity.Job, error) {
	b := r.client.builder()
	query, args := b.Select(jobColumns...).
		From(b.Table(jobsTableName)).
		Where(entsql.EQ("id", id)).
		Query()
	row := r.client.DB.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to load job", "job_id", id, "error", err)
		return nil, fmt.Errorf("load job: %w", errors.Join(common.ErrDatabase, err))
	}
	return job, nil
}

// Save writes the full record, inserting it if it does not exist.
func (r *jobRepository) Save(ctx context.Context, job *entity.Job) error {
	query, args := r.client.builder().
		Insert(jobsTableName).
		Columns(jobColumns...).
		Values(jobValues(job)...).
		OnConflict(
			entsql.ConflictColumns("id"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				for _, c := range jobMutableColumns {
					u.SetExcluded(c)
				}
			}),
		).
		Query()
	if _, err := r.client.DB.ExecContext(ctx, query, args...); err != nil {
		r.logger.Error("failed to save job", "job_id", job.ID, "status", job.Status, "error", err)
		return fmt.Errorf("save job: %w", errors.Join(common.ErrDatabase, err))
	}
	return nil
}

func (r *jobRepository) List(ctx context.Context, filter JobFilter) ([]*entity.Job, error) {
	b := r.client.builder()
	sel := b.Select(jobColumns...).
		From(b.Table(jobsTableName)).
		OrderBy(entsql.Desc("created_at"), entsql.Asc("id"))
	if filter.Status != "" {
		sel.Where(entsql.EQ("status", string(filter.Status)))
	}
	if filter.Limit > 0 {
		sel.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		sel.Offset(filter.Offset)
	}
	query, args := sel.Query()

	rows, err := r.client.DB.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to list jobs", "status", filter.Status, "error", err)
		return nil, fmt.Errorf("list jobs: %w", errors.Join(common.ErrDatabase, err))
	}
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", errors.Join(common.ErrDatabase, err))
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", errors.Join(common.ErrDatabase, err))
	}
	return jobs, nil
}

func (r *jobRepository) ListByStatus(ctx context.Context, status constants.JobStatus) ([]*entity.Job, error) {
	return r.List(ctx, JobFilter{Status: status})
}

func (r *jobRepository) Delete(ctx context.Context, id string) error {
	query, args := r.client.builder().
		Delete(jobsTableName).
		Where(entsql.EQ("id", id)).
		Query()
	res, err := r.client.DB.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to delete job", "job_id", id, "error", err)
		return fmt.Errorf("delete job: %w", errors.Join(common.ErrDatabase, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func jobValues(job *entity.Job) []any {
	return []any{
		job.ID,
		string(job.Status),
		job.TotalItems,
		job.ProcessedItems,
		job.SourcePath,
		job.SourceName,
		nullString(job.SourceHash),
		nullStringPtr(job.CallbackURL),
		nullStringPtr(job.OutputRef),
		nullStringPtr(job.ErrorMessage),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*entity.Job, error) {
	var (
		job                         entity.Job
		status                      string
		hash, callback, ref, errMsg sql.NullString
		created, updated            dbTime
	)
	if err := s.Scan(
		&job.ID, &status, &job.TotalItems, &job.ProcessedItems,
		&job.SourcePath, &job.SourceName, &hash,
		&callback, &ref, &errMsg,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	job.Status = constants.JobStatus(status)
	job.SourceHash = hash.String
	job.CallbackURL = stringPtr(callback)
	job.OutputRef = stringPtr(ref)
	job.ErrorMessage = stringPtr(errMsg)
	job.CreatedAt = created.Time
	job.UpdatedAt = updated.Time
	return &job, nil
}
