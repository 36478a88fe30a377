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

// Rows per INSERT statement; keeps SQLite under its bound-variable limit.
const itemInsertChunk = 200

var itemColumns = []string{
	"job_id", "ordinal", "serial_number", "product_name",
	"input_urls", "output_urls", "status", "updated_at",
}

type ItemRepository interface {
	// CreateBatch inserts all items of a job atomically.
	CreateBatch(ctx context.Context, items []*entity.Item) error
	ListByJob(ctx context.Context, jobID string) ([]*entity.Item, error)
	Save(ctx context.Context, item *entity.Item) error
}

type itemRepository struct {
	client *Client
	logger *slog.Logger
}

func NewItemRepository(client *Client, logger *slog.Logger) ItemRepository {
	return &itemRepository{
		client: client,
		logger: logger,
	}
}

func (r *itemRepository) CreateBatch(ctx context.Context, items []*entity.Item) (err error) {
	if len(items) == 0 {
		return nil
	}
	jobID := items[0].JobID

	tx, err := r.client.DB.BeginTx(ctx, nil)
	if err != nil {
		r.logger.Error("failed to begin transaction", "job_id", jobID, "error", err)
		return fmt.Errorf("begin: %w", errors.Join(common.ErrDatabase, err))
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Error("rollback failed", "job_id", jobID, "error", rbErr)
			}
		}
	}()

	for start := 0; start < len(items); start += itemInsertChunk {
		end := min(start+itemInsertChunk, len(items))
		ins := r.client.builder().Insert(itemsTableName).Columns(itemColumns...)
		for _, it := range items[start:end] {
			values, verr := itemValues(it)
			if verr != nil {
				return fmt.Errorf("encode item %d: %w", it.Ordinal, verr)
			}
			ins.Values(values...)
		}
		query, args := ins.Query()
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.Error("failed to insert items", "job_id", jobID, "from", start, "error", err)
			return fmt.Errorf("insert items: %w", errors.Join(common.ErrDatabase, err))
		}
	}

	if err = tx.Commit(); err != nil {
		r.logger.Error("failed to commit items", "job_id", jobID, "error", err)
		return fmt.Errorf("commit: %w", errors.Join(common.ErrDatabase, err))
	}
	r.logger.Debug("items created", "job_id", jobID, "count", len(items))
	return nil
}

// ListByJob returns the job's items in input order.
func (r *itemRepository) ListByJob(ctx context.Context, jobID string) ([]*entity.Item, error) {
	b := r.client.builder()
	query, args := b.Select(itemColumns...).
		From(b.Table(itemsTableName)).
		Where(entsql.EQ("job_id", jobID)).
		OrderBy(entsql.Asc("ordinal")).
		Query()

	rows, err := r.client.DB.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to list items", "job_id", jobID, "error", err)
		return nil, fmt.Errorf("list items: %w", errors.Join(common.ErrDatabase, err))
	}
	defer rows.Close()

	items := []*entity.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", errors.Join(common.ErrDatabase, err))
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", errors.Join(common.ErrDatabase, err))
	}
	return items, nil
}

func (r *itemRepository) Save(ctx context.Context, item *entity.Item) error {
	values, err := itemValues(item)
	if err != nil {
		return fmt.Errorf("encode item %d: %w", item.Ordinal, err)
	}
	query, args := r.client.builder().
		Insert(itemsTableName).
		Columns(itemColumns...).
		Values(values...).
		OnConflict(
			entsql.ConflictColumns("job_id", "ordinal"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetExcluded("output_urls")
				u.SetExcluded("status")
				u.SetExcluded("updated_at")
			}),
		).
		Query()
	if _, err := r.client.DB.ExecContext(ctx, query, args...); err != nil {
		r.logger.Error("failed to save item", "job_id", item.JobID, "ordinal", item.Ordinal, "error", err)
		return fmt.Errorf("save item: %w", errors.Join(common.ErrDatabase, err))
	}
	return nil
}

func itemValues(it *entity.Item) ([]any, error) {
	in, err := encodeList(it.InputURLs)
	if err != nil {
		return nil, err
	}
	out, err := encodeList(it.OutputURLs)
	if err != nil {
		return nil, err
	}
	status := it.Status
	if status == "" {
		status = constants.ItemStatusPending
	}
	return []any{
		it.JobID,
		it.Ordinal,
		it.SerialNumber,
		it.ProductName,
		in,
		out,
		string(status),
		it.UpdatedAt.UTC(),
	}, nil
}

func scanItem(s scanner) (*entity.Item, error) {
	var (
		it          entity.Item
		in, out     string
		status      string
		updatedTime dbTime
	)
	if err := s.Scan(&it.JobID, &it.Ordinal, &it.SerialNumber, &it.ProductName, &in, &out, &status, &updatedTime); err != nil {
		return nil, err
	}
	var err error
	if it.InputURLs, err = decodeList(in); err != nil {
		return nil, fmt.Errorf("decode input urls: %w", err)
	}
	if it.OutputURLs, err = decodeList(out); err != nil {
		return nil, fmt.Errorf("decode output urls: %w", err)
	}
	it.Status = constants.ItemStatus(status)
	it.UpdatedAt = updatedTime.Time
	return &it, nil
}
