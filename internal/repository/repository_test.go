package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/joseph-ayodele/image-batch/internal/entity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	c, err := Open(ctx, Config{DSN: ":memory:"}, discardLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { c.Close(discardLogger()) })
	if err := c.Migrate(ctx, discardLogger()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return c
}

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewClient(db, dialect.Postgres), mock
}

func sampleJob(id string, now time.Time) *entity.Job {
	cb := "http://example.com/hook"
	return &entity.Job{
		ID:          id,
		Status:      constants.JobStatusPending,
		SourcePath:  "/tmp/uploads/1-products.csv",
		SourceName:  "products.csv",
		SourceHash:  "abc123",
		CallbackURL: &cb,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestJobRepository_CreateAndFind(t *testing.T) {
	c := newSQLiteClient(t)
	repo := NewJobRepository(c, discardLogger())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := sampleJob("job-1", now)
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := repo.FindByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.Status != constants.JobStatusPending {
		t.Errorf("got status %s, want pending", got.Status)
	}
	if got.SourceName != "products.csv" || got.SourceHash != "abc123" {
		t.Errorf("unexpected source fields: %+v", got)
	}
	if got.CallbackURL == nil || *got.CallbackURL != "http://example.com/hook" {
		t.Errorf("callback url not round-tripped: %v", got.CallbackURL)
	}
	if got.OutputRef != nil {
		t.Errorf("expected nil output ref, got %q", *got.OutputRef)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("got CreatedAt %v, want %v", got.CreatedAt, now)
	}
}

func TestJobRepository_FindByID_NotFound(t *testing.T) {
	c := newSQLiteClient(t)
	repo := NewJobRepository(c, discardLogger())

	_, err := repo.FindByID(context.Background(), "missing")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobRepository_SaveUpdatesExisting(t *testing.T) {
	c := newSQLiteClient(t)
	repo := NewJobRepository(c, discardLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	job := sampleJob("job-2", now)
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := job.Start(2, now); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := job.Advance(now); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := repo.Save(ctx, job); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := repo.FindByID(ctx, "job-2")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.Status != constants.JobStatusProcessing {
		t.Errorf("got status %s, want processing", got.Status)
	}
	if got.TotalItems != 2 || got.ProcessedItems != 1 {
		t.Errorf("got %d/%d, want 1/2", got.ProcessedItems, got.TotalItems)
	}
}

func TestJobRepository_ListFiltersByStatus(t *testing.T) {
	c := newSQLiteClient(t)
	repo := NewJobRepository(c, discardLogger())
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		job := sampleJob(id, base.Add(time.Duration(i)*time.Second))
		if id == "b" {
			job.Status = constants.JobStatusFailed
		}
		if err := repo.Create(ctx, job); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	pending, err := repo.ListByStatus(ctx, constants.JobStatusPending)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending jobs, want 2", len(pending))
	}
	// newest first
	if pending[0].ID != "c" || pending[1].ID != "a" {
		t.Errorf("unexpected order: %s, %s", pending[0].ID, pending[1].ID)
	}

	page, err := repo.List(ctx, JobFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestJobRepository_DeleteCascadesItems(t *testing.T) {
	c := newSQLiteClient(t)
	jobs := NewJobRepository(c, discardLogger())
	items := NewItemRepository(c, discardLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	if err := jobs.Create(ctx, sampleJob("job-3", now)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := items.CreateBatch(ctx, []*entity.Item{
		{JobID: "job-3", Ordinal: 0, SerialNumber: "1", ProductName: "Shirt", InputURLs: []string{"http://x/a.jpg"}, UpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := jobs.Delete(ctx, "job-3"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := jobs.FindByID(ctx, "job-3"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	left, err := items.ListByJob(ctx, "job-3")
	if err != nil {
		t.Fatalf("ListByJob failed: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("expected items to be deleted with job, got %d", len(left))
	}
	if err := jobs.Delete(ctx, "job-3"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestItemRepository_CreateListSave(t *testing.T) {
	c := newSQLiteClient(t)
	jobs := NewJobRepository(c, discardLogger())
	repo := NewItemRepository(c, discardLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	if err := jobs.Create(ctx, sampleJob("job-4", now)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	batch := []*entity.Item{
		{JobID: "job-4", Ordinal: 1, SerialNumber: "2", ProductName: "Pants", InputURLs: []string{"http://x/c.jpg"}, UpdatedAt: now},
		{JobID: "job-4", Ordinal: 0, SerialNumber: "1", ProductName: "Shirt", InputURLs: []string{"http://x/a.jpg", "http://x/b.jpg"}, UpdatedAt: now},
	}
	if err := repo.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	got, err := repo.ListByJob(ctx, "job-4")
	if err != nil {
		t.Fatalf("ListByJob failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
	if got[0].Ordinal != 0 || got[0].ProductName != "Shirt" {
		t.Errorf("items not ordered by ordinal: %+v", got[0])
	}
	if len(got[0].InputURLs) != 2 || got[0].InputURLs[1] != "http://x/b.jpg" {
		t.Errorf("input urls not round-tripped: %v", got[0].InputURLs)
	}
	if got[0].Status != constants.ItemStatusPending {
		t.Errorf("got status %s, want pending", got[0].Status)
	}
	if len(got[0].OutputURLs) != 0 {
		t.Errorf("expected no outputs yet, got %v", got[0].OutputURLs)
	}

	item := got[0]
	item.OutputURLs = []string{"http://localhost:3000/processed/1-processed-a.jpg"}
	item.Finish(constants.ItemStatusCompleted, now)
	if err := repo.Save(ctx, item); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err = repo.ListByJob(ctx, "job-4")
	if err != nil {
		t.Fatalf("ListByJob failed: %v", err)
	}
	want := []string{"http://localhost:3000/processed/1-processed-a.jpg", constants.FailedLocator}
	if len(got[0].OutputURLs) != 2 || got[0].OutputURLs[0] != want[0] || got[0].OutputURLs[1] != want[1] {
		t.Errorf("got outputs %v, want %v", got[0].OutputURLs, want)
	}
	if got[0].Status != constants.ItemStatusCompleted {
		t.Errorf("got status %s, want completed", got[0].Status)
	}
}

func TestItemRepository_CreateBatchRequiresJob(t *testing.T) {
	c := newSQLiteClient(t)
	repo := NewItemRepository(c, discardLogger())

	err := repo.CreateBatch(context.Background(), []*entity.Item{
		{JobID: "nope", Ordinal: 0, SerialNumber: "1", ProductName: "Shirt", UpdatedAt: time.Now()},
	})
	if !errors.Is(err, common.ErrDatabase) {
		t.Fatalf("expected ErrDatabase for orphan items, got %v", err)
	}
}

func TestJobRepository_Create_DatabaseError(t *testing.T) {
	c, mock := newMockClient(t)
	repo := NewJobRepository(c, discardLogger())

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "jobs"`)).
		WillReturnError(errors.New("connection reset"))

	err := repo.Create(context.Background(), sampleJob("job-5", time.Now()))
	if !errors.Is(err, common.ErrDatabase) {
		t.Errorf("expected ErrDatabase, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestJobRepository_Save_UsesUpsert(t *testing.T) {
	c, mock := newMockClient(t)
	repo := NewJobRepository(c, discardLogger())

	mock.ExpectExec(`INSERT INTO "jobs" .* ON CONFLICT \("id"\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Save(context.Background(), sampleJob("job-6", time.Now())); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestJobRepository_FindByID_QueryError(t *testing.T) {
	c, mock := newMockClient(t)
	repo := NewJobRepository(c, discardLogger())

	mock.ExpectQuery(`SELECT .* FROM "jobs" WHERE "id" = \$1`).
		WithArgs("job-7").
		WillReturnError(errors.New("boom"))

	_, err := repo.FindByID(context.Background(), "job-7")
	if !errors.Is(err, common.ErrDatabase) {
		t.Errorf("expected ErrDatabase, got %v", err)
	}
	if errors.Is(err, common.ErrNotFound) {
		t.Errorf("query failure must not read as not found")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestItemRepository_CreateBatch_RollsBackOnError(t *testing.T) {
	c, mock := newMockClient(t)
	repo := NewItemRepository(c, discardLogger())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "items"`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.CreateBatch(context.Background(), []*entity.Item{
		{JobID: "j", Ordinal: 0, SerialNumber: "1", ProductName: "Shirt", UpdatedAt: time.Now()},
	})
	if !errors.Is(err, common.ErrDatabase) {
		t.Errorf("expected ErrDatabase, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
