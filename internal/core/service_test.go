package core

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/async"
	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/joseph-ayodele/image-batch/internal/entity"
	"github.com/joseph-ayodele/image-batch/internal/ingest"
)

// recordingQueue keeps enqueued jobs and optionally runs them inline.
type recordingQueue struct {
	mu     sync.Mutex
	jobs   []async.Job
	runner *Runner
	err    error
}

func (q *recordingQueue) Enqueue(ctx context.Context, job async.Job) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	if q.runner != nil {
		_ = q.runner.Run(ctx, job.JobID)
	}
	return nil
}

func (q *recordingQueue) Shutdown(context.Context) {}

func (q *recordingQueue) enqueued() []async.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]async.Job(nil), q.jobs...)
}

func (h *harness) service(q async.Queue) *Service {
	return NewService(h.jobs, h.items, h.uploads, q, h.writer, discardLogger())
}

func TestService_SubmitAndDownload(t *testing.T) {
	h := newHarness(t)
	ctx := common.WithRequestID(context.Background(), "req-1")
	q := &recordingQueue{runner: h.runner()}
	svc := h.service(q)

	id, err := svc.Submit(ctx, Upload{
		Name: "products.csv",
		Body: strings.NewReader(h.csvBody(
			[]string{"Shirt", "shirt.png"},
			[]string{"Pants", "pants.png", "pants-side.png"},
		)),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := q.enqueued(); len(got) != 1 || got[0].JobID != id || got[0].RequestID != "req-1" {
		t.Errorf("unexpected queue contents %+v", got)
	}

	st, err := svc.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if st.Status != "completed" || st.Progress != 100 || st.ProcessedItems != 2 || st.TotalItems != 2 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.OutputCSVURL != "/api/download/"+id {
		t.Errorf("got artifact url %q", st.OutputCSVURL)
	}

	csvData, err := svc.GetArtifact(ctx, id)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if !strings.HasPrefix(string(csvData), "S. No.,Product Name,Input Image Urls,Output Image Urls") {
		t.Errorf("unexpected artifact:\n%s", csvData)
	}

	xlsxData, err := svc.GetArtifactXLSX(ctx, id)
	if err != nil {
		t.Fatalf("GetArtifactXLSX failed: %v", err)
	}
	rows, err := ingest.ParseRowsXLSX(bytes.NewReader(xlsxData))
	if err != nil {
		t.Fatalf("workbook does not parse: %v", err)
	}
	if len(rows) != 2 || rows[1].ProductName != "Pants" || len(rows[1].InputURLs) != 2 {
		t.Errorf("unexpected workbook rows %+v", rows)
	}

	items, err := svc.GetItems(ctx, id)
	if err != nil || len(items) != 2 {
		t.Fatalf("GetItems = %d, %v", len(items), err)
	}

	jobs, err := svc.ListJobs(ctx, "completed", 10, 0)
	if err != nil || len(jobs) != 1 || jobs[0].RequestID != id {
		t.Errorf("ListJobs = %+v, %v", jobs, err)
	}
}

func TestService_GetStatusStableForTerminalJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runner := h.runner()
	svc := h.service(&recordingQueue{runner: runner})

	completed, err := svc.Submit(ctx, Upload{
		Name: "products.csv",
		Body: strings.NewReader(h.csvBody([]string{"Shirt", "shirt.png"})),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	failed, err := svc.Submit(ctx, Upload{
		Name: "broken.csv",
		Body: strings.NewReader("Name,Urls\nShirt,http://x/a.png\n"),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	for _, tc := range []struct {
		id   string
		want string
	}{
		{completed, "completed"},
		{failed, "failed"},
	} {
		first, err := svc.GetStatus(ctx, tc.id)
		if err != nil {
			t.Fatalf("GetStatus(%s): %v", tc.want, err)
		}
		if first.Status != tc.want {
			t.Fatalf("got status %s, want %s", first.Status, tc.want)
		}
		before, err := h.jobs.FindByID(ctx, tc.id)
		if err != nil {
			t.Fatal(err)
		}
		calls := len(h.processor.calls())

		// Running a terminal job again leaves its record alone.
		if err := runner.Run(ctx, tc.id); err != nil {
			t.Errorf("re-run of %s job returned %v", tc.want, err)
		}
		after, err := h.jobs.FindByID(ctx, tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if after.Status != before.Status || after.ProcessedItems != before.ProcessedItems ||
			after.TotalItems != before.TotalItems || !after.UpdatedAt.Equal(before.UpdatedAt) {
			t.Errorf("%s job changed on re-run: %+v -> %+v", tc.want, before, after)
		}
		if (after.OutputRef == nil) != (before.OutputRef == nil) ||
			(after.OutputRef != nil && *after.OutputRef != *before.OutputRef) {
			t.Errorf("%s job artifact changed on re-run", tc.want)
		}
		if got := len(h.processor.calls()); got != calls {
			t.Errorf("re-run of %s job processed %d more items", tc.want, got-calls)
		}

		second, err := svc.GetStatus(ctx, tc.id)
		if err != nil {
			t.Fatalf("GetStatus(%s) again: %v", tc.want, err)
		}
		if second.Status != first.Status || second.OutputCSVURL != first.OutputCSVURL ||
			second.ProcessedItems != first.ProcessedItems || second.TotalItems != first.TotalItems ||
			!second.UpdatedAt.Equal(first.UpdatedAt) || second.Error != first.Error {
			t.Errorf("%s status changed between calls: %+v -> %+v", tc.want, first, second)
		}
	}
}

func TestService_SubmitRejects(t *testing.T) {
	h := newHarness(t)
	q := &recordingQueue{}
	svc := h.service(q)
	ctx := context.Background()

	tests := []struct {
		name    string
		upload  Upload
		wantErr error
	}{
		{"bad extension", Upload{Name: "products.txt", Body: strings.NewReader("x")}, common.ErrInvalidInput},
		{"missing name", Upload{Name: "", Body: strings.NewReader("x")}, common.ErrValidation},
		{"missing body", Upload{Name: "products.csv"}, common.ErrInvalidInput},
		{"bad callback scheme", Upload{Name: "products.csv", Body: strings.NewReader("x"), CallbackURL: "ftp://example.com/hook"}, common.ErrValidation},
		{"relative callback", Upload{Name: "products.csv", Body: strings.NewReader("x"), CallbackURL: "/hook"}, common.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tt.upload)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if n := len(q.enqueued()); n != 0 {
		t.Errorf("rejected uploads enqueued %d jobs", n)
	}
	if jobs, _ := svc.ListJobs(ctx, "", 0, 0); len(jobs) != 0 {
		t.Errorf("rejected uploads created %d jobs", len(jobs))
	}
}

func TestService_SubmitSchemaErrorIsAsync(t *testing.T) {
	h := newHarness(t)
	svc := h.service(&recordingQueue{runner: h.runner()})
	ctx := context.Background()

	id, err := svc.Submit(ctx, Upload{
		Name: "products.csv",
		Body: strings.NewReader("Name,Urls\nShirt,http://x/a.png\n"),
	})
	if err != nil {
		t.Fatalf("schema problems must not fail Submit: %v", err)
	}
	st, err := svc.GetStatus(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "failed" || st.Error == "" || st.OutputCSVURL != "" {
		t.Errorf("unexpected status %+v", st)
	}
	if _, err := svc.GetArtifact(ctx, id); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("expected ErrNotFound for failed job artifact, got %v", err)
	}
}

func TestService_NotFound(t *testing.T) {
	h := newHarness(t)
	q := &recordingQueue{}
	svc := h.service(q)
	ctx := context.Background()

	if _, err := svc.GetStatus(ctx, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("GetStatus: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.GetArtifact(ctx, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("GetArtifact: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.GetItems(ctx, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("GetItems: expected ErrNotFound, got %v", err)
	}

	// Queued but not yet run.
	id, err := svc.Submit(ctx, Upload{Name: "products.csv", Body: strings.NewReader(h.csvBody([]string{"A", "a.png"}))})
	if err != nil {
		t.Fatal(err)
	}
	st, _ := svc.GetStatus(ctx, id)
	if st.Status != "pending" || st.Progress != 0 {
		t.Errorf("unexpected status %+v", st)
	}
	if _, err := svc.GetArtifact(ctx, id); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("pending artifact: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.GetArtifactXLSX(ctx, id); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("pending workbook: expected ErrNotFound, got %v", err)
	}
}

func TestService_SubmitQueueClosed(t *testing.T) {
	h := newHarness(t)
	svc := h.service(&recordingQueue{err: async.ErrQueueClosed})
	ctx := context.Background()

	_, err := svc.Submit(ctx, Upload{Name: "products.csv", Body: strings.NewReader(h.csvBody([]string{"A", "a.png"}))})
	if !errors.Is(err, async.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	jobs, _ := svc.ListJobs(ctx, "failed", 0, 0)
	if len(jobs) != 1 {
		t.Errorf("expected the unqueued job to be failed, got %+v", jobs)
	}
}

func TestService_ListJobsInvalidStatus(t *testing.T) {
	h := newHarness(t)
	svc := h.service(&recordingQueue{})
	if _, err := svc.ListJobs(context.Background(), "bogus", 0, 0); !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestService_Resume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := &recordingQueue{}
	svc := h.service(q)

	older := h.pendingJob(t, "a.csv", h.csvBody([]string{"A", "a.png"}), "")
	time.Sleep(2 * time.Millisecond)
	newer := h.pendingJob(t, "b.csv", h.csvBody([]string{"B", "b.png"}), "")
	interrupted := h.pendingJob(t, "c.csv", h.csvBody([]string{"C", "c.png"}), "")
	interrupted.Status = constants.JobStatusProcessing
	interrupted.TotalItems = 1
	if err := h.jobs.Save(ctx, interrupted); err != nil {
		t.Fatal(err)
	}
	done := h.pendingJob(t, "d.csv", h.csvBody([]string{"D", "d.png"}), "")
	if err := h.runner().Run(ctx, done.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := svc.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if stats.Requeued != 2 || stats.Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	got := q.enqueued()
	if len(got) != 2 || got[0].JobID != older.ID || got[1].JobID != newer.ID {
		t.Errorf("expected oldest pending job first, got %+v", got)
	}

	var failed *entity.Job
	if failed, err = h.jobs.FindByID(ctx, interrupted.ID); err != nil {
		t.Fatal(err)
	}
	if failed.Status != constants.JobStatusFailed || failed.ErrorMessage == nil {
		t.Errorf("interrupted job should be failed, got %+v", failed)
	}
}
