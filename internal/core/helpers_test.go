package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/entity"
	"github.com/joseph-ayodele/image-batch/internal/export"
	"github.com/joseph-ayodele/image-batch/internal/imaging"
	"github.com/joseph-ayodele/image-batch/internal/ingest"
	"github.com/joseph-ayodele/image-batch/internal/notify"
	"github.com/joseph-ayodele/image-batch/internal/repository"
	"github.com/joseph-ayodele/image-batch/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	jobs      repository.JobRepository
	items     repository.ItemRepository
	uploads   *ingest.FSIngestor
	processed *storage.LocalStore
	output    *storage.LocalStore
	writer    *export.Service
	processor *countingProcessor
	notifier  *notify.Sender
	images    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := discardLogger()

	client, err := repository.Open(ctx, repository.Config{DSN: ":memory:"}, logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { client.Close(logger) })
	if err := client.Migrate(ctx, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	processed, err := storage.NewLocalStore(t.TempDir(), "http://localhost:3000/processed", logger)
	if err != nil {
		t.Fatal(err)
	}
	output, err := storage.NewLocalStore(t.TempDir(), "", logger)
	if err != nil {
		t.Fatal(err)
	}

	proc := imaging.NewProcessor(
		imaging.NewHTTPFetcher(5*time.Second, 1<<20),
		imaging.NewJPEGCodec(constants.OutputQuality),
		processed,
		logger,
	)

	return &harness{
		jobs:      repository.NewJobRepository(client, logger),
		items:     repository.NewItemRepository(client, logger),
		uploads:   ingest.NewFSIngestor(t.TempDir(), 1<<20, logger),
		processed: processed,
		output:    output,
		writer:    export.NewService(output, logger),
		processor: &countingProcessor{next: proc},
		notifier:  notify.NewSender(2*time.Second, "image-batch-test", "", logger),
		images:    newImageServer(t),
	}
}

func (h *harness) runner(opts ...RunnerOption) *Runner {
	return NewRunner(h.jobs, h.items, h.uploads, h.processor, h.writer, h.notifier, discardLogger(), opts...)
}

// pendingJob stores body as an upload and records a pending job for it.
func (h *harness) pendingJob(t *testing.T, name, body, callback string) *entity.Job {
	t.Helper()
	ctx := context.Background()
	res, err := h.uploads.Save(ctx, name, strings.NewReader(body))
	if err != nil {
		t.Fatalf("save upload: %v", err)
	}
	now := time.Now().UTC()
	job := &entity.Job{
		ID:         uuid.NewString(),
		Status:     constants.JobStatusPending,
		SourcePath: res.SourcePath,
		SourceName: name,
		SourceHash: res.HashHex,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if callback != "" {
		job.CallbackURL = &callback
	}
	if err := h.jobs.Create(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (h *harness) image(name string) string {
	return h.images.URL + "/img/" + name
}

// csvBody builds an upload with one row per product, each pointing at the
// given image names on the test image server.
func (h *harness) csvBody(rows ...[]string) string {
	var b strings.Builder
	b.WriteString("S. No.,Product Name,Input Image Urls\n")
	for i, row := range rows {
		urls := make([]string, 0, len(row)-1)
		for _, img := range row[1:] {
			urls = append(urls, h.image(img))
		}
		fmt.Fprintf(&b, "%d,%s,\"%s\"\n", i+1, row[0], strings.Join(urls, ","))
	}
	return b.String()
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(x * 40), B: uint8(y * 40), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	data := testPNG(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/img/{name}", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.PathValue("name"), "missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// countingProcessor records which items reached the image processor.
type countingProcessor struct {
	next ItemProcessor

	mu       sync.Mutex
	ordinals []int
}

func (p *countingProcessor) Process(ctx context.Context, item *entity.Item) []string {
	p.mu.Lock()
	p.ordinals = append(p.ordinals, item.Ordinal)
	p.mu.Unlock()
	return p.next.Process(ctx, item)
}

func (p *countingProcessor) calls() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.ordinals...)
}

// eventLog collects runner events.
type eventLog struct {
	mu     sync.Mutex
	events []entity.Event
}

func (l *eventLog) observe(ev entity.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t entity.EventType) []entity.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []entity.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// callbackServer counts deliveries and keeps the last body.
type callbackServer struct {
	*httptest.Server

	mu    sync.Mutex
	calls int
	last  notify.CloudEvent
}

func newCallbackServer(t *testing.T) *callbackServer {
	t.Helper()
	cs := &callbackServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev notify.CloudEvent
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &ev)
		cs.mu.Lock()
		cs.calls++
		cs.last = ev
		cs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *callbackServer) snapshot() (int, notify.CloudEvent) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.calls, cs.last
}
