package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/image-batch/internal/common"
)

func completion() Completion {
	return Completion{
		JobID:          "job-1",
		Status:         "completed",
		OutputURL:      "http://localhost:3000/api/download/job-1",
		ProcessedItems: 2,
		TotalItems:     2,
	}
}

func TestSender_Notify(t *testing.T) {
	var calls atomic.Int32
	var got CloudEvent
	var signature, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		contentType = r.Header.Get("Content-Type")
		if Sign(body, "secret") != signature {
			t.Errorf("signature does not match body")
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewSender(time.Second, "image-batch-test", "secret", nil)
	if err := s.Notify(context.Background(), srv.URL, completion()); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("got %d deliveries, want 1", calls.Load())
	}
	if contentType != "application/cloudevents+json" {
		t.Errorf("got content type %s", contentType)
	}
	if got.Type != CompletedEventType || got.Subject != "job-1" || got.Source != "image-batch-test" {
		t.Errorf("unexpected envelope: %+v", got)
	}
	if got.Data["requestId"] != "job-1" || got.Data["status"] != "completed" {
		t.Errorf("unexpected data: %v", got.Data)
	}
	if got.Data["outputCsvUrl"] != "http://localhost:3000/api/download/job-1" {
		t.Errorf("unexpected artifact url: %v", got.Data["outputCsvUrl"])
	}
}

func TestSender_NotifyFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	s := NewSender(time.Second, "", "", nil)

	err := s.Notify(context.Background(), srv.URL, completion())
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadGateway {
		t.Errorf("expected HTTPError 502, got %v", err)
	}
	if !errors.Is(err, common.ErrNotification) {
		t.Errorf("expected ErrNotification, got %v", err)
	}

	if err := s.Notify(context.Background(), closedURL, completion()); !errors.Is(err, common.ErrNotification) {
		t.Errorf("unreachable endpoint: expected ErrNotification, got %v", err)
	}
}

func TestSender_EmptyEndpointIsNoop(t *testing.T) {
	s := NewSender(time.Second, "", "", nil)
	if err := s.Notify(context.Background(), "", completion()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestSender_RejectsInvalidPayload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := completion()
	c.Status = "failed"
	err := NewSender(time.Second, "", "", nil).Notify(context.Background(), srv.URL, c)
	if !errors.Is(err, common.ErrNotification) {
		t.Fatalf("expected ErrNotification, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("invalid payload must not be sent")
	}
}

func TestSign(t *testing.T) {
	sig := Sign([]byte(`{"test":"data"}`), "secret-key")
	if len(sig) != len("sha256=")+64 || sig[:7] != "sha256=" {
		t.Errorf("unexpected signature format %q", sig)
	}
	if sig == Sign([]byte(`{"test":"data"}`), "different-key") {
		t.Error("different keys should produce different signatures")
	}
}
