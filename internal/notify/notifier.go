package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joseph-ayodele/image-batch/internal/common"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// Notifier delivers completion callbacks. One attempt per call.
type Notifier interface {
	Notify(ctx context.Context, endpoint string, c Completion) error
}

// HTTPError represents a non-2xx callback response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Sender posts CloudEvents over HTTP.
type Sender struct {
	client     *http.Client
	source     string
	signingKey string
	logger     *slog.Logger
}

func NewSender(timeout time.Duration, source, signingKey string, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if source == "" {
		source = "image-batch"
	}
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		source:     source,
		signingKey: signingKey,
		logger:     logger,
	}
}

// Notify posts a completion event to endpoint. An empty endpoint is a no-op.
func (s *Sender) Notify(ctx context.Context, endpoint string, c Completion) error {
	if endpoint == "" {
		return nil
	}
	event := NewEvent(CompletedEventType, s.source, c.JobID, c.data())

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", errors.Join(common.ErrNotification, err))
	}
	if err := ValidateJSONAgainstSchema(compiledCompletionSchema, data); err != nil {
		return fmt.Errorf("completion payload: %w", errors.Join(common.ErrNotification, err))
	}

	if err := s.Send(ctx, endpoint, event); err != nil {
		return fmt.Errorf("notify %s: %w", endpoint, errors.Join(common.ErrNotification, err))
	}
	s.logger.Info("notify.callback.ok", "job_id", c.JobID, "endpoint", endpoint, "event_id", event.ID)
	return nil
}

// Send delivers a CloudEvent via HTTP POST.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/cloudevents+json")
	req.Header.Set("Ce-Specversion", event.SpecVersion)
	req.Header.Set("Ce-Type", event.Type)
	req.Header.Set("Ce-Source", event.Source)
	req.Header.Set("Ce-Subject", event.Subject)
	req.Header.Set("Ce-Id", event.ID)
	req.Header.Set("Ce-Time", event.Time.Format(time.RFC3339))
	if s.signingKey != "" {
		req.Header.Set(SignatureHeader, Sign(body, s.signingKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode}
}

// Sign computes the "sha256=<hex>" HMAC of payload.
func Sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
