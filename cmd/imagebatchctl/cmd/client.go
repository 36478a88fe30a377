package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/image-batch/internal/core"
	"github.com/joseph-ayodele/image-batch/internal/entity"
	"github.com/joseph-ayodele/image-batch/internal/server"
)

const defaultTimeout = 30 * time.Second

// JobClient is what the commands need from an imagebatchd endpoint.
type JobClient interface {
	Submit(ctx context.Context, path, webhook string) (string, error)
	Status(ctx context.Context, id string) (*core.Status, error)
	Download(ctx context.Context, id, format string) ([]byte, error)
	ListJobs(ctx context.Context, status string, limit int) ([]*core.Status, error)
	Items(ctx context.Context, id string) ([]*entity.Item, error)
	Close() error
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func requestTimeout() time.Duration {
	if d := viper.GetDuration("timeout"); d > 0 {
		return d
	}
	return defaultTimeout
}

// newClient picks gRPC for read commands when grpc_addr is configured.
func newClient() (JobClient, error) {
	h := NewHTTPClient(viper.GetString("url"), requestTimeout())
	addr := viper.GetString("grpc_addr")
	if addr == "" {
		return h, nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &grpcClient{HTTPClient: h, conn: conn, jobs: server.NewJobsClient(conn)}, nil
}

// HTTPClient talks to the imagebatchd REST API.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Close() error { return nil }

// Submit sends POST /api/upload with the table as multipart "file".
func (c *HTTPClient) Submit(ctx context.Context, path, webhook string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to build form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if webhook != "" {
		if err := mw.WriteField("webhookUrl", webhook); err != nil {
			return "", fmt.Errorf("failed to build form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/upload", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result struct {
		RequestID string `json:"requestId"`
	}
	if err := c.do(req, http.StatusAccepted, &result); err != nil {
		return "", err
	}
	return result.RequestID, nil
}

// Status sends GET /api/status/{id}.
func (c *HTTPClient) Status(ctx context.Context, id string) (*core.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/status/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var st core.Status
	if err := c.do(req, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Download sends GET /api/download/{id}?format=.
func (c *HTTPClient) Download(ctx context.Context, id, format string) ([]byte, error) {
	endpoint := c.BaseURL + "/api/download/" + url.PathEscape(id)
	if format != "" {
		endpoint += "?format=" + url.QueryEscape(format)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}

// ListJobs sends GET /api/jobs.
func (c *HTTPClient) ListJobs(ctx context.Context, status string, limit int) ([]*core.Status, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.BaseURL + "/api/jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var result struct {
		Jobs []*core.Status `json:"jobs"`
	}
	if err := c.do(req, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// Items sends GET /api/jobs/{id}/items.
func (c *HTTPClient) Items(ctx context.Context, id string) ([]*entity.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/jobs/"+url.PathEscape(id)+"/items", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var result struct {
		Items []*entity.Item `json:"items"`
	}
	if err := c.do(req, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

func (c *HTTPClient) do(req *http.Request, want int, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != want {
		return apiError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// apiError prefers the {"error": "..."} message of a JSON error body.
func apiError(code int, body []byte) *APIError {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return &APIError{StatusCode: code, Message: e.Error}
	}
	return &APIError{StatusCode: code, Message: string(bytes.TrimSpace(body))}
}

// grpcClient serves reads over gRPC and leaves uploads and items on HTTP.
type grpcClient struct {
	*HTTPClient
	conn *grpc.ClientConn
	jobs *server.JobsClient
}

func (c *grpcClient) Close() error { return c.conn.Close() }

func (c *grpcClient) Status(ctx context.Context, id string) (*core.Status, error) {
	st, err := c.jobs.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	var out core.Status
	if err := fromStruct(st, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *grpcClient) Download(ctx context.Context, id, format string) ([]byte, error) {
	if format != "" && format != "csv" {
		return c.HTTPClient.Download(ctx, id, format)
	}
	return c.jobs.GetArtifact(ctx, id)
}

func (c *grpcClient) ListJobs(ctx context.Context, status string, limit int) ([]*core.Status, error) {
	if status != "" {
		return c.HTTPClient.ListJobs(ctx, status, limit)
	}
	list, err := c.jobs.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Status, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		var st core.Status
		if err := fromStruct(v.GetStructValue(), &st); err != nil {
			return nil, err
		}
		out = append(out, &st)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, out any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
