// Package server exposes the job service over HTTP and gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/joseph-ayodele/image-batch/internal/core"
	"github.com/joseph-ayodele/image-batch/internal/entity"
	"github.com/joseph-ayodele/image-batch/internal/observability"
)

const (
	uploadField       = "file"
	callbackField     = "webhookUrl"
	multipartOverhead = 1 << 20
	multipartMemory   = 8 << 20
	defaultListLimit  = 50
	maxListLimit      = 500

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// JobService is what the transport layers need from core.Service.
type JobService interface {
	Submit(ctx context.Context, up core.Upload) (string, error)
	GetStatus(ctx context.Context, id string) (*core.Status, error)
	GetArtifact(ctx context.Context, id string) ([]byte, error)
	GetArtifactXLSX(ctx context.Context, id string) ([]byte, error)
	ListJobs(ctx context.Context, status string, limit, offset int) ([]*core.Status, error)
	GetItems(ctx context.Context, id string) ([]*entity.Item, error)
}

// ReadyCheck reports whether dependencies can serve traffic.
type ReadyCheck func(ctx context.Context) error

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service        JobService
	Metrics        *observability.Metrics
	Ready          ReadyCheck
	ProcessedDir   string
	MaxUploadBytes int64
	UploadLimiter  *rate.Limiter
	CORSOrigin     string
	Logger         *slog.Logger
}

// Handler contains HTTP handlers for the jobs API.
type Handler struct {
	svc            JobService
	ready          ReadyCheck
	maxUploadBytes int64
	logger         *slog.Logger
}

func NewHandler(svc JobService, ready ReadyCheck, maxUploadBytes int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, ready: ready, maxUploadBytes: maxUploadBytes, logger: logger}
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := NewHandler(cfg.Service, cfg.Ready, cfg.MaxUploadBytes, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", h.Livez)
	mux.HandleFunc("GET /readyz", h.Readyz)

	var upload http.Handler = http.HandlerFunc(h.Upload)
	if cfg.UploadLimiter != nil {
		var onReject func()
		if cfg.Metrics != nil {
			onReject = cfg.Metrics.UploadRateLimited
		}
		upload = RateLimitMiddleware(cfg.UploadLimiter, onReject)(upload)
	}
	mux.Handle("POST /api/upload", upload)
	mux.HandleFunc("GET /api/status/{requestId}", h.GetStatus)
	mux.HandleFunc("GET /api/download/{requestId}", h.Download)
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/jobs/{requestId}/items", h.ListItems)
	if cfg.ProcessedDir != "" {
		mux.Handle("GET /processed/", http.StripPrefix("/processed/", noDirListing(http.FileServer(http.Dir(cfg.ProcessedDir)))))
	}

	// Outermost first: recovery, request id, logging, cors, metrics.
	var handler http.Handler = mux
	if cfg.Metrics != nil {
		handler = MetricsMiddleware(cfg.Metrics)(handler)
	}
	if cfg.CORSOrigin != "" {
		handler = CORSMiddleware(cfg.CORSOrigin)(handler)
	}
	handler = LoggingMiddleware(logger)(handler)
	handler = RequestIDMiddleware()(handler)
	handler = RecoveryMiddleware(logger)(handler)
	return handler
}

// Upload handles POST /api/upload (multipart: file, optional webhookUrl).
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		h.writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer func() { _ = file.Close() }()

	id, err := h.svc.Submit(r.Context(), core.Upload{
		Name:        header.Filename,
		Body:        file,
		CallbackURL: strings.TrimSpace(r.FormValue(callbackField)),
		RequestID:   common.RequestIDFromContext(r.Context()),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"message":   "CSV file received and queued for processing",
		"requestId": id,
	})
}

// GetStatus handles GET /api/status/{requestId}
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStatus(r.Context(), r.PathValue("requestId"))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Request not found")
			return
		}
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// Download handles GET /api/download/{requestId}[?format=xlsx]
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("requestId")

	var (
		data        []byte
		err         error
		contentType = "text/csv; charset=utf-8"
		filename    = id + "-output.csv"
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "csv":
		data, err = h.svc.GetArtifact(r.Context(), id)
	case "xlsx":
		data, err = h.svc.GetArtifactXLSX(r.Context(), id)
		contentType = xlsxContentType
		filename = id + "-output.xlsx"
	default:
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
		return
	}
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Output file not available")
			return
		}
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("http.download.write", "job_id", id, "err", err)
	}
}

// ListJobs handles GET /api/jobs?status=&limit=&offset=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), defaultListLimit)
	if err != nil || limit <= 0 || limit > maxListLimit {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		h.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	jobs, err := h.svc.ListJobs(r.Context(), q.Get("status"), limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "limit": limit, "offset": offset})
}

// ListItems handles GET /api/jobs/{requestId}/items
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("requestId")
	items, err := h.svc.GetItems(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requestId": id, "items": items})
}

// Livez handles GET /livez. It does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.logger.Warn("http.readyz.failed", "err", err)
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors to HTTP status codes. Internal details are
// logged, not returned.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	logger := common.LoggerFromContext(r.Context(), h.logger)
	status := common.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("http.request.failed", "path", r.URL.Path, "err", err)
		h.writeError(w, status, "Internal server error")
		return
	}
	logger.Warn("http.request.rejected", "path", r.URL.Path, "status", status, "err", err)
	h.writeError(w, status, clientMessage(err))
}

// clientMessage prefers the AppError message over the wrapped chain.
func clientMessage(err error) string {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
