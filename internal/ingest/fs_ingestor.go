package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/common"
)

// FSIngestor stores uploads on the local filesystem.
type FSIngestor struct {
	Dir      string
	MaxBytes int64 // 0 means unlimited

	logger *slog.Logger
	now    func() time.Time
}

func NewFSIngestor(dir string, maxBytes int64, logger *slog.Logger) *FSIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSIngestor{
		Dir:      dir,
		MaxBytes: maxBytes,
		logger:   logger,
		now:      time.Now,
	}
}

// Save writes body to <dir>/<unix-millis>-<name> and hashes it on the way.
func (i *FSIngestor) Save(ctx context.Context, name string, body io.Reader) (IngestionResult, error) {
	var out IngestionResult

	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) || base == "" {
		return out, common.NewAppError("INVALID_UPLOAD", "upload has no file name", common.ErrInvalidInput)
	}
	ext := constants.NormalizeExt(filepath.Ext(base))
	if !AllowedExt(ext) {
		i.logger.Warn("unsupported upload extension", "name", base, "ext", ext)
		return out, common.NewAppError("INVALID_UPLOAD",
			fmt.Sprintf("unsupported file type %q, expected csv or xlsx", ext), common.ErrInvalidInput)
	}

	if err := os.MkdirAll(i.Dir, 0o755); err != nil {
		return out, common.NewAppError("STORAGE_ERROR", "create upload dir", err)
	}

	now := i.now().UTC()
	f, path, err := i.create(now, base)
	if err != nil {
		i.logger.Error("failed to create upload file", "name", base, "error", err)
		return out, common.NewAppError("STORAGE_ERROR", "create upload file", err)
	}

	h := sha256.New()
	src := body
	if i.MaxBytes > 0 {
		src = io.LimitReader(body, i.MaxBytes+1)
	}
	n, copyErr := io.Copy(io.MultiWriter(f, h), readerWithContext(ctx, src))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(path)
		i.logger.Error("failed to write upload", "path", path, "error", copyErr)
		return out, common.NewAppError("STORAGE_ERROR", "write upload", copyErr)
	case closeErr != nil:
		_ = os.Remove(path)
		return out, common.NewAppError("STORAGE_ERROR", "close upload", closeErr)
	case i.MaxBytes > 0 && n > i.MaxBytes:
		_ = os.Remove(path)
		return out, common.NewAppError("INVALID_UPLOAD",
			fmt.Sprintf("upload exceeds %d bytes", i.MaxBytes), common.ErrInvalidInput)
	}

	out = IngestionResult{
		SourcePath: path,
		SourceName: base,
		HashHex:    hex.EncodeToString(h.Sum(nil)),
		FileExt:    ext,
		Size:       n,
		UploadedAt: now,
	}
	i.logger.Info("ingest.upload.saved", "path", path, "bytes", n, "sha256", out.HashHex)
	return out, nil
}

// create opens a new file, adding a counter when two uploads share a millisecond.
func (i *FSIngestor) create(now time.Time, base string) (*os.File, string, error) {
	stem := fmt.Sprintf("%d-%s", now.UnixMilli(), base)
	for n := 0; n < 100; n++ {
		name := stem
		if n > 0 {
			ext := filepath.Ext(base)
			name = fmt.Sprintf("%d-%s-%d%s", now.UnixMilli(), strings.TrimSuffix(base, ext), n, ext)
		}
		path := filepath.Join(i.Dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return f, path, nil
	}
	return nil, "", fmt.Errorf("no free name for %s", stem)
}

func (i *FSIngestor) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	return f, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
