package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/image-batch/internal/common"
)

// Ref points at a stored object.
type Ref struct {
	Key  string
	Path string
	URL  string
}

// Store persists processed images and result artifacts.
type Store interface {
	Write(ctx context.Context, key string, data []byte) (Ref, error)
	Read(ctx context.Context, key string) ([]byte, error)
	URL(key string) string
}

// LocalStore keeps objects as files under Root. URLs are BaseURL + "/" + key.
type LocalStore struct {
	Root    string
	BaseURL string

	logger *slog.Logger
}

func NewLocalStore(root, baseURL string, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{
		Root:    root,
		BaseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}, nil
}

// Write stores data atomically: a temp file in the same directory is renamed
// over the target.
func (s *LocalStore) Write(ctx context.Context, key string, data []byte) (Ref, error) {
	p, err := s.resolve(key)
	if err != nil {
		return Ref{}, err
	}
	if err := ctx.Err(); err != nil {
		return Ref{}, errors.Join(common.ErrStorage, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Ref{}, fmt.Errorf("mkdir: %w", errors.Join(common.ErrStorage, err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return Ref{}, fmt.Errorf("create temp: %w", errors.Join(common.ErrStorage, err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return Ref{}, fmt.Errorf("write %s: %w", key, errors.Join(common.ErrStorage, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Ref{}, fmt.Errorf("close %s: %w", key, errors.Join(common.ErrStorage, err))
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		s.logger.Warn("chmod failed", "path", tmpName, "error", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return Ref{}, fmt.Errorf("rename %s: %w", key, errors.Join(common.ErrStorage, err))
	}

	s.logger.Debug("storage.write.ok", "key", key, "bytes", len(data))
	return Ref{Key: key, Path: p, URL: s.URL(key)}, nil
}

func (s *LocalStore) Read(ctx context.Context, key string) ([]byte, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("object %s: %w", key, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, errors.Join(common.ErrStorage, err))
	}
	return data, nil
}

func (s *LocalStore) URL(key string) string {
	segments := strings.Split(path.Clean("/"+key), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.BaseURL + strings.Join(segments, "/")
}

// resolve maps a slash-separated key to a path under Root, refusing escapes.
func (s *LocalStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || key == "" {
		return "", fmt.Errorf("empty key: %w", common.ErrInvalidInput)
	}
	if strings.Contains(key, "..") && clean != "/"+strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("key %q escapes storage root: %w", key, common.ErrInvalidInput)
	}
	return filepath.Join(s.Root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
