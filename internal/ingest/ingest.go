package ingest

import (
	"context"
	"io"
	"time"
)

// IngestionResult describes an upload persisted to the intake directory.
type IngestionResult struct {
	SourcePath string
	SourceName string
	HashHex    string
	FileExt    string
	Size       int64
	UploadedAt time.Time
}

// Ingestor is the behavior the job service depends on.
type Ingestor interface {
	// Save persists an uploaded table under a unique name.
	Save(ctx context.Context, name string, body io.Reader) (IngestionResult, error)
	// Open returns the stored upload for parsing.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}
