package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/joseph-ayodele/image-batch/internal/entity"
	"github.com/joseph-ayodele/image-batch/internal/storage"
)

const xlsxSheet = "Products"

// WriteError reports an artifact that could not be persisted.
type WriteError struct {
	JobID string
	Cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write artifact for job %s: %v", e.JobID, e.Cause)
}

func (e *WriteError) Unwrap() []error { return []error{common.ErrWrite, e.Cause} }

// Service renders job results and persists them through the artifact store.
type Service struct {
	store  storage.Store
	logger *slog.Logger
}

func NewService(store storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// ArtifactKey is the storage key of a job's result table.
func ArtifactKey(jobID string) string {
	return jobID + "-output.csv"
}

// WriteArtifact renders the items as CSV and stores it. The returned ref is
// the storage key.
func (s *Service) WriteArtifact(ctx context.Context, job *entity.Job, items []*entity.Item) (string, error) {
	start := time.Now()
	data, err := RenderCSV(items)
	if err != nil {
		return "", &WriteError{JobID: job.ID, Cause: err}
	}
	ref, err := s.store.Write(ctx, ArtifactKey(job.ID), data)
	if err != nil {
		s.logger.Error("export.csv.failed", "job_id", job.ID, "err", err)
		return "", &WriteError{JobID: job.ID, Cause: err}
	}
	s.logger.Info("export.csv.ok",
		"job_id", job.ID,
		"rows", len(items),
		"bytes", len(data),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return ref.Key, nil
}

// ReadArtifact loads a stored result table.
func (s *Service) ReadArtifact(ctx context.Context, ref string) ([]byte, error) {
	return s.store.Read(ctx, ref)
}

// RenderCSV writes the result table. Output is deterministic for equal items.
func RenderCSV(items []*entity.Item) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(constants.OutputHeader()); err != nil {
		return nil, err
	}
	for _, it := range ordered(items) {
		if err := w.Write(record(it)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderXLSX renders the same table as a workbook.
func RenderXLSX(items []*entity.Item) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), xlsxSheet); err != nil {
		return nil, err
	}
	activeIndex, _ := f.GetSheetIndex(xlsxSheet)
	f.SetActiveSheet(activeIndex)

	writeRow := func(row int, values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		vals := make([]any, len(values))
		for i, v := range values {
			vals[i] = v
		}
		return f.SetSheetRow(xlsxSheet, cell, &vals)
	}

	if err := writeRow(1, constants.OutputHeader()); err != nil {
		return nil, err
	}
	for i, it := range ordered(items) {
		if err := writeRow(i+2, record(it)); err != nil {
			return nil, err
		}
	}

	// Widen a few columns
	_ = f.SetColWidth(xlsxSheet, "A", "A", 8)  // serial
	_ = f.SetColWidth(xlsxSheet, "B", "B", 28) // product
	_ = f.SetColWidth(xlsxSheet, "C", "D", 80) // locators

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func ordered(items []*entity.Item) []*entity.Item {
	out := make([]*entity.Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func record(it *entity.Item) []string {
	outputs := it.OutputURLs
	if len(outputs) != len(it.InputURLs) {
		padded := *it
		padded.PadOutputs()
		outputs = padded.OutputURLs
	}
	return []string{
		it.SerialNumber,
		it.ProductName,
		strings.Join(it.InputURLs, constants.LocatorSeparator),
		strings.Join(outputs, constants.LocatorSeparator),
	}
}
