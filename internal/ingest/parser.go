package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/xuri/excelize/v2"
)

// Row is one validated input record.
type Row struct {
	Line         int // 1-based line in the source, header is line 1
	SerialNumber string
	ProductName  string
	InputURLs    []string
}

// SchemaError reports a header or row that lacks a required field.
type SchemaError struct {
	Line  int
	Field string
}

func (e *SchemaError) Error() string {
	if e.Line <= 1 {
		return fmt.Sprintf("missing required column %q", e.Field)
	}
	return fmt.Sprintf("line %d: missing required field %q", e.Line, e.Field)
}

func (e *SchemaError) Unwrap() error { return common.ErrSchema }

// FormatError reports a stream that cannot be read as a table.
type FormatError struct {
	Reason string
	Cause  error
}

func (e *FormatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("unreadable input: %s: %v", e.Reason, e.Cause)
	}
	return "unreadable input: " + e.Reason
}

func (e *FormatError) Unwrap() []error {
	if e.Cause != nil {
		return []error{common.ErrFormat, e.Cause}
	}
	return []error{common.ErrFormat}
}

var requiredColumns = []string{
	constants.ColumnSerialNumber,
	constants.ColumnProductName,
	constants.ColumnInputURLs,
}

// header maps the required labels to their column index.
type header map[string]int

func parseHeader(record []string) (header, error) {
	h := header{}
	for i, label := range record {
		label = strings.TrimSpace(strings.TrimPrefix(label, "\ufeff"))
		if _, seen := h[label]; !seen {
			h[label] = i
		}
	}
	for _, col := range requiredColumns {
		if _, ok := h[col]; !ok {
			return nil, &SchemaError{Line: 1, Field: col}
		}
	}
	return h, nil
}

func (h header) row(record []string, line int) (Row, error) {
	cell := func(col string) string {
		i := h[col]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	r := Row{
		Line:         line,
		SerialNumber: cell(constants.ColumnSerialNumber),
		ProductName:  cell(constants.ColumnProductName),
		InputURLs:    SplitURLs(cell(constants.ColumnInputURLs)),
	}
	switch {
	case r.SerialNumber == "":
		return Row{}, &SchemaError{Line: line, Field: constants.ColumnSerialNumber}
	case r.ProductName == "":
		return Row{}, &SchemaError{Line: line, Field: constants.ColumnProductName}
	case len(r.InputURLs) == 0:
		return Row{}, &SchemaError{Line: line, Field: constants.ColumnInputURLs}
	}
	return r, nil
}

// SplitURLs splits a comma-separated locator cell, trimming entries and
// dropping empty ones.
func SplitURLs(cell string) []string {
	parts := strings.Split(cell, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseRows reads a CSV stream with a header row. Records are validated as
// they are read; any failure discards the whole set.
func ParseRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	first, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &FormatError{Reason: "empty input, no header row"}
	}
	if err != nil {
		return nil, &FormatError{Reason: "header", Cause: err}
	}
	h, err := parseHeader(first)
	if err != nil {
		return nil, err
	}

	rows := []Row{}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &FormatError{Reason: "csv", Cause: err}
		}
		line, _ := cr.FieldPos(0)
		if blank(record) {
			continue
		}
		row, err := h.row(record, line)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ParseRowsXLSX reads the first sheet of a workbook under the same rules as
// ParseRows.
func ParseRowsXLSX(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &FormatError{Reason: "xlsx", Cause: err}
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &FormatError{Reason: "workbook has no sheets"}
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &FormatError{Reason: "xlsx rows", Cause: err}
	}
	if len(records) == 0 {
		return nil, &FormatError{Reason: "empty sheet, no header row"}
	}

	h, err := parseHeader(records[0])
	if err != nil {
		return nil, err
	}
	rows := []Row{}
	for i, record := range records[1:] {
		if blank(record) {
			continue
		}
		row, err := h.row(record, i+2)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ParseFile dispatches on the file extension.
func ParseFile(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(filepath.Ext(path), bytes.NewReader(data))
}

// Parse parses r as the tabular format named by ext.
func Parse(ext string, r io.Reader) ([]Row, error) {
	switch constants.NormalizeExt(ext) {
	case "csv":
		return ParseRows(r)
	case "xlsx":
		return ParseRowsXLSX(r)
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("unsupported extension %q", ext)}
	}
}

func blank(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
