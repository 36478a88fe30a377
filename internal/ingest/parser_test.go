package ingest

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/common"
	"github.com/xuri/excelize/v2"
)

const validCSV = `S. No.,Product Name,Input Image Urls
1,SKU1,"https://a.example/1.jpg, https://a.example/2.jpg"
2,SKU2,https://a.example/3.jpg
`

func TestParseRows_Valid(t *testing.T) {
	rows, err := ParseRows(strings.NewReader(validCSV))
	if err != nil {
		t.Fatalf("ParseRows failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].SerialNumber != "1" || rows[0].ProductName != "SKU1" {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
	if len(rows[0].InputURLs) != 2 || rows[0].InputURLs[1] != "https://a.example/2.jpg" {
		t.Errorf("urls not split and trimmed: %q", rows[0].InputURLs)
	}
	if rows[1].Line != 3 {
		t.Errorf("got line %d, want 3", rows[1].Line)
	}
}

func TestParseRows_SchemaErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		line  int
		field string
	}{
		{
			name:  "missing product name column",
			input: "S. No.,Input Image Urls\n1,https://a/1.jpg\n",
			line:  1,
			field: constants.ColumnProductName,
		},
		{
			name:  "empty product name",
			input: "S. No.,Product Name,Input Image Urls\n1,,https://a/1.jpg\n",
			line:  2,
			field: constants.ColumnProductName,
		},
		{
			name:  "blank url list",
			input: "S. No.,Product Name,Input Image Urls\n1,SKU1,\" , ,\"\n",
			line:  2,
			field: constants.ColumnInputURLs,
		},
		{
			name:  "short record",
			input: "S. No.,Product Name,Input Image Urls\n1,SKU1,https://a/1.jpg\n2,SKU2\n",
			line:  3,
			field: constants.ColumnInputURLs,
		},
		{
			name:  "missing serial",
			input: "S. No.,Product Name,Input Image Urls\n,SKU1,https://a/1.jpg\n",
			line:  2,
			field: constants.ColumnSerialNumber,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := ParseRows(strings.NewReader(tt.input))
			if rows != nil {
				t.Errorf("expected no rows on failure, got %d", len(rows))
			}
			var se *SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("expected SchemaError, got %v", err)
			}
			if !errors.Is(err, common.ErrSchema) {
				t.Errorf("SchemaError should match ErrSchema")
			}
			if se.Line != tt.line || se.Field != tt.field {
				t.Errorf("got line %d field %q, want line %d field %q", se.Line, se.Field, tt.line, tt.field)
			}
		})
	}
}

func TestParseRows_FormatErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "bare quote", input: "S. No.,Product Name,Input Image Urls\n1,SK\"U1,https://a/1.jpg\n"},
		{name: "unterminated quote", input: "S. No.,Product Name,Input Image Urls\n1,\"SKU1,https://a/1.jpg\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRows(strings.NewReader(tt.input))
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FormatError, got %v", err)
			}
			if !errors.Is(err, common.ErrFormat) {
				t.Errorf("FormatError should match ErrFormat")
			}
		})
	}
}

func TestParseRows_IgnoresExtraColumnsAndBOM(t *testing.T) {
	input := "\ufeffS. No.,Product Name,Input Image Urls,Output Image Urls\n1,SKU1,https://a/1.jpg,processing_failed\n"
	rows, err := ParseRows(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseRows failed: %v", err)
	}
	if len(rows) != 1 || rows[0].InputURLs[0] != "https://a/1.jpg" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestParseRows_HeaderOnly(t *testing.T) {
	rows, err := ParseRows(strings.NewReader("S. No.,Product Name,Input Image Urls\n"))
	if err != nil {
		t.Fatalf("ParseRows failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("got %d rows, want 0", len(rows))
	}
}

func TestParseRowsXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	data := [][]any{
		{constants.ColumnSerialNumber, constants.ColumnProductName, constants.ColumnInputURLs},
		{1, "SKU1", "https://a/1.jpg, https://a/2.jpg"},
		{2, "SKU2", "https://a/3.jpg"},
	}
	for i, rec := range data {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &rec); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	rows, err := Parse(".xlsx", &buf)
	if err != nil {
		t.Fatalf("Parse xlsx failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].SerialNumber != "1" || len(rows[0].InputURLs) != 2 {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
	if rows[1].Line != 3 {
		t.Errorf("got line %d, want 3", rows[1].Line)
	}
}

func TestParse_UnsupportedExtension(t *testing.T) {
	_, err := Parse(".txt", strings.NewReader("x"))
	if !errors.Is(err, common.ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}

func TestParseRowsXLSX_NotAWorkbook(t *testing.T) {
	_, err := ParseRowsXLSX(strings.NewReader(validCSV))
	if !errors.Is(err, common.ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}
