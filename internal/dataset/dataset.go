// Package dataset parses uploaded sales files into a uniform tabular
// form and locates the columns the analytics and forecast engines care
// about. Cells stay raw strings; coercion happens at the point of use
// so one bad cell never poisons a whole file.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Table is a parsed dataset: one header row plus data rows. Rows are
// normalized to the header width.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Parse reads a dataset in the format implied by the filename
// extension. Unsupported extensions are rejected upstream at upload
// time; hitting one here is a programmer error worth surfacing.
func Parse(filename string, r io.Reader) (*Table, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return ParseCSV(r)
	case ".xlsx":
		return ParseXLSX(r)
	default:
		return nil, fmt.Errorf("no parser for %q", filename)
	}
}

// ParseCSV reads a comma-separated dataset. The first record is the
// header; short rows are padded and long rows truncated to its width.
func ParseCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // tolerate ragged rows
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv has no header row")
	}

	return newTable(records[0], records[1:]), nil
}

// ParseXLSX reads the first sheet of an Excel workbook.
func ParseXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("read xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("xlsx has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q has no header row", sheets[0])
	}

	return newTable(rows[0], rows[1:]), nil
}

func newTable(header []string, raw [][]string) *Table {
	headers := make([]string, len(header))
	for i, h := range header {
		headers[i] = strings.TrimSpace(h)
	}

	rows := make([][]string, 0, len(raw))
	for _, r := range raw {
		row := make([]string, len(headers))
		for i := range row {
			if i < len(r) {
				row[i] = strings.TrimSpace(r[i])
			}
		}
		rows = append(rows, row)
	}

	return &Table{Headers: headers, Rows: rows}
}

// Cell returns the raw cell at (row, col), or "" when col is absent.
func (t *Table) Cell(row, col int) string {
	if col < 0 || col >= len(t.Headers) || row < 0 || row >= len(t.Rows) {
		return ""
	}
	return t.Rows[row][col]
}
