// Package catalog models the fashion catalog: reading tabular sources into
// items, and holding the immutable snapshot (index plus aligned metadata) the
// server answers queries from.
package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/stylematch/internal/models"
)

var (
	// ErrInvalidEmbedding is returned when an embedding cell is not a list of numbers.
	ErrInvalidEmbedding = errors.New("catalog: invalid embedding")
	// ErrMissingColumn is returned when the embedding column is not in the header.
	ErrMissingColumn = errors.New("catalog: embedding column not found")
	// ErrUnsupportedSource is returned for file types other than .csv and .xlsx.
	ErrUnsupportedSource = errors.New("catalog: unsupported source file")
)

// Item is one catalog row: its id (0-based row position), embedding and the
// remaining columns as metadata.
type Item struct {
	ID        int
	Embedding []float32
	Metadata  models.Metadata
}

// Table is a header plus data rows of string cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// ReadTable reads a .csv or .xlsx file. For workbooks the first sheet is used.
// The first row is always the header.
func ReadTable(ctx context.Context, path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open source: %w", err)
		}
		defer f.Close()
		return ReadCSV(ctx, f)
	case ".xlsx", ".xlsm":
		return readXLSX(path)
	default:
		return nil, fmt.Errorf("%w: %s (supported: .csv, .xlsx)", ErrUnsupportedSource, filepath.Base(path))
	}
}

// ReadCSV reads a header and rows from r. Rows may have fewer cells than the
// header; missing cells read as empty.
func ReadCSV(ctx context.Context, r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err == io.EOF {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	t := &Table{Header: trimAll(header)}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(t.Rows)+1, err)
		}
		if blank(rec) {
			continue
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

func readXLSX(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return &Table{}, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return &Table{}, nil
	}
	t := &Table{Header: trimAll(rows[0])}
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Items converts the table into items. The embedding column is parsed into
// the vector and dropped from metadata. Dimension consistency is left to the
// caller.
func (t *Table) Items(embeddingColumn string) ([]Item, error) {
	col := -1
	for i, h := range t.Header {
		if h == embeddingColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, embeddingColumn)
	}

	items := make([]Item, 0, len(t.Rows))
	for i, row := range t.Rows {
		cell := ""
		if col < len(row) {
			cell = row[col]
		}
		vec, err := ParseEmbedding(cell)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		meta := make(models.Metadata, len(t.Header)-1)
		for j, h := range t.Header {
			if j == col || h == "" {
				continue
			}
			v := ""
			if j < len(row) {
				v = row[j]
			}
			meta[h] = ParseCell(v)
		}
		items = append(items, Item{ID: i, Embedding: vec, Metadata: meta})
	}
	return items, nil
}

// ParseEmbedding parses a comma-separated list of floats. Surrounding square
// brackets and whitespace are tolerated.
func ParseEmbedding(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidEmbedding)
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: component %d: %q", ErrInvalidEmbedding, i, p)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// ParseCell converts a cell to a JSON scalar: integers and floats become
// numbers, true/false become booleans, empty cells become nil and anything
// else stays a string.
func ParseCell(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) && !strings.ContainsAny(trimmed, "xXpP_") {
		return f
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

func trimAll(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
