package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"
)

// File reads records from .json, .yaml/.yml or .xlsx files. It is read-only.
//
// JSON and YAML files hold either a list of records or an object keyed by data
// type. Workbooks use the sheet named after the data type, or the first sheet,
// with field names in the first row.
type File struct {
	path string
	ext  string
}

// NewFile creates a file connector. The extension selects the format.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("file endpoint requires a path")
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json", ".yaml", ".yml", ".xlsx":
	default:
		return nil, fmt.Errorf("unsupported file format %q", ext)
	}
	return &File{path: path, ext: ext}, nil
}

// ReadOnly implements the read-only capability.
func (f *File) ReadOnly() bool { return true }

func (f *File) Load(ctx context.Context, dataType string, filters *domain.SyncFilters) ([]domain.Record, error) {
	if f.ext == ".xlsx" {
		return f.loadWorkbook(dataType)
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	var doc any
	if f.ext == ".json" {
		err = json.Unmarshal(raw, &doc)
	} else {
		err = yaml.Unmarshal(raw, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}

	if m, ok := doc.(map[string]any); ok {
		doc = m[dataType]
	}
	items, ok := doc.([]any)
	if !ok {
		if doc == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: expected a list of %s records", f.path, dataType)
	}

	out := make([]domain.Record, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: %s record %d is not an object", f.path, dataType, i)
		}
		out = append(out, domain.Record(m))
	}
	return out, nil
}

func (f *File) loadWorkbook(dataType string) ([]domain.Record, error) {
	wb, err := excelize.OpenFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", f.path, err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	sheet := sheets[0]
	if slices.Contains(sheets, dataType) {
		sheet = dataType
	}

	rows, err := wb.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	header := rows[0]
	out := make([]domain.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(domain.Record, len(header))
		empty := true
		for i, name := range header {
			name = strings.TrimSpace(name)
			if name == "" || i >= len(row) {
				continue
			}
			if v := strings.TrimSpace(row[i]); v != "" {
				rec[name] = v
				empty = false
			}
		}
		if !empty {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Get scans the file for a record whose "id" field matches.
func (f *File) Get(ctx context.Context, dataType string, id string) (domain.Record, error) {
	records, err := f.Load(ctx, dataType, nil)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.String("id") == id {
			return rec, nil
		}
	}
	return nil, domain.ErrRecordNotFound
}

func (f *File) Create(ctx context.Context, dataType string, id string, rec domain.Record) error {
	return fmt.Errorf("%w: %s", domain.ErrReadOnly, f.path)
}

func (f *File) Update(ctx context.Context, dataType string, id string, rec domain.Record) error {
	return fmt.Errorf("%w: %s", domain.ErrReadOnly, f.path)
}

var _ domain.Connector = (*File)(nil)
