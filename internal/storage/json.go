package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperjump/stylematch/internal/models"
)

// JSONStore keeps metadata as a single JSON array of flat objects.
type JSONStore struct {
	path string
}

// NewJSONStore returns a store backed by the file at path. The file is not
// touched until WriteAll or ReadAll.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// WriteAll writes records to a temporary file and renames it over the target.
func (s *JSONStore) WriteAll(ctx context.Context, records []models.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = []models.Metadata{}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create metadata file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(records); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// ReadAll decodes the whole file. Numbers decode as float64.
func (s *JSONStore) ReadAll(ctx context.Context) ([]models.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var records []models.Metadata
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	for i, r := range records {
		if r == nil {
			return nil, fmt.Errorf("%w: record %d is not an object", ErrCorruptMetadata, i)
		}
	}
	return records, nil
}

// Count reads the file and returns the number of records.
func (s *JSONStore) Count(ctx context.Context) (int, error) {
	records, err := s.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Close is a no-op.
func (s *JSONStore) Close() error { return nil }
