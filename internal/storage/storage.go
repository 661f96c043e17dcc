// Package storage persists catalog snapshot artifacts: the ordered metadata
// list, the manifest that ties it to an index blob, and disk usage helpers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperjump/stylematch/internal/models"
)

// Metadata formats.
const (
	FormatJSON   = "json"
	FormatSQLite = "sqlite"
)

var (
	// ErrCorruptMetadata is returned when a metadata artifact cannot be decoded
	// or its ids are not the contiguous range 0..n-1.
	ErrCorruptMetadata = errors.New("storage: corrupt metadata")
	// ErrUnknownFormat is returned for metadata formats other than json and sqlite.
	ErrUnknownFormat = errors.New("storage: unknown metadata format")
)

// MetadataStore persists the metadata records of one snapshot in id order.
// Record i belongs to item id i.
type MetadataStore interface {
	// WriteAll replaces the stored records with records.
	WriteAll(ctx context.Context, records []models.Metadata) error
	// ReadAll returns every record in id order.
	ReadAll(ctx context.Context) ([]models.Metadata, error)
	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
	Close() error
}

// OpenMetadataStore opens the store for format at path.
func OpenMetadataStore(format, path string) (MetadataStore, error) {
	switch strings.ToLower(format) {
	case FormatJSON, "":
		return NewJSONStore(path), nil
	case FormatSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// MetadataExt returns the file extension used for format.
func MetadataExt(format string) string {
	if strings.ToLower(format) == FormatSQLite {
		return ".db"
	}
	return ".json"
}
