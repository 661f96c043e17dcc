// Package builder turns a tabular catalog export into a versioned snapshot:
// an ANN index blob, the aligned metadata artifact and a manifest.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/stylematch/internal/catalog"
	"github.com/hyperjump/stylematch/internal/models"
	"github.com/hyperjump/stylematch/internal/storage"
	"github.com/hyperjump/stylematch/internal/vector"
	"github.com/hyperjump/stylematch/pkg/utils"
)

var (
	// ErrEmptyDataset is returned when the source has no data rows.
	ErrEmptyDataset = errors.New("builder: dataset has no rows")
	// ErrDimensionMismatch is returned when a row's embedding length differs
	// from the first row's.
	ErrDimensionMismatch = errors.New("builder: inconsistent embedding dimension")
	// ErrInvalidEmbedding is returned when an embedding cell cannot be parsed.
	ErrInvalidEmbedding = catalog.ErrInvalidEmbedding
)

// Options configures a build.
type Options struct {
	// Source is the .csv or .xlsx catalog export.
	Source string
	// OutputDir receives the artifacts and the manifest.
	OutputDir string
	// EmbeddingColumn defaults to "embedding".
	EmbeddingColumn string
	// IndexType is "forest" (default) or "memory".
	IndexType string
	// Trees defaults to vector.DefaultTrees.
	Trees    int
	LeafSize int
	// Seed makes tree construction reproducible when set.
	Seed *uint64
	// MetadataFormat is "json" (default) or "sqlite".
	MetadataFormat string
	// KeepOld leaves artifacts of previous versions in OutputDir.
	KeepOld bool
	Logger  *zap.Logger
}

// Report summarises a finished build.
type Report struct {
	Version      string
	Items        int
	Dimension    int
	Trees        int
	IndexType    string
	Duration     time.Duration
	OutputDir    string
	IndexPath    string
	MetadataPath string
	Manifest     *storage.Manifest
	Pruned       []string
}

func (o *Options) applyDefaults() {
	if o.EmbeddingColumn == "" {
		o.EmbeddingColumn = "embedding"
	}
	if o.IndexType == "" {
		o.IndexType = string(vector.IndexTypeForest)
	}
	if o.Trees == 0 {
		o.Trees = vector.DefaultTrees
	}
	if o.MetadataFormat == "" {
		o.MetadataFormat = storage.FormatJSON
	}
	o.Logger = utils.LoggerOrNop(o.Logger)
}

// Build reads the source, builds the index and writes a new snapshot into
// OutputDir. Validation of every row happens before anything is written. The
// manifest is written last so a reader never sees a partial snapshot.
func Build(ctx context.Context, opts Options) (*Report, error) {
	opts.applyDefaults()
	logger := opts.Logger
	start := time.Now()

	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	table, err := catalog.ReadTable(ctx, opts.Source)
	if err != nil {
		return nil, err
	}
	if len(table.Rows) == 0 {
		return nil, ErrEmptyDataset
	}
	items, err := table.Items(opts.EmbeddingColumn)
	if err != nil {
		return nil, err
	}
	dim, err := checkDimensions(items)
	if err != nil {
		return nil, err
	}
	logger.Info("catalog read",
		zap.String("source", opts.Source),
		zap.Int("items", len(items)),
		zap.Int("dimension", dim),
	)

	idx, err := buildIndex(ctx, opts, dim, items)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	version := uuid.NewString()
	m := &storage.Manifest{
		FormatVersion:  storage.ManifestFormatVersion,
		Version:        version,
		Dimension:      dim,
		Metric:         string(idx.Metric()),
		IndexType:      idx.Type(),
		Trees:          idx.Trees(),
		Items:          idx.Len(),
		IndexFile:      storage.IndexFileName(version),
		MetadataFile:   storage.MetadataFileName(version, opts.MetadataFormat),
		MetadataFormat: opts.MetadataFormat,
		Source:         filepath.Base(opts.Source),
		BuiltAt:        time.Now().UTC(),
	}
	indexPath := filepath.Join(opts.OutputDir, m.IndexFile)
	metadataPath := filepath.Join(opts.OutputDir, m.MetadataFile)

	if err := vector.SaveFile(indexPath, idx); err != nil {
		return nil, fmt.Errorf("failed to write index: %w", err)
	}
	if err := writeMetadata(ctx, opts.MetadataFormat, metadataPath, items); err != nil {
		_ = os.Remove(indexPath)
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	if m.IndexSHA256, err = storage.FileSHA256(indexPath); err != nil {
		return nil, err
	}
	if m.MetadataSHA256, err = storage.FileSHA256(metadataPath); err != nil {
		return nil, err
	}
	if err := storage.WriteManifest(opts.OutputDir, m); err != nil {
		_ = os.Remove(indexPath)
		_ = os.Remove(metadataPath)
		return nil, err
	}

	report := &Report{
		Version:      version,
		Items:        idx.Len(),
		Dimension:    dim,
		Trees:        idx.Trees(),
		IndexType:    idx.Type(),
		OutputDir:    opts.OutputDir,
		IndexPath:    indexPath,
		MetadataPath: metadataPath,
		Manifest:     m,
	}
	if !opts.KeepOld {
		pruned, err := storage.Prune(opts.OutputDir, m)
		if err != nil {
			logger.Warn("failed to prune old artifacts", zap.Error(err))
		}
		report.Pruned = pruned
	}
	report.Duration = time.Since(start)
	logger.Info("snapshot built",
		zap.String("version", version),
		zap.Int("items", report.Items),
		zap.Int("trees", report.Trees),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func checkDimensions(items []catalog.Item) (int, error) {
	dim := len(items[0].Embedding)
	for _, it := range items[1:] {
		if len(it.Embedding) != dim {
			return 0, fmt.Errorf("%w: row %d has %d values, expected %d", ErrDimensionMismatch, it.ID, len(it.Embedding), dim)
		}
	}
	return dim, nil
}

func buildIndex(ctx context.Context, opts Options, dim int, items []catalog.Item) (vector.Index, error) {
	bopts := []vector.BuilderOption{
		vector.WithTrees(opts.Trees),
		vector.WithLogger(opts.Logger),
	}
	if opts.LeafSize > 0 {
		bopts = append(bopts, vector.WithLeafSize(opts.LeafSize))
	}
	if opts.Seed != nil {
		bopts = append(bopts, vector.WithSeed(*opts.Seed))
	}
	b, err := vector.NewBuilder(opts.IndexType, dim, bopts...)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := b.Add(it.ID, it.Embedding); err != nil {
			return nil, fmt.Errorf("add item %d: %w", it.ID, err)
		}
	}
	return b.Build(ctx)
}

func writeMetadata(ctx context.Context, format, path string, items []catalog.Item) error {
	records := make([]models.Metadata, len(items))
	for i, it := range items {
		records[i] = it.Metadata
	}
	store, err := storage.OpenMetadataStore(format, path)
	if err != nil {
		return err
	}
	if err := store.WriteAll(ctx, records); err != nil {
		_ = store.Close()
		return err
	}
	n, err := store.Count(ctx)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to count metadata: %w", err)
	}
	if n != len(records) {
		_ = store.Close()
		return fmt.Errorf("metadata store holds %d records, wrote %d", n, len(records))
	}
	return store.Close()
}
