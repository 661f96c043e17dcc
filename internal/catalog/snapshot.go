package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hyperjump/stylematch/internal/models"
	"github.com/hyperjump/stylematch/internal/storage"
	"github.com/hyperjump/stylematch/internal/vector"
)

// ErrArtifactMismatch is returned when an index and its metadata or manifest
// do not describe the same snapshot.
var ErrArtifactMismatch = errors.New("catalog: index and metadata do not match")

// Snapshot is an immutable pairing of an index with the metadata records it
// was built from. Record i describes index item i.
type Snapshot struct {
	manifest *storage.Manifest
	index    vector.Index
	records  []models.Metadata
	dir      string
	loadedAt time.Time
}

// NewSnapshot pairs idx with records. The manifest may be nil for snapshots
// assembled in memory.
func NewSnapshot(idx vector.Index, records []models.Metadata, m *storage.Manifest) (*Snapshot, error) {
	if idx == nil {
		return nil, fmt.Errorf("%w: nil index", ErrArtifactMismatch)
	}
	if len(records) != idx.Len() {
		return nil, fmt.Errorf("%w: index has %d items, metadata has %d", ErrArtifactMismatch, idx.Len(), len(records))
	}
	if m == nil {
		m = &storage.Manifest{
			FormatVersion: storage.ManifestFormatVersion,
			Dimension:     idx.Dimension(),
			Metric:        string(idx.Metric()),
			IndexType:     idx.Type(),
			Trees:         idx.Trees(),
			Items:         idx.Len(),
			BuiltAt:       time.Now(),
		}
	}
	return &Snapshot{manifest: m, index: idx, records: records, loadedAt: time.Now()}, nil
}

// Index returns the snapshot's index.
func (s *Snapshot) Index() vector.Index { return s.index }

// Manifest returns the manifest the snapshot was loaded from.
func (s *Snapshot) Manifest() *storage.Manifest { return s.manifest }

// Version returns the snapshot version, or "" for in-memory snapshots.
func (s *Snapshot) Version() string { return s.manifest.Version }

// Size returns the number of catalog items.
func (s *Snapshot) Size() int { return len(s.records) }

// Dimension returns the embedding dimension.
func (s *Snapshot) Dimension() int { return s.index.Dimension() }

// Dir returns the artifact directory the snapshot was loaded from.
func (s *Snapshot) Dir() string { return s.dir }

// LoadedAt returns when the snapshot was assembled.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Record returns a copy of the metadata for id.
func (s *Snapshot) Record(id int) (models.Metadata, bool) {
	if id < 0 || id >= len(s.records) {
		return nil, false
	}
	return s.records[id].Clone(), true
}

// Holder publishes the active snapshot. Readers call Load once per request and
// use that snapshot throughout, so a concurrent Store never mixes an index
// with another snapshot's metadata.
type Holder struct {
	p atomic.Pointer[Snapshot]
}

// NewHolder returns a holder with s active. s may be nil.
func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	if s != nil {
		h.p.Store(s)
	}
	return h
}

// Load returns the active snapshot, or nil if none has been stored.
func (h *Holder) Load() *Snapshot { return h.p.Load() }

// Store makes s active and returns the previous snapshot.
func (h *Holder) Store(s *Snapshot) *Snapshot { return h.p.Swap(s) }

// LoadOptions controls snapshot validation.
type LoadOptions struct {
	// Dimension, when non-zero, must equal the persisted dimension.
	Dimension int
	// Metric, when set, must equal the persisted metric.
	Metric string
	// SkipChecksums disables SHA-256 verification of artifacts.
	SkipChecksums bool
}

// LoadSnapshot reads the manifest in dir and loads the artifacts it names.
// Checksums, dimension, metric and item counts are all checked before the
// snapshot is returned.
func LoadSnapshot(ctx context.Context, dir string, opts LoadOptions) (*Snapshot, error) {
	m, err := storage.ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if opts.Dimension > 0 && opts.Dimension != m.Dimension {
		return nil, fmt.Errorf("configured dimension: %w", &vector.DimensionError{Expected: opts.Dimension, Actual: m.Dimension})
	}
	if opts.Metric != "" && opts.Metric != m.Metric {
		return nil, fmt.Errorf("%w: configured metric %s, manifest metric %s", ErrArtifactMismatch, opts.Metric, m.Metric)
	}
	if !opts.SkipChecksums {
		if err := storage.VerifyArtifacts(dir, m); err != nil {
			return nil, err
		}
	}

	idx, h, err := vector.LoadFile(filepath.Join(dir, m.IndexFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	if h.Dimension != m.Dimension {
		return nil, fmt.Errorf("%w: index dimension %d, manifest dimension %d", ErrArtifactMismatch, h.Dimension, m.Dimension)
	}
	if string(h.Metric) != m.Metric {
		return nil, fmt.Errorf("%w: index metric %s, manifest metric %s", ErrArtifactMismatch, h.Metric, m.Metric)
	}
	if h.Count != m.Items {
		return nil, fmt.Errorf("%w: index has %d items, manifest declares %d", ErrArtifactMismatch, h.Count, m.Items)
	}

	store, err := storage.OpenMetadataStore(m.MetadataFormat, filepath.Join(dir, m.MetadataFile))
	if err != nil {
		return nil, err
	}
	defer store.Close()
	records, err := store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	s, err := NewSnapshot(idx, records, m)
	if err != nil {
		return nil, err
	}
	s.dir = dir
	return s, nil
}
