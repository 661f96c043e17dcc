// Package retrieval answers nearest-neighbour queries against the active
// catalog snapshot and joins hits with their metadata.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/stylematch/internal/catalog"
	"github.com/hyperjump/stylematch/internal/models"
	"github.com/hyperjump/stylematch/internal/vector"
	"github.com/hyperjump/stylematch/pkg/utils"
)

var (
	// ErrInvalidInput is the parent of every caller error.
	ErrInvalidInput = errors.New("retrieval: invalid input")
	// ErrInvalidK is returned for k <= 0.
	ErrInvalidK = fmt.Errorf("%w: k must be positive", ErrInvalidInput)
	// ErrDimensionMismatch matches query vectors of the wrong length.
	ErrDimensionMismatch = vector.ErrDimensionMismatch
	// ErrIndexFailure is returned when the index itself fails. It never wraps
	// ErrInvalidInput.
	ErrIndexFailure = errors.New("retrieval: index failure")
	// ErrNoSnapshot is returned before any snapshot has been loaded.
	ErrNoSnapshot = errors.New("retrieval: no catalog snapshot loaded")
)

// IsInputError reports whether err was caused by the caller's request.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// Result is one hit joined with a private copy of its metadata.
type Result struct {
	ID       int
	Distance float32
	Metadata models.Metadata
}

// Service runs queries against whichever snapshot the holder has active.
type Service struct {
	holder  *catalog.Holder
	searchK int
	metrics MetricsCollector
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSearchK sets the number of index nodes to inspect per query. Zero uses
// the index default of trees*k.
func WithSearchK(n int) Option {
	return func(s *Service) { s.searchK = n }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service reading snapshots from holder.
func NewService(holder *catalog.Holder, opts ...Option) *Service {
	s := &Service{holder: holder}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NoopMetricsCollector{}
	}
	s.logger = utils.LoggerOrNop(s.logger)
	return s
}

// Metrics returns the configured collector.
func (s *Service) Metrics() MetricsCollector { return s.metrics }

// Pin returns a view bound to the currently active snapshot. All queries made
// through the view see the same index and metadata even if a reload happens.
func (s *Service) Pin() (*View, error) {
	snap := s.holder.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return &View{svc: s, snap: snap}, nil
}

// Query pins the active snapshot and runs one query against it.
func (s *Service) Query(ctx context.Context, vec []float32, k int) ([]Result, error) {
	v, err := s.Pin()
	if err != nil {
		s.metrics.RecordQuery(k, nil, 0, err)
		return nil, err
	}
	return v.Query(ctx, vec, k)
}

// DatasetSize returns the active catalog cardinality, or 0 with no snapshot.
func (s *Service) DatasetSize() int {
	if snap := s.holder.Load(); snap != nil {
		return snap.Size()
	}
	return 0
}

// Dimension returns the active embedding dimension, or 0 with no snapshot.
func (s *Service) Dimension() int {
	if snap := s.holder.Load(); snap != nil {
		return snap.Dimension()
	}
	return 0
}

// Version returns the active snapshot version.
func (s *Service) Version() string {
	if snap := s.holder.Load(); snap != nil {
		return snap.Version()
	}
	return ""
}

// View is a Service bound to one snapshot.
type View struct {
	svc  *Service
	snap *catalog.Snapshot
}

// Snapshot returns the pinned snapshot.
func (v *View) Snapshot() *catalog.Snapshot { return v.snap }

// Size returns the pinned catalog cardinality.
func (v *View) Size() int { return v.snap.Size() }

// CheckVector returns an input error unless vec matches the pinned dimension.
func (v *View) CheckVector(vec []float32) error {
	if dim := v.snap.Dimension(); len(vec) != dim {
		return fmt.Errorf("%w: %w", ErrInvalidInput, &vector.DimensionError{Expected: dim, Actual: len(vec)})
	}
	return nil
}

// Query returns up to k items nearest to vec, closest first. k above the
// catalog size is clamped.
func (v *View) Query(ctx context.Context, vec []float32, k int) (results []Result, err error) {
	start := time.Now()
	defer func() {
		v.svc.metrics.RecordQuery(k, results, time.Since(start), err)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := v.CheckVector(vec); err != nil {
		return nil, err
	}
	idx := v.snap.Index()
	if k <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidK, k)
	}
	k = utils.ClampInt(k, 1, v.snap.Size())

	hits, err := v.search(idx, vec, k)
	if err != nil {
		v.svc.logger.Error("index search failed",
			zap.String("version", v.snap.Version()),
			zap.Int("k", k),
			zap.Error(err),
		)
		return nil, err
	}

	results = make([]Result, 0, len(hits))
	for _, h := range hits {
		meta, _ := v.snap.Record(h.ID)
		results = append(results, Result{ID: h.ID, Distance: h.Distance, Metadata: meta})
	}
	return results, nil
}

// search runs the index query and rejects anything that could only come from
// a damaged structure.
func (v *View) search(idx vector.Index, vec []float32, k int) (hits []vector.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			hits = nil
			err = fmt.Errorf("%w: panic: %v", ErrIndexFailure, r)
		}
	}()
	var opts []vector.SearchOption
	if v.svc.searchK > 0 {
		opts = append(opts, vector.WithSearchK(v.svc.searchK))
	}
	hits, err = idx.Search(vec, k, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexFailure, err)
	}
	if len(hits) > k {
		return nil, fmt.Errorf("%w: %d hits for k=%d", ErrIndexFailure, len(hits), k)
	}
	size := v.snap.Size()
	for _, h := range hits {
		if h.ID < 0 || h.ID >= size {
			return nil, fmt.Errorf("%w: item %d outside catalog of %d", ErrIndexFailure, h.ID, size)
		}
		d := float64(h.Distance)
		if math.IsNaN(d) || d < 0 {
			return nil, fmt.Errorf("%w: invalid distance %v for item %d", ErrIndexFailure, h.Distance, h.ID)
		}
	}
	return hits, nil
}
