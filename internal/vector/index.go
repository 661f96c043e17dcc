// Package vector provides immutable approximate nearest-neighbor indexes over
// catalog embeddings: a random-projection forest for serving and an exact flat
// index for small catalogs and tests.
package vector

import (
	"context"
	"errors"
	"fmt"
)

// Metric names the distance function an index was built with.
type Metric string

// MetricAngular is sqrt(2 - 2*cos(a, b)), in [0, 2].
const MetricAngular Metric = "angular"

var (
	// ErrEmptyIndex is returned when building an index with no vectors.
	ErrEmptyIndex = errors.New("vector: index has no items")
	// ErrCorruptIndex is returned when a persisted index cannot be decoded or fails validation.
	ErrCorruptIndex = errors.New("vector: corrupt index")
	// ErrUnknownMetric is returned for metrics other than angular.
	ErrUnknownMetric = errors.New("vector: unknown metric")
	// ErrBuilt is returned when adding to a builder that has already been finalised.
	ErrBuilt = errors.New("vector: builder already built")
	// ErrNonSequentialID is returned when ids are not added as 0, 1, 2, ...
	ErrNonSequentialID = errors.New("vector: ids must be added sequentially from 0")
	// ErrDimensionMismatch matches any *DimensionError via errors.Is.
	ErrDimensionMismatch = errors.New("vector: dimension mismatch")
)

// DimensionError reports a vector whose length differs from the index dimension.
type DimensionError struct {
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: got %d, expected %d", e.Actual, e.Expected)
}

func (e *DimensionError) Is(target error) bool { return target == ErrDimensionMismatch }

// Result is a single nearest-neighbor hit.
type Result struct {
	ID       int
	Distance float32
}

// Index is a read-only nearest-neighbor index. Implementations are safe for
// concurrent Search calls.
type Index interface {
	// Search returns up to k items ordered by ascending distance.
	Search(query []float32, k int, opts ...SearchOption) ([]Result, error)
	// Vector returns the stored vector for id. The slice must not be mutated.
	Vector(id int) ([]float32, bool)
	Dimension() int
	Metric() Metric
	Len() int
	// Trees is the number of search trees (0 for exact indexes).
	Trees() int
	Type() string
}

// Builder ingests vectors under sequential ids and produces an immutable Index.
type Builder interface {
	Add(id int, vec []float32) error
	Build(ctx context.Context) (Index, error)
	Len() int
	Dimension() int
}

// SearchOption customises query execution.
type SearchOption func(*searchConfig)

type searchConfig struct {
	searchK int
}

// WithSearchK bounds the number of candidate items inspected by a forest search.
// Non-positive values keep the default of k * trees.
func WithSearchK(n int) SearchOption {
	return func(c *searchConfig) {
		if n > 0 {
			c.searchK = n
		}
	}
}

func applySearchOptions(opts []SearchOption) searchConfig {
	var cfg searchConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
