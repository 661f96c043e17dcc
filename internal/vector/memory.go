package vector

import (
	"context"
	"fmt"
	"sort"
)

// MemoryIndex is an exact index using brute-force angular distance.
// Suitable for tests and small catalogs. It is its own Builder: Build freezes it.
type MemoryIndex struct {
	store
	built bool
}

// NewMemoryIndex creates an exact in-memory index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{store: newStore(dimensions)}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Add appends vec under id, which must equal Len().
func (m *MemoryIndex) Add(id int, vec []float32) error {
	if m.built {
		return ErrBuilt
	}
	return m.add(id, vec)
}

// Build freezes the index. No further Add calls are accepted.
func (m *MemoryIndex) Build(ctx context.Context) (Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.vectors) == 0 {
		return nil, ErrEmptyIndex
	}
	m.built = true
	return m, nil
}

// Search scans every vector and returns the k closest by angular distance.
func (m *MemoryIndex) Search(query []float32, k int, _ ...SearchOption) ([]Result, error) {
	if len(query) != m.dim {
		return nil, &DimensionError{Expected: m.dim, Actual: len(query)}
	}
	if k <= 0 || len(m.vectors) == 0 {
		return nil, nil
	}
	candidates := make([]int, len(m.vectors))
	for i := range candidates {
		candidates[i] = i
	}
	return rank(&m.store, query, candidates, k), nil
}

// Vector returns the stored vector for id.
func (m *MemoryIndex) Vector(id int) ([]float32, bool) { return m.vector(id) }

// Dimension returns the vector length.
func (m *MemoryIndex) Dimension() int { return m.dim }

// Metric returns MetricAngular.
func (m *MemoryIndex) Metric() Metric { return MetricAngular }

// Len returns the number of vectors in the index.
func (m *MemoryIndex) Len() int { return len(m.vectors) }

// Trees is always 0 for the exact index.
func (m *MemoryIndex) Trees() int { return 0 }

// rank computes exact distances for candidates and returns the k nearest,
// ties broken by id.
func rank(s *store, query []float32, candidates []int, k int) []Result {
	qn := normOf(query)
	results := make([]Result, len(candidates))
	for i, id := range candidates {
		results[i] = Result{ID: id, Distance: s.distance(query, qn, id)}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if k > len(results) {
		k = len(results)
	}
	return results[:k]
}
