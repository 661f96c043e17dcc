package vector

import "fmt"

// IndexType represents the type of vector index to build.
type IndexType string

const (
	// IndexTypeForest builds a random-projection forest for approximate search. Default.
	IndexTypeForest IndexType = "forest"
	// IndexTypeMemory uses exact brute-force search. Good for small catalogs (<10k items).
	IndexTypeMemory IndexType = "memory"
)

// NewBuilder creates a builder of the specified type.
// Supported types: "forest" (default), "memory". Options other than the logger
// are ignored by the memory index.
func NewBuilder(indexType string, dimensions int, opts ...BuilderOption) (Builder, error) {
	switch IndexType(indexType) {
	case IndexTypeForest, "":
		return NewForestBuilder(dimensions, opts...)
	case IndexTypeMemory:
		return NewMemoryIndex(dimensions)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: forest, memory)", indexType)
	}
}

// ParseMetric validates a metric name. Only angular is supported.
func ParseMetric(name string) (Metric, error) {
	switch Metric(name) {
	case MetricAngular, "":
		return MetricAngular, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
}
