package retrieval

import (
	"errors"
	"math"
	"sync/atomic"
	"time"
)

// MetricsCollector receives one call per query. Implementations must be safe
// for concurrent use.
type MetricsCollector interface {
	// RecordQuery is called after each query with the requested k, the
	// returned results (nil on error) and the error, if any.
	RecordQuery(k int, results []Result, duration time.Duration, err error)
}

// NoopMetricsCollector discards everything.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordQuery(int, []Result, time.Duration, error) {}

// distances are accumulated in micro-units so they fit atomic integers
const distanceScale = 1e6

// BasicMetricsCollector keeps in-memory counters.
type BasicMetricsCollector struct {
	Queries        atomic.Int64
	InputErrors    atomic.Int64
	InternalErrors atomic.Int64
	Results        atomic.Int64
	TotalNanos     atomic.Int64
	distanceSum    atomic.Int64
	distanceMin    atomic.Int64
	distanceMax    atomic.Int64
}

// NewBasicMetricsCollector returns a zeroed collector.
func NewBasicMetricsCollector() *BasicMetricsCollector {
	b := &BasicMetricsCollector{}
	b.distanceMin.Store(math.MaxInt64)
	return b
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(_ int, results []Result, duration time.Duration, err error) {
	b.Queries.Add(1)
	b.TotalNanos.Add(duration.Nanoseconds())
	switch {
	case err == nil:
	case IsInputError(err):
		b.InputErrors.Add(1)
		return
	case errors.Is(err, ErrIndexFailure), errors.Is(err, ErrNoSnapshot):
		b.InternalErrors.Add(1)
		return
	default:
		return
	}
	b.Results.Add(int64(len(results)))
	for _, r := range results {
		d := int64(float64(r.Distance) * distanceScale)
		b.distanceSum.Add(d)
		for {
			cur := b.distanceMin.Load()
			if d >= cur || b.distanceMin.CompareAndSwap(cur, d) {
				break
			}
		}
		for {
			cur := b.distanceMax.Load()
			if d <= cur || b.distanceMax.CompareAndSwap(cur, d) {
				break
			}
		}
	}
}

// BasicMetricsStats is a point-in-time copy of BasicMetricsCollector.
type BasicMetricsStats struct {
	Queries        int64
	InputErrors    int64
	InternalErrors int64
	Results        int64
	AvgLatency     time.Duration
	MeanDistance   float64
	MinDistance    float64
	MaxDistance    float64
}

// GetStats returns the current counters.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	s := BasicMetricsStats{
		Queries:        b.Queries.Load(),
		InputErrors:    b.InputErrors.Load(),
		InternalErrors: b.InternalErrors.Load(),
		Results:        b.Results.Load(),
	}
	if s.Queries > 0 {
		s.AvgLatency = time.Duration(b.TotalNanos.Load() / s.Queries)
	}
	if s.Results > 0 {
		s.MeanDistance = float64(b.distanceSum.Load()) / distanceScale / float64(s.Results)
		s.MinDistance = float64(b.distanceMin.Load()) / distanceScale
		s.MaxDistance = float64(b.distanceMax.Load()) / distanceScale
	}
	return s
}
