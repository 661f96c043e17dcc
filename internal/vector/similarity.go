package vector

import (
	"math"

	"github.com/hyperjump/stylematch/pkg/utils"
)

// AngularDistance returns sqrt(2 - 2*cos(a, b)). Zero vectors are treated as
// orthogonal to everything.
func AngularDistance(a, b []float32) float32 {
	return angular(utils.Dot(a, b), utils.Norm(a), utils.Norm(b))
}

func angular(dot, na, nb float64) float32 {
	var cos float64
	if na > 0 && nb > 0 {
		cos = dot / (na * nb)
	}
	return float32(math.Sqrt(math.Max(0, 2-2*cos)))
}

// store holds the vectors of an index with their precomputed norms.
type store struct {
	dim     int
	vectors [][]float32
	norms   []float64
}

func newStore(dim int) store {
	return store{dim: dim}
}

func (s *store) add(id int, vec []float32) error {
	if len(vec) != s.dim {
		return &DimensionError{Expected: s.dim, Actual: len(vec)}
	}
	if id != len(s.vectors) {
		return ErrNonSequentialID
	}
	v := make([]float32, s.dim)
	copy(v, vec)
	s.vectors = append(s.vectors, v)
	s.norms = append(s.norms, utils.Norm(v))
	return nil
}

func (s *store) distance(query []float32, queryNorm float64, id int) float32 {
	return angular(utils.Dot(query, s.vectors[id]), queryNorm, s.norms[id])
}

func (s *store) vector(id int) ([]float32, bool) {
	if id < 0 || id >= len(s.vectors) {
		return nil, false
	}
	return s.vectors[id], true
}

func normOf(x []float32) float64 {
	return utils.Norm(x)
}
