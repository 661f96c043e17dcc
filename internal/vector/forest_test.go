package vector

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
)

func randomVectors(n, dim int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed+7))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func buildForest(t *testing.T, vecs [][]float32, opts ...BuilderOption) *ForestIndex {
	t.Helper()
	b, err := NewForestBuilder(len(vecs[0]), opts...)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vecs {
		if err := b.Add(i, v); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	idx, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return idx.(*ForestIndex)
}

func TestForest_SelfQueryRanksFirst(t *testing.T) {
	vecs := randomVectors(300, 16, 1)
	idx := buildForest(t, vecs, WithTrees(10), WithSeed(42))

	for i, v := range vecs {
		results, err := idx.Search(v, 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 5 {
			t.Fatalf("item %d: got %d results, want 5", i, len(results))
		}
		if results[0].Distance > 1e-3 {
			t.Errorf("item %d: top distance %f, want ~0", i, results[0].Distance)
		}
		if results[0].ID != i && results[0].Distance != 0 {
			t.Errorf("item %d: top result %d", i, results[0].ID)
		}
	}
}

func TestForest_ResultsAscending(t *testing.T) {
	vecs := randomVectors(200, 8, 2)
	idx := buildForest(t, vecs, WithTrees(5), WithSeed(1))
	results, err := idx.Search(randomVectors(1, 8, 99)[0], 20)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[int]bool{}
	for i, r := range results {
		if seen[r.ID] {
			t.Errorf("duplicate id %d", r.ID)
		}
		seen[r.ID] = true
		if i > 0 && r.Distance < results[i-1].Distance {
			t.Errorf("results not ascending at %d: %f < %f", i, r.Distance, results[i-1].Distance)
		}
		if r.Distance < 0 || r.Distance > 2.0001 {
			t.Errorf("distance %f outside [0, 2]", r.Distance)
		}
	}
}

func TestForest_RecallAgainstExact(t *testing.T) {
	vecs := randomVectors(300, 16, 3)
	forest := buildForest(t, vecs, WithTrees(20), WithSeed(7))
	exact, _ := NewMemoryIndex(16)
	for i, v := range vecs {
		_ = exact.Add(i, v)
	}

	queries := randomVectors(20, 16, 4)
	const k = 10
	var hits int
	for _, q := range queries {
		want, _ := exact.Search(q, k)
		got, err := forest.Search(q, k)
		if err != nil {
			t.Fatal(err)
		}
		wantSet := map[int]bool{}
		for _, r := range want {
			wantSet[r.ID] = true
		}
		for _, r := range got {
			if wantSet[r.ID] {
				hits++
			}
		}
	}
	recall := float64(hits) / float64(len(queries)*k)
	if recall < 0.8 {
		t.Errorf("recall %.2f, want >= 0.8", recall)
	}
}

func TestForest_Deterministic(t *testing.T) {
	vecs := randomVectors(150, 8, 5)
	idx := buildForest(t, vecs, WithTrees(4), WithSeed(3))
	q := randomVectors(1, 8, 6)[0]
	first, _ := idx.Search(q, 7)
	for i := 0; i < 5; i++ {
		again, _ := idx.Search(q, 7)
		for j := range first {
			if again[j].ID != first[j].ID {
				t.Fatalf("run %d position %d: id %d, want %d", i, j, again[j].ID, first[j].ID)
			}
		}
	}
}

func TestForest_KClampedToSize(t *testing.T) {
	vecs := randomVectors(12, 4, 8)
	idx := buildForest(t, vecs, WithTrees(3), WithSeed(1))
	results, err := idx.Search(vecs[0], 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 12 {
		t.Errorf("got %d results, want all 12", len(results))
	}
}

func TestForest_SmallSearchKStillFillsK(t *testing.T) {
	vecs := randomVectors(100, 4, 9)
	idx := buildForest(t, vecs, WithTrees(2), WithLeafSize(3), WithSeed(1))
	results, err := idx.Search(vecs[10], 30, WithSearchK(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 30 {
		t.Errorf("got %d results, want 30", len(results))
	}
}

func TestForest_DuplicateVectors(t *testing.T) {
	vecs := make([][]float32, 50)
	for i := range vecs {
		vecs[i] = []float32{1, 1, 1}
	}
	idx := buildForest(t, vecs, WithTrees(3), WithLeafSize(2), WithSeed(1))
	results, err := idx.Search([]float32{1, 1, 1}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 || results[0].Distance > 1e-3 {
		t.Errorf("unexpected results %+v", results)
	}
}

func TestForest_DimensionMismatch(t *testing.T) {
	b, err := NewForestBuilder(3)
	if err != nil {
		t.Fatal(err)
	}
	err = b.Add(0, []float32{1, 0})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Add: expected ErrDimensionMismatch, got %v", err)
	}
	var dimErr *DimensionError
	if !errors.As(err, &dimErr) || dimErr.Expected != 3 || dimErr.Actual != 2 {
		t.Errorf("Add: expected DimensionError{3, 2}, got %v", err)
	}

	_ = b.Add(0, []float32{1, 0, 0})
	idx, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Search([]float32{1, 0}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Search: expected ErrDimensionMismatch, got %v", err)
	}
}

func TestForest_BuilderErrors(t *testing.T) {
	if _, err := NewForestBuilder(0); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := NewForestBuilder(3, WithTrees(0)); err == nil {
		t.Error("expected error for zero trees")
	}

	b, _ := NewForestBuilder(2)
	if _, err := b.Build(context.Background()); !errors.Is(err, ErrEmptyIndex) {
		t.Errorf("expected ErrEmptyIndex, got %v", err)
	}
	if err := b.Add(1, []float32{1, 0}); !errors.Is(err, ErrNonSequentialID) {
		t.Errorf("expected ErrNonSequentialID, got %v", err)
	}
	_ = b.Add(0, []float32{1, 0})
	if _, err := b.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(1, []float32{0, 1}); !errors.Is(err, ErrBuilt) {
		t.Errorf("expected ErrBuilt, got %v", err)
	}
}

func TestForest_BuildCancelled(t *testing.T) {
	b, _ := NewForestBuilder(4, WithTrees(4), WithLeafSize(2))
	for i, v := range randomVectors(64, 4, 10) {
		_ = b.Add(i, v)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Build(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestForest_ZeroKReturnsNothing(t *testing.T) {
	idx := buildForest(t, randomVectors(10, 3, 11), WithTrees(2))
	results, err := idx.Search([]float32{1, 0, 0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}
