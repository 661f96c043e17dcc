package selection

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/stylematch/internal/retrieval"
)

// catalogFetch simulates a retrieval view over size items where item i sits at
// distance i/size. It records the requested counts.
type catalogFetch struct {
	size     int
	requests []int
}

func (c *catalogFetch) fetch(_ context.Context, n int) ([]retrieval.Result, error) {
	c.requests = append(c.requests, n)
	n = min(n, c.size)
	out := make([]retrieval.Result, n)
	for i := range out {
		out[i] = retrieval.Result{ID: i, Distance: float32(i) / float32(c.size)}
	}
	return out, nil
}

func ids(results []retrieval.Result) []int {
	out := make([]int, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestOverFetchCount(t *testing.T) {
	tests := []struct {
		strategy Strategy
		k        int
		r        float64
		size     int
		want     int
	}{
		{StrategyProportional, 5, 0.4, 1000, 15},
		{StrategyProportional, 5, 0, 1000, 5},
		{StrategyProportional, 5, 1, 1000, 30},
		{StrategyProportional, 5, 1, 12, 12},
		{StrategyProportional, 3, 0.1, 1000, 5}, // round(4.5) = 5
		{StrategySemiRandom, 5, 0.4, 1000, 10},
		{StrategySemiRandom, 5, 0.4, 7, 7},
		{StrategyDeterministic, 5, 0.9, 1000, 5},
		{StrategyDeterministic, 5, 0, 3, 3},
		{StrategyProportional, 5, 0.4, 0, 15},
	}
	for _, tt := range tests {
		got := OverFetchCount(tt.strategy, tt.k, tt.r, tt.size)
		assert.Equal(t, tt.want, got, "OverFetchCount(%s, %d, %g, %d)", tt.strategy, tt.k, tt.r, tt.size)
	}
}

func TestSelect_Deterministic(t *testing.T) {
	p := NewPolicy(StrategyDeterministic, WithSeed(1))
	src := &catalogFetch{size: 50}
	got, err := p.Select(context.Background(), Request{K: 5, Randomness: 0.7, DatasetSize: 50}, src.fetch)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ids(got))
	assert.Equal(t, []int{5}, src.requests)
}

func TestSelect_ZeroRandomnessIsDeterministic(t *testing.T) {
	for _, s := range Strategies {
		t.Run(string(s), func(t *testing.T) {
			p := NewPolicy(s, WithSeed(1), WithPresort(true))
			src := &catalogFetch{size: 50}
			for i := 0; i < 3; i++ {
				got, err := p.Select(context.Background(), Request{K: 4, DatasetSize: 50}, src.fetch)
				require.NoError(t, err)
				assert.Equal(t, []int{0, 1, 2, 3}, ids(got))
			}
			assert.Equal(t, []int{4, 4, 4}, src.requests)
		})
	}
}

func TestSelect_Proportional(t *testing.T) {
	p := NewPolicy(StrategyProportional, WithSeed(42))
	src := &catalogFetch{size: 1000}
	got, err := p.Select(context.Background(), Request{K: 5, Randomness: 0.4, DatasetSize: 1000}, src.fetch)
	require.NoError(t, err)
	assert.Equal(t, []int{15}, src.requests)
	require.Len(t, got, 5)
	for _, r := range got {
		assert.Less(t, r.ID, 15)
	}
}

func TestSelect_SemiRandomPresort(t *testing.T) {
	// Candidates arrive out of distance order; presort must not change the
	// sampled set, only the pool order before sampling.
	fetch := func(_ context.Context, n int) ([]retrieval.Result, error) {
		out := make([]retrieval.Result, n)
		for i := range out {
			out[i] = retrieval.Result{ID: i, Distance: float32(n - i)}
		}
		return out, nil
	}
	for _, presort := range []bool{false, true} {
		p := NewPolicy(StrategySemiRandom, WithSeed(3), WithPresort(presort))
		assert.Equal(t, presort, p.Presort())
		got, err := p.Select(context.Background(), Request{K: 4, Randomness: 0.5, DatasetSize: 100}, fetch)
		require.NoError(t, err)
		require.Len(t, got, 4)
		for _, r := range got {
			assert.Less(t, r.ID, 8)
		}
	}
}

func TestSelect_SamplingBounds(t *testing.T) {
	for _, s := range Strategies {
		for _, size := range []int{1, 3, 5, 10, 100} {
			for _, k := range []int{0, 1, 2, 5, 10, 30} {
				for _, r := range []float64{0, 0.1, 0.5, 1} {
					name := fmt.Sprintf("%s/S=%d/k=%d/r=%g", s, size, k, r)
					p := NewPolicy(s, WithSeed(uint64(size*k+1)))
					src := &catalogFetch{size: size}
					got, err := p.Select(context.Background(), Request{K: k, Randomness: r, DatasetSize: size}, src.fetch)
					require.NoError(t, err, name)
					assert.Len(t, got, min(k, size), name)
					seen := map[int]bool{}
					for _, res := range got {
						assert.False(t, seen[res.ID], "%s: duplicate id %d", name, res.ID)
						seen[res.ID] = true
					}
				}
			}
		}
	}
}

func TestSelect_FullPoolIsPermutation(t *testing.T) {
	p := NewPolicy(StrategyProportional, WithSeed(9))
	src := &catalogFetch{size: 6}
	got, err := p.Select(context.Background(), Request{K: 6, Randomness: 1, DatasetSize: 6}, src.fetch)
	require.NoError(t, err)
	gotIDs := ids(got)
	sort.Ints(gotIDs)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, gotIDs)
}

func TestSelect_ZeroK(t *testing.T) {
	for _, s := range Strategies {
		p := NewPolicy(s)
		called := false
		got, err := p.Select(context.Background(), Request{K: 0, Randomness: 0.5, DatasetSize: 10},
			func(context.Context, int) ([]retrieval.Result, error) {
				called = true
				return nil, nil
			})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
		assert.False(t, called, "%s fetched for k=0", s)
	}
}

func TestSelect_DuplicateCandidates(t *testing.T) {
	fetch := func(context.Context, int) ([]retrieval.Result, error) {
		return []retrieval.Result{{ID: 1}, {ID: 2}, {ID: 1}, {ID: 3}, {ID: 2}}, nil
	}
	for _, s := range Strategies {
		p := NewPolicy(s, WithSeed(5))
		got, err := p.Select(context.Background(), Request{K: 5, Randomness: 0.5}, fetch)
		require.NoError(t, err)
		assert.Len(t, got, 3, "%s", s)
	}
}

func TestSelect_FetchErrorPropagates(t *testing.T) {
	boom := errors.New("index failure")
	for _, s := range Strategies {
		p := NewPolicy(s)
		got, err := p.Select(context.Background(), Request{K: 3, Randomness: 0.5, DatasetSize: 10},
			func(context.Context, int) ([]retrieval.Result, error) { return nil, boom })
		assert.Same(t, boom, err)
		assert.Nil(t, got)
	}
}

func TestSelect_InvalidRequests(t *testing.T) {
	p := NewPolicy(StrategyProportional)
	noFetch := func(context.Context, int) ([]retrieval.Result, error) {
		t.Fatal("fetch should not be called")
		return nil, nil
	}
	_, err := p.Select(context.Background(), Request{K: -1}, noFetch)
	assert.ErrorIs(t, err, ErrInvalidK)
	_, err = p.Select(context.Background(), Request{K: 3, Randomness: 1.5}, noFetch)
	assert.ErrorIs(t, err, ErrInvalidRandomness)
	_, err = p.Select(context.Background(), Request{K: 3, Randomness: -0.1}, noFetch)
	assert.ErrorIs(t, err, ErrInvalidRandomness)
	_, err = p.Select(context.Background(), Request{K: 3, Randomness: 0.5, Strategy: "chaotic"}, noFetch)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestSelect_RequestOverridesStrategy(t *testing.T) {
	p := NewPolicy(StrategyDeterministic, WithSeed(2))
	src := &catalogFetch{size: 100}
	_, err := p.Select(context.Background(), Request{K: 5, Randomness: 0.4, DatasetSize: 100, Strategy: StrategyProportional}, src.fetch)
	require.NoError(t, err)
	assert.Equal(t, []int{15}, src.requests)
}

func TestSelect_SeededIsReproducible(t *testing.T) {
	run := func() []int {
		p := NewPolicy(StrategyProportional, WithRand(rand.New(rand.NewPCG(1, 2))))
		src := &catalogFetch{size: 100}
		got, err := p.Select(context.Background(), Request{K: 5, Randomness: 0.8, DatasetSize: 100}, src.fetch)
		require.NoError(t, err)
		return ids(got)
	}
	assert.Equal(t, run(), run())
}

func TestSelect_ProportionalIsUniform(t *testing.T) {
	// Each of the 15 over-fetched candidates should be picked about k/d = 1/3 of the time.
	p := NewPolicy(StrategyProportional, WithSeed(11))
	counts := make([]int, 15)
	const trials = 3000
	for i := 0; i < trials; i++ {
		src := &catalogFetch{size: 1000}
		got, err := p.Select(context.Background(), Request{K: 5, Randomness: 0.4, DatasetSize: 1000}, src.fetch)
		require.NoError(t, err)
		for _, r := range got {
			counts[r.ID]++
		}
	}
	for id, c := range counts {
		assert.InDelta(t, trials/3, c, trials/10, "item %d picked %d times", id, c)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := map[string]Strategy{
		"":              StrategyDeterministic,
		"deterministic": StrategyDeterministic,
		"Proportional":  StrategyProportional,
		"semi-random":   StrategySemiRandom,
		"semirandom":    StrategySemiRandom,
	}
	for in, want := range tests {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStrategy("random")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
