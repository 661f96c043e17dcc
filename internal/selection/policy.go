// Package selection decides how many candidates to fetch for a
// recommendation and how to reduce them to the final list.
package selection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/hyperjump/stylematch/internal/retrieval"
)

// Strategy names a selection variant. Variants are mutually exclusive.
type Strategy string

const (
	// StrategyDeterministic returns the k nearest items in index order.
	StrategyDeterministic Strategy = "deterministic"
	// StrategyProportional over-fetches round(k*(1+5r)) items and samples k of them.
	StrategyProportional Strategy = "proportional"
	// StrategySemiRandom over-fetches 2k items, optionally sorts them by
	// distance, and samples k of them.
	StrategySemiRandom Strategy = "semirandom"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{StrategyDeterministic, StrategyProportional, StrategySemiRandom}

var (
	// ErrUnknownStrategy is returned for unrecognised strategy names.
	ErrUnknownStrategy = errors.New("selection: unknown strategy")
	// ErrInvalidRandomness is returned for randomness outside [0, 1].
	ErrInvalidRandomness = errors.New("selection: randomness must be within [0, 1]")
	// ErrInvalidK is returned for negative k.
	ErrInvalidK = errors.New("selection: k must not be negative")
)

// ParseStrategy resolves a strategy name. The empty string means deterministic.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "deterministic", "none":
		return StrategyDeterministic, nil
	case "proportional":
		return StrategyProportional, nil
	case "semirandom", "semi-random", "semi_random":
		return StrategySemiRandom, nil
	default:
		return "", fmt.Errorf("%w: %q (supported: deterministic, proportional, semirandom)", ErrUnknownStrategy, name)
	}
}

// FetchFunc returns up to n nearest candidates, closest first.
type FetchFunc func(ctx context.Context, n int) ([]retrieval.Result, error)

// Request is one selection.
type Request struct {
	K int
	// Randomness in [0, 1]. Zero always selects deterministically.
	Randomness float64
	// DatasetSize bounds the over-fetch. Zero or less means unknown.
	DatasetSize int
	// Strategy overrides the policy default when non-empty.
	Strategy Strategy
}

// Policy applies one configured strategy. It is safe for concurrent use.
type Policy struct {
	strategy Strategy
	presort  bool

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Policy.
type Option func(*Policy)

// WithPresort makes the semi-random strategy stable-sort candidates by
// distance before sampling.
func WithPresort(on bool) Option {
	return func(p *Policy) { p.presort = on }
}

// WithSeed makes sampling reproducible.
func WithSeed(seed uint64) Option {
	return func(p *Policy) { p.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithRand sets the random source. The policy serialises access to it.
func WithRand(r *rand.Rand) Option {
	return func(p *Policy) { p.rng = r }
}

// NewPolicy returns a policy using strategy by default.
func NewPolicy(strategy Strategy, opts ...Option) *Policy {
	if strategy == "" {
		strategy = StrategyDeterministic
	}
	p := &Policy{strategy: strategy}
	for _, o := range opts {
		o(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return p
}

// Strategy returns the default strategy.
func (p *Policy) Strategy() Strategy { return p.strategy }

// Presort reports whether semi-random selection sorts before sampling.
func (p *Policy) Presort() bool { return p.presort }

// Effective returns the strategy a request will actually run with.
func (p *Policy) Effective(req Request) Strategy {
	if req.Randomness == 0 {
		return StrategyDeterministic
	}
	if req.Strategy != "" {
		return req.Strategy
	}
	return p.strategy
}

// OverFetchCount returns how many candidates strategy fetches for k items at
// randomness r from a catalog of size items (size <= 0 means unknown).
func OverFetchCount(strategy Strategy, k int, r float64, size int) int {
	var d int
	switch strategy {
	case StrategyProportional:
		d = max(k, int(math.Round(float64(k)*(1+5*r))))
	case StrategySemiRandom:
		d = 2 * k
	default:
		d = k
	}
	if size > 0 && d > size {
		d = size
	}
	return d
}

// Select fetches candidates and reduces them to at most K items with no
// duplicate ids. K == 0 returns an empty list without fetching. Fetch errors
// are returned unchanged.
func (p *Policy) Select(ctx context.Context, req Request, fetch FetchFunc) ([]retrieval.Result, error) {
	if req.K < 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidK, req.K)
	}
	if math.IsNaN(req.Randomness) || req.Randomness < 0 || req.Randomness > 1 {
		return nil, fmt.Errorf("%w, got %g", ErrInvalidRandomness, req.Randomness)
	}
	strategy := p.Effective(req)
	switch strategy {
	case StrategyDeterministic, StrategyProportional, StrategySemiRandom:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if req.K == 0 {
		return []retrieval.Result{}, nil
	}

	n := OverFetchCount(strategy, req.K, req.Randomness, req.DatasetSize)
	if n == 0 {
		return []retrieval.Result{}, nil
	}
	candidates, err := fetch(ctx, n)
	if err != nil {
		return nil, err
	}
	candidates = dedup(candidates)

	switch strategy {
	case StrategyProportional:
		return p.sample(candidates, req.K), nil
	case StrategySemiRandom:
		if p.presort {
			slices.SortStableFunc(candidates, func(a, b retrieval.Result) int {
				switch {
				case a.Distance < b.Distance:
					return -1
				case a.Distance > b.Distance:
					return 1
				}
				return 0
			})
		}
		return p.sample(candidates, req.K), nil
	default:
		if len(candidates) > req.K {
			candidates = candidates[:req.K]
		}
		return candidates, nil
	}
}

// sample draws min(k, len(pool)) items uniformly without replacement, in
// random order. pool is reordered in place.
func (p *Policy) sample(pool []retrieval.Result, k int) []retrieval.Result {
	m := min(k, len(pool))
	p.mu.Lock()
	for i := 0; i < m; i++ {
		j := i + p.rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	p.mu.Unlock()
	return pool[:m:m]
}

// dedup drops repeated ids, keeping the first (closest) occurrence. The
// input slice is not modified.
func dedup(in []retrieval.Result) []retrieval.Result {
	seen := make(map[int]struct{}, len(in))
	out := make([]retrieval.Result, 0, len(in))
	for _, r := range in {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}
