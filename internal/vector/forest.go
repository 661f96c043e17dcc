package vector

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"time"

	"github.com/hyperjump/stylematch/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultTrees is the number of search trees built when none is configured.
const DefaultTrees = 50

const (
	twoMeansIterations = 200
	maxSplitAttempts   = 3
	maxImbalance       = 0.95
)

// node is either a leaf holding item ids or a split with a hyperplane.
// An item goes right when dot(normal, v) + bias > 0.
type node struct {
	items  []int32
	normal []float32
	bias   float32
	left   int32
	right  int32
}

func (n *node) isLeaf() bool { return n.normal == nil }

type tree struct {
	root  int32
	nodes []node
}

// ForestIndex is a random-projection forest over angular distance. Each tree
// recursively splits the items with a hyperplane found by two-means clustering
// until a node holds at most leafSize items. It is immutable once built.
type ForestIndex struct {
	store
	trees    []tree
	leafSize int
}

// BuilderOption configures a forest builder.
type BuilderOption func(*builderConfig)

type builderConfig struct {
	trees    int
	leafSize int
	seed     uint64
	seeded   bool
	logger   *zap.Logger
}

// WithTrees sets the number of trees. More trees give better recall at the cost
// of build time, memory and query time.
func WithTrees(n int) BuilderOption {
	return func(c *builderConfig) { c.trees = n }
}

// WithLeafSize sets the maximum number of items in a leaf. Defaults to dimension+2.
func WithLeafSize(n int) BuilderOption {
	return func(c *builderConfig) { c.leafSize = n }
}

// WithSeed makes tree construction reproducible.
func WithSeed(seed uint64) BuilderOption {
	return func(c *builderConfig) {
		c.seed = seed
		c.seeded = true
	}
}

// WithLogger sets a logger for build progress.
func WithLogger(l *zap.Logger) BuilderOption {
	return func(c *builderConfig) { c.logger = l }
}

// ForestBuilder collects vectors and builds a ForestIndex.
type ForestBuilder struct {
	store
	cfg   builderConfig
	built bool
}

// NewForestBuilder creates a builder for vectors of the given dimension.
func NewForestBuilder(dimensions int, opts ...BuilderOption) (*ForestBuilder, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	cfg := builderConfig{trees: DefaultTrees}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.trees <= 0 {
		return nil, fmt.Errorf("trees must be positive, got %d", cfg.trees)
	}
	if cfg.leafSize <= 0 {
		cfg.leafSize = dimensions + 2
	}
	if !cfg.seeded {
		cfg.seed = rand.Uint64()
	}
	cfg.logger = utils.LoggerOrNop(cfg.logger)
	return &ForestBuilder{store: newStore(dimensions), cfg: cfg}, nil
}

// Add appends vec under id, which must equal Len().
func (b *ForestBuilder) Add(id int, vec []float32) error {
	if b.built {
		return ErrBuilt
	}
	return b.add(id, vec)
}

// Len returns the number of vectors added so far.
func (b *ForestBuilder) Len() int { return len(b.vectors) }

// Dimension returns the vector length.
func (b *ForestBuilder) Dimension() int { return b.dim }

// Build constructs all trees in parallel and returns the finished index.
func (b *ForestBuilder) Build(ctx context.Context) (Index, error) {
	if b.built {
		return nil, ErrBuilt
	}
	n := len(b.vectors)
	if n == 0 {
		return nil, ErrEmptyIndex
	}
	start := time.Now()
	trees := make([]tree, b.cfg.trees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for t := range trees {
		g.Go(func() error {
			tb := &treeBuilder{
				ctx:      gctx,
				store:    &b.store,
				rng:      rand.New(rand.NewPCG(b.cfg.seed, uint64(t)+1)),
				leafSize: b.cfg.leafSize,
			}
			ids := make([]int32, n)
			for i := range ids {
				ids[i] = int32(i)
			}
			root, err := tb.build(ids)
			if err != nil {
				return err
			}
			trees[t] = tree{root: root, nodes: tb.nodes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("build trees: %w", err)
	}
	b.built = true
	b.cfg.logger.Debug("forest built",
		zap.Int("items", n),
		zap.Int("dimension", b.dim),
		zap.Int("trees", b.cfg.trees),
		zap.Int("leaf_size", b.cfg.leafSize),
		zap.Duration("duration", time.Since(start)),
	)
	return &ForestIndex{store: b.store, trees: trees, leafSize: b.cfg.leafSize}, nil
}

type treeBuilder struct {
	ctx      context.Context
	store    *store
	rng      *rand.Rand
	leafSize int
	nodes    []node
}

func (tb *treeBuilder) push(n node) int32 {
	tb.nodes = append(tb.nodes, n)
	return int32(len(tb.nodes) - 1)
}

func (tb *treeBuilder) build(ids []int32) (int32, error) {
	if err := tb.ctx.Err(); err != nil {
		return 0, err
	}
	if len(ids) <= tb.leafSize {
		items := make([]int32, len(ids))
		copy(items, ids)
		return tb.push(node{items: items}), nil
	}
	normal, bias, left, right := tb.split(ids)
	idx := tb.push(node{normal: normal, bias: bias})
	l, err := tb.build(left)
	if err != nil {
		return 0, err
	}
	r, err := tb.build(right)
	if err != nil {
		return 0, err
	}
	tb.nodes[idx].left = l
	tb.nodes[idx].right = r
	return idx, nil
}

func (tb *treeBuilder) split(ids []int32) ([]float32, float32, []int32, []int32) {
	var normal []float32
	for attempt := 0; attempt < maxSplitAttempts; attempt++ {
		normal = tb.twoMeans(ids)
		left, right := tb.partition(ids, normal, 0)
		if imbalance(len(left), len(right)) <= maxImbalance {
			return normal, 0, left, right
		}
	}

	// Two-means kept producing lopsided splits: cut the last plane at the median margin.
	margins := make([]float64, len(ids))
	order := make([]int, len(ids))
	for i, id := range ids {
		margins[i] = utils.Dot(normal, tb.store.vectors[id])
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return margins[order[a]] < margins[order[b]] })
	mid := len(order) / 2
	bias := float32(-(margins[order[mid-1]] + margins[order[mid]]) / 2)
	left, right := tb.partition(ids, normal, bias)
	if len(left) > 0 && len(right) > 0 {
		return normal, bias, left, right
	}

	// Identical margins (duplicate vectors): any split is as good as another.
	left = make([]int32, 0, mid)
	right = make([]int32, 0, len(ids)-mid)
	for i, o := range order {
		if i < mid {
			left = append(left, ids[o])
		} else {
			right = append(right, ids[o])
		}
	}
	return normal, bias, left, right
}

func (tb *treeBuilder) partition(ids []int32, normal []float32, bias float32) ([]int32, []int32) {
	left := make([]int32, 0, len(ids)/2)
	right := make([]int32, 0, len(ids)/2)
	for _, id := range ids {
		if utils.Dot(normal, tb.store.vectors[id])+float64(bias) > 0 {
			right = append(right, id)
		} else {
			left = append(left, id)
		}
	}
	return left, right
}

// twoMeans runs a sampled two-centroid clustering over unit vectors and
// returns the unit normal of the hyperplane separating the centroids.
func (tb *treeBuilder) twoMeans(ids []int32) []float32 {
	n := len(ids)
	dim := tb.store.dim
	i := tb.rng.IntN(n)
	j := tb.rng.IntN(n - 1)
	if j >= i {
		j++
	}
	p := tb.unit(ids[i])
	q := tb.unit(ids[j])
	ic, jc := 1.0, 1.0
	for step := 0; step < twoMeansIterations; step++ {
		id := ids[tb.rng.IntN(n)]
		v := tb.store.vectors[id]
		vn := tb.store.norms[id]
		if vn == 0 {
			continue
		}
		di := ic * float64(angular(utils.Dot(p, v), utils.Norm(p), vn))
		dj := jc * float64(angular(utils.Dot(q, v), utils.Norm(q), vn))
		switch {
		case di < dj:
			for x := 0; x < dim; x++ {
				p[x] = float32((float64(p[x])*ic + float64(v[x])/vn) / (ic + 1))
			}
			ic++
		case dj < di:
			for x := 0; x < dim; x++ {
				q[x] = float32((float64(q[x])*jc + float64(v[x])/vn) / (jc + 1))
			}
			jc++
		}
	}
	normal := make([]float32, dim)
	for x := range normal {
		normal[x] = p[x] - q[x]
	}
	if utils.Norm(normal) == 0 {
		for x := range normal {
			normal[x] = float32(tb.rng.NormFloat64())
		}
	}
	utils.NormalizeL2(normal)
	return normal
}

func (tb *treeBuilder) unit(id int32) []float32 {
	v := make([]float32, tb.store.dim)
	copy(v, tb.store.vectors[id])
	utils.NormalizeL2(v)
	return v
}

func imbalance(a, b int) float64 {
	total := a + b
	if total == 0 {
		return 0
	}
	return float64(max(a, b)) / float64(total)
}

// Search walks all trees best-first by hyperplane margin, collecting leaf items
// until searchK candidates (default k * trees) have been seen, then ranks the
// candidates by exact angular distance.
func (f *ForestIndex) Search(query []float32, k int, opts ...SearchOption) ([]Result, error) {
	if len(query) != f.dim {
		return nil, &DimensionError{Expected: f.dim, Actual: len(query)}
	}
	n := len(f.vectors)
	if k <= 0 || n == 0 {
		return nil, nil
	}
	if k >= n {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return rank(&f.store, query, all, k), nil
	}

	cfg := applySearchOptions(opts)
	searchK := cfg.searchK
	if searchK <= 0 {
		searchK = k * len(f.trees)
	}
	searchK = max(searchK, k)

	pq := make(nodeQueue, 0, len(f.trees)*2)
	for t := range f.trees {
		pq = append(pq, queueItem{priority: math.Inf(1), tree: t, node: f.trees[t].root})
	}
	heap.Init(&pq)

	seen := make(map[int32]struct{}, searchK)
	candidates := make([]int, 0, searchK)
	visited := 0
	for pq.Len() > 0 && (visited < searchK || len(candidates) < k) {
		top := heap.Pop(&pq).(queueItem)
		tr := &f.trees[top.tree]
		if top.node < 0 || int(top.node) >= len(tr.nodes) {
			return nil, fmt.Errorf("%w: node %d out of range in tree %d", ErrCorruptIndex, top.node, top.tree)
		}
		nd := &tr.nodes[top.node]
		if nd.isLeaf() {
			visited += len(nd.items)
			for _, id := range nd.items {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				candidates = append(candidates, int(id))
			}
			continue
		}
		margin := utils.Dot(nd.normal, query) + float64(nd.bias)
		heap.Push(&pq, queueItem{priority: math.Min(top.priority, margin), tree: top.tree, node: nd.right})
		heap.Push(&pq, queueItem{priority: math.Min(top.priority, -margin), tree: top.tree, node: nd.left})
	}
	return rank(&f.store, query, candidates, k), nil
}

// Vector returns the stored vector for id.
func (f *ForestIndex) Vector(id int) ([]float32, bool) { return f.vector(id) }

// Dimension returns the vector length.
func (f *ForestIndex) Dimension() int { return f.dim }

// Metric returns MetricAngular.
func (f *ForestIndex) Metric() Metric { return MetricAngular }

// Len returns the number of items.
func (f *ForestIndex) Len() int { return len(f.vectors) }

// Trees returns the number of trees.
func (f *ForestIndex) Trees() int { return len(f.trees) }

// LeafSize returns the maximum number of items per leaf.
func (f *ForestIndex) LeafSize() int { return f.leafSize }

// Type returns the index type identifier.
func (f *ForestIndex) Type() string { return string(IndexTypeForest) }

type queueItem struct {
	priority float64
	tree     int
	node     int32
}

// nodeQueue is a max-heap on priority.
type nodeQueue []queueItem

func (q nodeQueue) Len() int           { return len(q) }
func (q nodeQueue) Less(i, j int) bool { return q[i].priority > q[j].priority }
func (q nodeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)        { *q = append(*q, x.(queueItem)) }
func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
