package classifier

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/hyperjump/stylematch/internal/models"
)

// PredictionCache is an LRU cache of predictions keyed by image content hash.
type PredictionCache struct {
	capacity int
	cache    map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value *models.Prediction
}

// NewPredictionCache creates a cache holding up to capacity predictions.
func NewPredictionCache(capacity int) *PredictionCache {
	return &PredictionCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached prediction for key if present.
func (c *PredictionCache) Get(key string) (*models.Prediction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}
	return nil, false
}

// Set stores the prediction for key, evicting the least recently used entry
// when full.
func (c *PredictionCache) Set(key string, value *models.Prediction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: value})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached predictions.
func (c *PredictionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// CachedClassifier answers repeated uploads of the same image from a cache.
// Failed classifications are not cached.
type CachedClassifier struct {
	next  Classifier
	cache *PredictionCache
}

// NewCachedClassifier wraps next with an LRU of the given size.
func NewCachedClassifier(next Classifier, size int) *CachedClassifier {
	return &CachedClassifier{next: next, cache: NewPredictionCache(size)}
}

// Classify implements Classifier.
func (c *CachedClassifier) Classify(ctx context.Context, filename, contentType string, data []byte) (*models.Prediction, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if p, ok := c.cache.Get(key); ok {
		return clonePrediction(p), nil
	}
	p, err := c.next.Classify(ctx, filename, contentType, data)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, clonePrediction(p))
	return p, nil
}

func clonePrediction(p *models.Prediction) *models.Prediction {
	out := *p
	out.Embedding = append([]float32(nil), p.Embedding...)
	return &out
}
