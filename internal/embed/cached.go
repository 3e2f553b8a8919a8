package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default number of cached embeddings.
const DefaultCacheSize = 4096

// Cached wraps a Provider with an LRU cache keyed by model and text.
// Repeated queries (and re-indexing of unchanged chunks) skip the
// backend entirely.
type Cached struct {
	inner Provider
	cache *lru.Cache[string, []float32]
}

// Verify interface implementation at compile time
var _ Provider = (*Cached)(nil)

// NewCached creates a caching decorator around inner.
func NewCached(inner Provider, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed returns cached vectors where possible and fetches the misses in
// a single pass through the inner provider, preserving input order.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.key(text)); ok {
			results[i] = vec
		} else {
			missTexts = append(missTexts, text)
			missIdx = append(missIdx, i)
		}
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	fetched, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for j, vec := range fetched {
		results[missIdx[j]] = vec
		c.cache.Add(c.key(missTexts[j]), vec)
	}

	return results, nil
}

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(c.inner.ModelName() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Dimensions returns the inner provider's dimension.
func (c *Cached) Dimensions() int {
	return c.inner.Dimensions()
}

// ModelName returns the inner provider's model identifier.
func (c *Cached) ModelName() string {
	return c.inner.ModelName()
}

// Close closes the inner provider.
func (c *Cached) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
