package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/harun/docsync/internal/observability"
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 1000

// Cached wraps a Provider with an LRU keyed by model and text. Repeated
// queries and re-ingested unchanged text skip the provider call.
type Cached struct {
	inner Provider
	cache *lru.Cache[string, []float32]
}

// NewCached wraps inner; size <= 0 uses DefaultCacheSize
func NewCached(inner Provider, size int) *Cached {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &Cached{inner: inner, cache: cache}
}

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(c.inner.Model() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (c *Cached) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if vec, ok := c.cache.Get(key); ok {
		observability.RecordEmbeddingCache(true)
		return vec, nil
	}
	observability.RecordEmbeddingCache(false)

	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedDocuments looks each text up separately and sends only the misses
// to the inner provider, in one batch
func (c *Cached) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkInput(texts); err != nil {
		return nil, err
	}

	results := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, text := range texts {
		if vec, ok := c.cache.Get(c.key(text)); ok {
			observability.RecordEmbeddingCache(true)
			results[i] = vec
			continue
		}
		observability.RecordEmbeddingCache(false)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedDocuments(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		results[idx] = fresh[j]
		c.cache.Add(c.key(texts[idx]), fresh[j])
	}
	return results, nil
}

func (c *Cached) Dimension() int {
	return c.inner.Dimension()
}

func (c *Cached) Model() string {
	return c.inner.Model()
}

// Len reports the number of cached vectors
func (c *Cached) Len() int {
	return c.cache.Len()
}

var _ Provider = (*Cached)(nil)
