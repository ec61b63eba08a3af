// Package embedcache keeps computed embeddings keyed by provider and content
// fingerprint.
package embedcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/fingerprint"
	"github.com/xxxsen/scrapeindex/internal/model"
)

const (
	DefaultSize = 100000
	DefaultTTL  = 7 * 24 * time.Hour
)

// DurableStore is the persistent tier. It only tracks usage; hits are decided
// by the in memory tier.
type DurableStore interface {
	Save(ctx context.Context, item *model.EmbeddingCache) error
	Touch(ctx context.Context, provider, contentHash string, now int64) error
	DeleteByProvider(ctx context.Context, provider string) (int64, error)
}

type Cache struct {
	lru     *expirable.LRU[string, []float32]
	durable DurableStore
	now     func() time.Time

	mu   sync.Mutex
	dims map[string]int

	touchMu  sync.Mutex
	pending  map[touchKey]struct{}
	flushing bool
}

type touchKey struct {
	provider string
	hash     string
}

// New builds a cache. durable may be nil.
func New(size int, ttl time.Duration, durable DurableStore) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		lru:     expirable.NewLRU[string, []float32](size, nil, ttl),
		durable: durable,
		now:     time.Now,
		dims:    make(map[string]int),
		pending: make(map[touchKey]struct{}),
	}
}

func cacheKey(provider, contentHash string) string {
	return provider + ":" + contentHash
}

func (c *Cache) Get(ctx context.Context, text, provider string) ([]float32, bool) {
	return c.get(ctx, provider, fingerprint.Sum(text))
}

func (c *Cache) get(ctx context.Context, provider, hash string) ([]float32, bool) {
	cached, ok := c.lru.Get(cacheKey(provider, hash))
	if !ok {
		return nil, false
	}
	c.touch(ctx, provider, hash)
	return cloneEmbedding(cached), true
}

// touch queues a last-used update for the durable tier. Updates are written
// by a single background flusher and repeated hits on a key coalesce, so a
// slow or failing store never delays a hit.
func (c *Cache) touch(ctx context.Context, provider, hash string) {
	if c.durable == nil {
		return
	}
	c.touchMu.Lock()
	defer c.touchMu.Unlock()
	c.pending[touchKey{provider: provider, hash: hash}] = struct{}{}
	if c.flushing {
		return
	}
	c.flushing = true
	go c.flushTouches(context.WithoutCancel(ctx))
}

func (c *Cache) flushTouches(ctx context.Context) {
	for {
		c.touchMu.Lock()
		if len(c.pending) == 0 {
			c.flushing = false
			c.touchMu.Unlock()
			return
		}
		batch := c.pending
		c.pending = make(map[touchKey]struct{})
		c.touchMu.Unlock()

		now := c.now().Unix()
		for key := range batch {
			if err := c.durable.Touch(ctx, key.provider, key.hash, now); err != nil {
				logutil.GetLogger(ctx).Warn("touch durable embedding cache failed", zap.String("provider", key.provider), zap.Error(err))
			}
		}
	}
}

func (c *Cache) Put(ctx context.Context, text string, vector []float32, provider, modelName string) {
	c.put(ctx, provider, fingerprint.Sum(text), vector, modelName)
}

func (c *Cache) put(ctx context.Context, provider, hash string, vector []float32, modelName string) {
	if len(vector) == 0 {
		return
	}
	c.checkDimension(ctx, provider, len(vector))
	c.lru.Add(cacheKey(provider, hash), cloneEmbedding(vector))
	if c.durable == nil {
		return
	}
	now := c.now().Unix()
	if err := c.durable.Save(ctx, &model.EmbeddingCache{
		Provider:    provider,
		ContentHash: hash,
		ModelName:   modelName,
		Dimension:   len(vector),
		Embedding:   vector,
		LastUsedAt:  now,
		Ctime:       now,
	}); err != nil {
		logutil.GetLogger(ctx).Warn("failed to cache embedding", zap.String("provider", provider), zap.Error(err))
	}
}

// checkDimension drops a provider's entries when its vectors change size,
// e.g. after switching models. Other providers are untouched.
func (c *Cache) checkDimension(ctx context.Context, provider string, dim int) {
	c.mu.Lock()
	prev, ok := c.dims[provider]
	c.dims[provider] = dim
	c.mu.Unlock()
	if !ok || prev == dim {
		return
	}
	c.Purge(ctx, provider)
	logutil.GetLogger(ctx).Info("embedding dimension changed, provider cache purged",
		zap.String("provider", provider),
		zap.Int("old_dimension", prev),
		zap.Int("new_dimension", dim),
	)
}

// Purge removes every entry of provider from both tiers.
func (c *Cache) Purge(ctx context.Context, provider string) {
	prefix := provider + ":"
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
	if c.durable == nil {
		return
	}
	if _, err := c.durable.DeleteByProvider(ctx, provider); err != nil {
		logutil.GetLogger(ctx).Warn("purge durable embedding cache failed", zap.String("provider", provider), zap.Error(err))
	}
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
