package embedcache

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/ai"
	"github.com/xxxsen/scrapeindex/internal/fingerprint"
)

// Wrap returns an embedder that answers from c when it can and only sends
// misses to e.
func Wrap(e ai.Embedder, c *Cache) ai.Embedder {
	if e == nil || c == nil {
		return e
	}
	return &cachedEmbedder{next: e, cache: c}
}

// WrapGroup caches each entry under its own provider name and then fails
// over across them, so a vector is always stored under the provider that
// actually produced it.
func WrapGroup(entries []ai.EmbedderEntry, c *Cache) ai.Embedder {
	wrapped := make([]ai.EmbedderEntry, 0, len(entries))
	for _, entry := range entries {
		wrapped = append(wrapped, ai.EmbedderEntry{Name: entry.Name, Embedder: Wrap(entry.Embedder, c)})
	}
	return ai.NewGroupEmbedder(wrapped)
}

type cachedEmbedder struct {
	next  ai.Embedder
	cache *Cache
}

func (d *cachedEmbedder) Name() string {
	return d.next.Name()
}

func (d *cachedEmbedder) ModelName() string {
	return d.next.ModelName()
}

func (d *cachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := d.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (d *cachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	provider := d.next.Name()
	out := make([][]float32, len(texts))
	hashes := make([]string, len(texts))
	// identical texts inside one batch are embedded once
	missIndex := make(map[string][]int)
	missTexts := make([]string, 0)
	missHashes := make([]string, 0)
	for i, text := range texts {
		hash := fingerprint.Sum(text)
		hashes[i] = hash
		if vec, ok := d.cache.get(ctx, provider, hash); ok {
			out[i] = vec
			continue
		}
		if _, seen := missIndex[hash]; !seen {
			missTexts = append(missTexts, text)
			missHashes = append(missHashes, hash)
		}
		missIndex[hash] = append(missIndex[hash], i)
	}
	logutil.GetLogger(ctx).Debug("embedding cache lookup",
		zap.String("provider", provider),
		zap.Int("total", len(texts)),
		zap.Int("miss", len(missTexts)),
	)
	if len(missTexts) == 0 {
		return out, nil
	}
	vectors, err := d.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("%s returned %d vectors for %d inputs", provider, len(vectors), len(missTexts))
	}
	for i, vec := range vectors {
		hash := missHashes[i]
		d.cache.put(ctx, provider, hash, vec, d.next.ModelName())
		for _, idx := range missIndex[hash] {
			out[idx] = cloneEmbedding(vec)
		}
	}
	return out, nil
}
