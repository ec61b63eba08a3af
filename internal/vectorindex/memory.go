package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

type memoryCollection struct {
	dimension int
	records   map[string]Record
}

// MemoryIndex is an in process brute force cosine index.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
	closed      bool
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]*memoryCollection)}
}

func (m *MemoryIndex) Name() string {
	return "memory"
}

func (m *MemoryIndex) Initialize(ctx context.Context) error {
	return m.Ping(ctx)
}

func (m *MemoryIndex) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("memory index closed")
	}
	return nil
}

func (m *MemoryIndex) CreateCollection(_ context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d", dimension)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[name]; ok {
		if c.dimension != dimension {
			return fmt.Errorf("collection %s exists with dimension %d", name, c.dimension)
		}
		return nil
	}
	m.collections[name] = &memoryCollection{dimension: dimension, records: make(map[string]Record)}
	return nil
}

func (m *MemoryIndex) HasCollection(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *MemoryIndex) Upsert(_ context.Context, collection string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("collection %s: %w", collection, appErr.ErrNotFound)
	}
	for _, r := range records {
		if len(r.Vector) != c.dimension {
			return fmt.Errorf("record %s has dimension %d, collection %s expects %d", r.ID, len(r.Vector), collection, c.dimension)
		}
	}
	for _, r := range records {
		c.records[r.ID] = Record{ID: r.ID, Vector: cloneVector(r.Vector), Metadata: cloneMetadata(r.Metadata)}
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, collection string, vector []float32, opts SearchOptions) ([]SearchResult, error) {
	m.mu.RLock()
	c, ok := m.collections[collection]
	m.mu.RUnlock()
	if !ok {
		logutil.GetLogger(ctx).Warn("search on missing collection, creating it",
			zap.String("collection", collection), zap.Int("dimension", len(vector)))
		return []SearchResult{}, m.CreateCollection(ctx, collection, len(vector))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]SearchResult, 0, len(c.records))
	for _, r := range c.records {
		if !matchFilter(r.Metadata, opts.Filter) {
			continue
		}
		results = append(results, SearchResult{
			ID:       r.ID,
			Score:    cosine(vector, r.Vector),
			Metadata: cloneMetadata(r.Metadata),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if topK := normalizeTopK(opts.TopK); len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *MemoryIndex) Delete(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(c.records, id)
	}
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, collection string, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	r, ok := c.records[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return &Record{ID: r.ID, Vector: cloneVector(r.Vector), Metadata: cloneMetadata(r.Metadata)}, nil
}

func (m *MemoryIndex) GetStats(_ context.Context, collection string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return &Stats{Collection: collection, Dimension: c.dimension, VectorCount: int64(len(c.records))}, nil
}

func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func init() {
	Register("memory", func(interface{}, Deps) (Index, error) {
		return NewMemoryIndex(), nil
	})
}
