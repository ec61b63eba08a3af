// Package vectorindex hides the similarity search backend behind one
// interface. The backend is chosen by config through a registry.
package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xxxsen/scrapeindex/internal/config"
)

const DefaultTopK = 10

type Record struct {
	ID       string                 `json:"id"`
	Vector   []float32              `json:"vector"`
	Metadata map[string]interface{} `json:"metadata"`
}

type SearchOptions struct {
	TopK int
	// Filter keeps results whose metadata contains every key with an equal
	// value.
	Filter map[string]interface{}
}

type SearchResult struct {
	ID       string                 `json:"id"`
	Score    float32                `json:"score"`
	Metadata map[string]interface{} `json:"metadata"`
}

type Stats struct {
	Collection  string `json:"collection"`
	Dimension   int    `json:"dimension"`
	VectorCount int64  `json:"vector_count"`
}

// Index is implemented by every backend. Upsert overwrites records with the
// same id. Search returns at most TopK results by descending score and
// creates a missing collection using the query vector's dimension.
type Index interface {
	Name() string
	Initialize(ctx context.Context) error
	Ping(ctx context.Context) error
	CreateCollection(ctx context.Context, name string, dimension int) error
	HasCollection(ctx context.Context, name string) (bool, error)
	Upsert(ctx context.Context, collection string, records []Record) error
	Search(ctx context.Context, collection string, vector []float32, opts SearchOptions) ([]SearchResult, error)
	Delete(ctx context.Context, collection string, ids []string) error
	Get(ctx context.Context, collection string, id string) (*Record, error)
	GetStats(ctx context.Context, collection string) (*Stats, error)
	Close() error
}

// Deps carries shared resources some backends reuse.
type Deps struct {
	DSN string
}

type Factory func(args interface{}, deps Deps) (Index, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

// New builds the configured backend without connecting it.
func New(cfg config.VectorIndexConfig, deps Deps) (Index, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	if key == "" {
		return nil, fmt.Errorf("vector_index.type is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported vector index type: %s", cfg.Type)
	}
	return factory(cfg.Data, deps)
}

// EnsureCollection creates name with dimension if it does not exist yet.
func EnsureCollection(ctx context.Context, idx Index, name string, dimension int) error {
	ok, err := idx.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return idx.CreateCollection(ctx, name, dimension)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode vector index config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode vector index config: %w", err)
	}
	return nil
}

func normalizeTopK(topK int) int {
	if topK <= 0 {
		return DefaultTopK
	}
	return topK
}

func matchFilter(metadata, filter map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
