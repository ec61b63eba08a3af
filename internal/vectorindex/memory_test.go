package vectorindex

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/scrapeindex/internal/config"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

func TestMemoryUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, EnsureCollection(ctx, idx, "c", 2))
	require.NoError(t, idx.Upsert(ctx, "c", []Record{{ID: "a", Vector: []float32{1, 0}, Metadata: map[string]interface{}{"v": 1}}}))
	require.NoError(t, idx.Upsert(ctx, "c", []Record{{ID: "a", Vector: []float32{0, 1}, Metadata: map[string]interface{}{"v": 2}}}))

	stats, err := idx.GetStats(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.VectorCount)
	require.Equal(t, 2, stats.Dimension)

	rec, err := idx.Get(ctx, "c", "a")
	require.NoError(t, err)
	require.Equal(t, []float32{0, 1}, rec.Vector)
	require.Equal(t, 2, rec.Metadata["v"])
}

func TestMemorySearchOrderAndTopK(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.CreateCollection(ctx, "c", 2))
	var records []Record
	for i := 0; i < 20; i++ {
		records = append(records, Record{ID: fmt.Sprintf("r%02d", i), Vector: []float32{1, float32(i)}})
	}
	require.NoError(t, idx.Upsert(ctx, "c", records))

	res, err := idx.Search(ctx, "c", []float32{1, 0}, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, DefaultTopK)
	require.Equal(t, "r00", res[0].ID)
	for i := 1; i < len(res); i++ {
		require.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
	}

	res, err = idx.Search(ctx, "c", []float32{1, 0}, SearchOptions{TopK: 3})
	require.NoError(t, err)
	require.Len(t, res, 3)
}

func TestMemorySearchFilter(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.CreateCollection(ctx, "c", 2))
	require.NoError(t, idx.Upsert(ctx, "c", []Record{
		{ID: "en", Vector: []float32{1, 0}, Metadata: map[string]interface{}{"language": "en"}},
		{ID: "fr", Vector: []float32{1, 0}, Metadata: map[string]interface{}{"language": "fr"}},
	}))
	res, err := idx.Search(ctx, "c", []float32{1, 0}, SearchOptions{Filter: map[string]interface{}{"language": "fr"}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "fr", res[0].ID)
}

func TestMemorySearchCreatesMissingCollection(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	res, err := idx.Search(ctx, "fresh", []float32{1, 2, 3}, SearchOptions{})
	require.NoError(t, err)
	require.Empty(t, res)
	ok, err := idx.HasCollection(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	stats, err := idx.GetStats(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, 3, stats.Dimension)
}

func TestMemoryDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.CreateCollection(ctx, "c", 2))
	require.Error(t, idx.Upsert(ctx, "c", []Record{{ID: "a", Vector: []float32{1, 2, 3}}}))
	require.Error(t, idx.CreateCollection(ctx, "c", 3))
}

func TestMemoryDeleteAndGetMissing(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.CreateCollection(ctx, "c", 1))
	require.NoError(t, idx.Upsert(ctx, "c", []Record{{ID: "a", Vector: []float32{1}}}))
	require.NoError(t, idx.Delete(ctx, "c", []string{"a", "missing"}))
	_, err := idx.Get(ctx, "c", "a")
	require.ErrorIs(t, err, appErr.ErrNotFound)
	require.NoError(t, idx.Delete(ctx, "nope", []string{"a"}))
}

func TestRegistryNew(t *testing.T) {
	idx, err := New(config.VectorIndexConfig{Type: "Memory"}, Deps{})
	require.NoError(t, err)
	require.Equal(t, "memory", idx.Name())

	_, err = New(config.VectorIndexConfig{Type: "milvus"}, Deps{})
	require.Error(t, err)

	idx, err = New(config.VectorIndexConfig{Type: "qdrant", Data: map[string]interface{}{"url": "http://q:6333"}}, Deps{})
	require.NoError(t, err)
	require.Equal(t, "qdrant", idx.Name())

	idx, err = New(config.VectorIndexConfig{Type: "pgvector"}, Deps{DSN: "postgres://x"})
	require.NoError(t, err)
	require.Equal(t, "vec_job_embeddings", idx.(*PGVectorIndex).table("job-embeddings"))
}
