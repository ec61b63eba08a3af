package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
	"github.com/xxxsen/scrapeindex/internal/vectorindex"
	"github.com/xxxsen/scrapeindex/test/testutil"
)

func TestPGVectorIndex(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()
	idx := vectorindex.NewPGVectorIndexWithDB(db, "test_vec_")
	require.NoError(t, idx.Initialize(ctx))
	_, err := db.Exec(`DROP TABLE IF EXISTS test_vec_jobs`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM vector_collections WHERE name = 'jobs'`)
	require.NoError(t, err)

	require.NoError(t, idx.CreateCollection(ctx, "jobs", 3))
	ok, err := idx.HasCollection(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, idx.Upsert(ctx, "jobs", []vectorindex.Record{
		{ID: "a_chunk_0", Vector: []float32{1, 0, 0}, Metadata: map[string]interface{}{"job_id": "a", "source": "web"}},
		{ID: "b_chunk_0", Vector: []float32{0, 1, 0}, Metadata: map[string]interface{}{"job_id": "b", "source": "rss"}},
	}))
	require.NoError(t, idx.Upsert(ctx, "jobs", []vectorindex.Record{
		{ID: "a_chunk_0", Vector: []float32{0.9, 0.1, 0}, Metadata: map[string]interface{}{"job_id": "a", "source": "web"}},
	}))

	res, err := idx.Search(ctx, "jobs", []float32{1, 0, 0}, vectorindex.SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, "a_chunk_0", res[0].ID)
	require.Greater(t, res[0].Score, res[1].Score)

	res, err = idx.Search(ctx, "jobs", []float32{1, 0, 0}, vectorindex.SearchOptions{TopK: 5, Filter: map[string]interface{}{"source": "rss"}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "b_chunk_0", res[0].ID)

	stats, err := idx.GetStats(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.VectorCount)
	require.Equal(t, 3, stats.Dimension)

	require.NoError(t, idx.Delete(ctx, "jobs", []string{"a_chunk_0"}))
	_, err = idx.Get(ctx, "jobs", "a_chunk_0")
	require.ErrorIs(t, err, appErr.ErrNotFound)
	require.NoError(t, idx.Close())
}
