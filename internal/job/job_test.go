package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/scrapeindex/internal/events"
	"github.com/xxxsen/scrapeindex/internal/ingest"
	"github.com/xxxsen/scrapeindex/internal/model"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
	"github.com/xxxsen/scrapeindex/internal/vectorindex"
)

type fakePruner struct {
	cutoff int64
	err    error
}

func (p *fakePruner) DeleteBefore(_ context.Context, cutoff int64) (int64, error) {
	p.cutoff = cutoff
	return 3, p.err
}

func TestCacheCleanupUsesCutoff(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	cache, calls := &fakePruner{}, &fakePruner{}
	j := NewCacheCleanupJob(map[string]Pruner{"embedding_cache": cache, "provider_calls": calls}, 2)
	j.now = func() time.Time { return now }

	require.NoError(t, j.Run(context.Background()))
	want := now.Add(-48 * time.Hour).Unix()
	require.Equal(t, want, cache.cutoff)
	require.Equal(t, want, calls.cutoff)
}

func TestCacheCleanupReturnsPrunerError(t *testing.T) {
	j := NewCacheCleanupJob(map[string]Pruner{"embedding_cache": &fakePruner{err: errors.New("db down")}}, 0)
	require.ErrorContains(t, j.Run(context.Background()), "db down")
}

func TestReconcileFailsStaleProcessingJobs(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(10_000, 0)
	store := ingest.NewMemoryStore()
	require.NoError(t, store.Create(ctx, &model.Job{ID: "stale", Fingerprint: "a", Status: model.JobStatusProcessing, ChunkCount: 2, Mtime: now.Add(-2 * time.Hour).Unix()}))
	require.NoError(t, store.Create(ctx, &model.Job{ID: "fresh", Fingerprint: "b", Status: model.JobStatusProcessing, Mtime: now.Add(-time.Minute).Unix()}))
	require.NoError(t, store.Create(ctx, &model.Job{ID: "done", Fingerprint: "c", Status: model.JobStatusIndexed, Mtime: 1}))

	index := vectorindex.NewMemoryIndex()
	require.NoError(t, index.CreateCollection(ctx, "jobs", 2))
	require.NoError(t, index.Upsert(ctx, "jobs", []vectorindex.Record{
		{ID: model.ChunkVectorID("stale", 0), Vector: []float32{1, 0}},
		{ID: model.ChunkVectorID("stale", 1), Vector: []float32{0, 1}},
		{ID: model.ChunkVectorID("fresh", 0), Vector: []float32{1, 1}},
	}))

	rec := events.NewRecorder(4)
	j := NewReconcileJob(store, index, "jobs", 30, rec)
	j.now = func() time.Time { return now }
	require.NoError(t, j.Run(ctx))

	stale, err := store.GetByID(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, stale.Status)
	require.NotEmpty(t, stale.Error)

	fresh, err := store.GetByID(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusProcessing, fresh.Status)

	done, err := store.GetByID(ctx, "done")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusIndexed, done.Status)

	_, err = index.Get(ctx, "jobs", model.ChunkVectorID("stale", 0))
	require.ErrorIs(t, err, appErr.ErrNotFound)
	_, err = index.Get(ctx, "jobs", model.ChunkVectorID("fresh", 0))
	require.NoError(t, err)

	evs := rec.Events()
	require.Len(t, evs, 1)
	require.Equal(t, "stale", evs[0].JobID)
	require.Equal(t, model.JobStatusFailed, evs[0].Status)
}

func TestReconcileWithoutIndex(t *testing.T) {
	ctx := context.Background()
	store := ingest.NewMemoryStore()
	require.NoError(t, store.Create(ctx, &model.Job{ID: "stale", Fingerprint: "a", Status: model.JobStatusProcessing, ChunkCount: 4, Mtime: 1}))
	require.NoError(t, NewReconcileJob(store, nil, "jobs", 1, nil).Run(ctx))
	job, err := store.GetByID(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, job.Status)
}
