package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/scrapeindex/internal/model"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
	"github.com/xxxsen/scrapeindex/internal/pkg/timeutil"
	"github.com/xxxsen/scrapeindex/internal/repo"
	"github.com/xxxsen/scrapeindex/test/testutil"
)

func newJob(id, fp string, status model.JobStatus, mtime int64) *model.Job {
	return &model.Job{
		ID:          id,
		Fingerprint: fp,
		Status:      status,
		URL:         "https://example.com/" + id,
		Title:       "title " + id,
		Source:      "web",
		Language:    "en",
		Tags:        []string{"go", "search"},
		Metadata:    map[string]string{"author": "a"},
		ContentText: "content of " + id,
		Ctime:       mtime,
		Mtime:       mtime,
	}
}

func fp(c byte) string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

func TestJobRepoLifecycle(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()
	jobs := repo.NewJobRepo(db)
	chunks := repo.NewChunkRepo(db)
	now := timeutil.NowUnix()

	require.NoError(t, jobs.Create(ctx, newJob("job-1", fp('a'), model.JobStatusPending, now)))
	require.ErrorIs(t, jobs.Create(ctx, newJob("job-2", fp('a'), model.JobStatusPending, now)), appErr.ErrConflict)

	found, err := jobs.FindByFingerprint(ctx, fp('a'))
	require.NoError(t, err)
	require.Equal(t, "job-1", found.ID)
	require.Equal(t, []string{"go", "search"}, found.Tags)
	require.Equal(t, "a", found.Metadata["author"])

	ok, err := jobs.UpdateStatusIf(ctx, "job-1", model.JobStatusPending, model.JobStatusProcessing, 2, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = jobs.UpdateStatusIf(ctx, "job-1", model.JobStatusPending, model.JobStatusProcessing, 2, now)
	require.NoError(t, err)
	require.False(t, ok)

	indexed := []model.Chunk{
		{JobID: "job-1", Position: 0, Text: "content", StartOffset: 0, EndOffset: 7, ApproxTokenCount: 2, VectorID: model.ChunkVectorID("job-1", 0)},
		{JobID: "job-1", Position: 1, Text: "of job-1", StartOffset: 8, EndOffset: 16, ApproxTokenCount: 2, VectorID: model.ChunkVectorID("job-1", 1)},
	}
	ids := []string{indexed[0].VectorID, indexed[1].VectorID}
	require.NoError(t, jobs.CompleteIndexing(ctx, "job-1", indexed, ids, now+1))

	got, err := jobs.GetByID(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusIndexed, got.Status)
	require.Equal(t, 2, got.ChunkCount)
	require.Equal(t, ids, got.VectorIDs)

	stored, err := chunks.ListByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, indexed, stored)

	require.NoError(t, jobs.MarkFailed(ctx, "job-1", "boom", now+2))
	got, err = jobs.GetByID(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, got.Status)
	require.Equal(t, "boom", got.Error)

	require.ErrorIs(t, jobs.MarkFailed(ctx, "missing", "x", now), appErr.ErrNotFound)
	_, err = jobs.GetByID(ctx, "missing")
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestJobRepoListByIDsKeepsOrderAndFilters(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()
	jobs := repo.NewJobRepo(db)
	now := timeutil.NowUnix()

	require.NoError(t, jobs.Create(ctx, newJob("a", fp('1'), model.JobStatusIndexed, now)))
	other := newJob("b", fp('2'), model.JobStatusIndexed, now)
	other.Source = "rss"
	other.Tags = []string{"go"}
	require.NoError(t, jobs.Create(ctx, other))

	list, err := jobs.ListByIDs(ctx, []string{"b", "a", "missing"}, model.JobFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "b", list[0].ID)
	require.Equal(t, "a", list[1].ID)

	list, err = jobs.ListByIDs(ctx, []string{"b", "a"}, model.JobFilter{Source: "rss"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "b", list[0].ID)

	list, err = jobs.ListByIDs(ctx, []string{"b", "a"}, model.JobFilter{Tags: []string{"search"}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "a", list[0].ID)
}

func TestJobRepoListStale(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()
	jobs := repo.NewJobRepo(db)

	require.NoError(t, jobs.Create(ctx, newJob("old", fp('o'), model.JobStatusProcessing, 100)))
	require.NoError(t, jobs.Create(ctx, newJob("new", fp('n'), model.JobStatusProcessing, 1000)))
	require.NoError(t, jobs.Create(ctx, newJob("done", fp('d'), model.JobStatusIndexed, 100)))

	stale, err := jobs.ListStale(ctx, model.JobStatusProcessing, 500, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "old", stale[0].ID)
}

func TestChunkRepoReplaceForJob(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()
	jobs := repo.NewJobRepo(db)
	chunks := repo.NewChunkRepo(db)
	require.NoError(t, jobs.Create(ctx, newJob("job-r", fp('r'), model.JobStatusProcessing, 1)))

	first := []model.Chunk{
		{JobID: "job-r", Position: 0, Text: "a", EndOffset: 1, VectorID: model.ChunkVectorID("job-r", 0)},
		{JobID: "job-r", Position: 1, Text: "b", StartOffset: 1, EndOffset: 2, VectorID: model.ChunkVectorID("job-r", 1)},
	}
	require.NoError(t, chunks.ReplaceForJob(ctx, "job-r", first))
	require.NoError(t, chunks.ReplaceForJob(ctx, "job-r", first[:1]))

	stored, err := chunks.ListByJob(ctx, "job-r")
	require.NoError(t, err)
	require.Equal(t, first[:1], stored)
}
