package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/scrapeindex/internal/chunker"
	"github.com/xxxsen/scrapeindex/internal/events"
	"github.com/xxxsen/scrapeindex/internal/fingerprint"
	"github.com/xxxsen/scrapeindex/internal/model"
	"github.com/xxxsen/scrapeindex/internal/vectorindex"
)

type countingEmbedder struct {
	calls     atomic.Int32
	texts     atomic.Int32
	completed atomic.Int32
	delay     time.Duration
	err       error
}

func (e *countingEmbedder) Name() string      { return "fake" }
func (e *countingEmbedder) ModelName() string { return "fake-1" }

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	e.texts.Add(int32(len(texts)))
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.completed.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		out = append(out, []float32{float32(len(t)), 1, float32(strings.Count(t, "a"))})
	}
	return out, nil
}

type fixture struct {
	store    *MemoryStore
	index    *vectorindex.MemoryIndex
	embedder *countingEmbedder
	recorder *events.Recorder
	orch     *Orchestrator
}

func newFixture(t *testing.T, size, overlap int) *fixture {
	t.Helper()
	ch, err := chunker.New(chunker.Config{Size: size, Overlap: overlap})
	require.NoError(t, err)
	f := &fixture{
		store:    NewMemoryStore(),
		index:    vectorindex.NewMemoryIndex(),
		embedder: &countingEmbedder{},
		recorder: events.NewRecorder(256),
	}
	f.orch = NewOrchestrator(f.store, f.embedder, f.index, ch,
		WithCollection("jobs_test"),
		WithBatchSize(4),
		WithPublisher(f.recorder),
	)
	return f
}

func doc(text string) *model.StructuredDocument {
	return &model.StructuredDocument{URL: "https://example.com/a", Title: "A", ContentText: text, Language: "en"}
}

func (f *fixture) vectorCount(t *testing.T) int64 {
	stats, err := f.index.GetStats(context.Background(), "jobs_test")
	require.NoError(t, err)
	return stats.VectorCount
}

func TestIngestIndexesChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 3)
	id, err := f.orch.Ingest(ctx, doc(strings.Repeat("abcdefghij", 5)), "news")
	require.NoError(t, err)

	job, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusIndexed, job.Status)
	require.Equal(t, 7, job.ChunkCount)
	require.Len(t, job.VectorIDs, 7)
	require.Equal(t, id+"_chunk_0", job.VectorIDs[0])
	require.Equal(t, fingerprint.Sum(strings.Repeat("abcdefghij", 5)), job.Fingerprint)
	require.Equal(t, int64(7), f.vectorCount(t))

	rec, err := f.index.Get(ctx, "jobs_test", id+"_chunk_6")
	require.NoError(t, err)
	require.Equal(t, id, rec.Metadata["job_id"])
	require.Equal(t, 6, rec.Metadata["chunk_index"])
	require.Equal(t, "news", rec.Metadata["source"])

	var statuses []model.JobStatus
	for _, ev := range f.recorder.Events() {
		statuses = append(statuses, ev.Status)
	}
	require.Equal(t, []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing, model.JobStatusIndexed}, statuses)
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 3)
	text := strings.Repeat("lorem ipsum ", 10)
	first, err := f.orch.Ingest(ctx, doc(text), "s")
	require.NoError(t, err)
	calls := f.embedder.calls.Load()
	count := f.vectorCount(t)

	second, err := f.orch.Ingest(ctx, doc("\r\n"+text+"  "), "s")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, calls, f.embedder.calls.Load())
	require.Equal(t, count, f.vectorCount(t))
}

func TestIngestZeroChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 3)
	id, err := f.orch.Ingest(ctx, doc(""), "s")
	require.NoError(t, err)
	job, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusIndexed, job.Status)
	require.Equal(t, 0, job.ChunkCount)
	require.Zero(t, f.embedder.calls.Load())
}

func TestIngestConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 3)
	f.embedder.delay = 20 * time.Millisecond
	text := strings.Repeat("concurrent duplicate ", 4)

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = f.orch.Ingest(ctx, doc(text), "s")
		}(i)
	}
	wg.Wait()
	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	job, err := f.store.GetByID(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, int64(job.ChunkCount), f.vectorCount(t))
}

func TestIngestAcrossOrchestratorsSharesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 3)
	ch, err := chunker.New(chunker.Config{Size: 10, Overlap: 3})
	require.NoError(t, err)
	other := NewOrchestrator(f.store, f.embedder, f.index, ch, WithCollection("jobs_test"))

	text := strings.Repeat("two processes ", 3)
	a, err := f.orch.Ingest(ctx, doc(text), "s")
	require.NoError(t, err)
	b, err := other.Ingest(ctx, doc(text), "s")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestIngestFailureMarksFailedAndRetryReusesID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 3)
	f.embedder.err = errors.New("provider down")
	text := strings.Repeat("fail then succeed ", 3)

	id, err := f.orch.Ingest(ctx, doc(text), "s")
	require.Error(t, err)
	require.ErrorContains(t, err, "provider down")
	job, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "provider down")

	f.embedder.err = nil
	again, err := f.orch.Ingest(ctx, doc(text), "s")
	require.NoError(t, err)
	require.Equal(t, id, again)
	job, err = f.store.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusIndexed, job.Status)
	require.Empty(t, job.Error)
	require.Equal(t, int64(job.ChunkCount), f.vectorCount(t))
}

func (f *fixture) eventuallyStatus(t *testing.T, text string, want model.JobStatus) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		got, err := f.store.FindByFingerprint(context.Background(), fingerprint.Sum(text))
		if err != nil {
			return false
		}
		job = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestIngestCanceledLetsEmbedFinishAndMarksFailed(t *testing.T) {
	f := newFixture(t, 10, 3)
	f.embedder.delay = 100 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	text := strings.Repeat("slow ", 10)

	_, err := f.orch.Ingest(ctx, doc(text), "s")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	job := f.eventuallyStatus(t, text, model.JobStatusFailed)
	require.Contains(t, job.Error, context.DeadlineExceeded.Error())
	require.Equal(t, int32(1), f.embedder.completed.Load())
	ok, err := f.index.HasCollection(context.Background(), "jobs_test")
	require.NoError(t, err)
	require.False(t, ok)
}

type slowUpsertIndex struct {
	*vectorindex.MemoryIndex
	delay   time.Duration
	aborted atomic.Int32
	done    atomic.Int32
}

func (s *slowUpsertIndex) Upsert(ctx context.Context, collection string, records []vectorindex.Record) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		s.aborted.Add(1)
		return ctx.Err()
	}
	s.done.Add(1)
	return s.MemoryIndex.Upsert(ctx, collection, records)
}

func TestIngestCanceledDuringUpsertKeepsCallRunning(t *testing.T) {
	ch, err := chunker.New(chunker.Config{Size: 10, Overlap: 3})
	require.NoError(t, err)
	store := NewMemoryStore()
	index := &slowUpsertIndex{MemoryIndex: vectorindex.NewMemoryIndex(), delay: 100 * time.Millisecond}
	orch := NewOrchestrator(store, &countingEmbedder{}, index, ch, WithCollection("jobs_test"), WithBatchSize(4))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	text := strings.Repeat("abcdefghij", 5)
	_, err = orch.Ingest(ctx, doc(text), "s")
	require.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		job, err := store.FindByFingerprint(context.Background(), fingerprint.Sum(text))
		return err == nil && job.Status == model.JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, index.aborted.Load())
	// the first batch landed, the second was never sent
	require.Equal(t, int32(1), index.done.Load())
}

func TestIngestCanceledDuplicateDoesNotAffectOthers(t *testing.T) {
	f := newFixture(t, 10, 3)
	f.embedder.delay = 60 * time.Millisecond
	text := strings.Repeat("shared run ", 5)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := f.orch.Ingest(ctxA, doc(text), "s")
		errA <- err
	}()
	require.Eventually(t, func() bool { return f.embedder.calls.Load() > 0 }, time.Second, time.Millisecond)

	type result struct {
		id  string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		id, err := f.orch.Ingest(context.Background(), doc(text), "s")
		resB <- result{id, err}
	}()
	require.Eventually(t, func() bool {
		f.orch.mu.Lock()
		defer f.orch.mu.Unlock()
		fl := f.orch.flights[fingerprint.Sum(text)]
		return fl != nil && fl.waiters == 2
	}, time.Second, time.Millisecond)
	cancelA()

	require.ErrorIs(t, <-errA, context.Canceled)
	b := <-resB
	require.NoError(t, b.err)
	job, err := f.store.GetByID(context.Background(), b.id)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusIndexed, job.Status)
	require.Equal(t, int64(job.ChunkCount), f.vectorCount(t))
}

func TestIngestAfterAbandonedRunStartsFresh(t *testing.T) {
	f := newFixture(t, 10, 3)
	f.embedder.delay = 50 * time.Millisecond
	text := strings.Repeat("abandoned ", 5)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.orch.Ingest(ctx, doc(text), "s")
	require.Error(t, err)

	id, err := f.orch.Ingest(context.Background(), doc(text), "s")
	require.NoError(t, err)
	job, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusIndexed, job.Status)
}

func TestIngestRejectsNilDocument(t *testing.T) {
	f := newFixture(t, 10, 3)
	_, err := f.orch.Ingest(context.Background(), nil, "s")
	require.Error(t, err)
}

func TestMemoryStoreListByJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 3)
	id, err := f.orch.Ingest(ctx, doc(strings.Repeat("abcdefghij", 3)), "s")
	require.NoError(t, err)

	chunks, err := f.store.ListByJob(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		require.Equal(t, i, c.Position)
		require.Equal(t, id, c.JobID)
		require.Equal(t, model.ChunkVectorID(id, i), c.VectorID)
	}

	missing, err := f.store.ListByJob(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, missing)
}
