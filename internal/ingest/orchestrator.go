// Package ingest turns an extracted document into indexed chunk vectors and
// keeps the job record in step with the work done.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xxxsen/scrapeindex/internal/ai"
	"github.com/xxxsen/scrapeindex/internal/chunker"
	"github.com/xxxsen/scrapeindex/internal/events"
	"github.com/xxxsen/scrapeindex/internal/fingerprint"
	"github.com/xxxsen/scrapeindex/internal/model"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
	"github.com/xxxsen/scrapeindex/internal/pkg/timeutil"
	"github.com/xxxsen/scrapeindex/internal/vectorindex"
)

const defaultBatchSize = 64

// JobStore is the durable side of a job. repo.JobRepo implements it.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	GetByID(ctx context.Context, id string) (*model.Job, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*model.Job, error)
	UpdateStatusIf(ctx context.Context, id string, from, to model.JobStatus, chunkCount int, mtime int64) (bool, error)
	CompleteIndexing(ctx context.Context, id string, chunks []model.Chunk, vectorIDs []string, mtime int64) error
	MarkFailed(ctx context.Context, id string, reason string, mtime int64) error
}

type Orchestrator struct {
	jobs       JobStore
	embedder   ai.Embedder
	index      vectorindex.Index
	chunker    *chunker.Chunker
	collection string
	batchSize  int
	publisher  events.Publisher
	newID      func() string
	now        func() int64

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the shared run for one fingerprint. Its context is canceled only
// once every caller waiting on it has gone away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	waiters int
	done    chan struct{}
}

type Option func(*Orchestrator)

func WithCollection(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithBatchSize sets how many chunks are embedded and upserted per round.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

func WithClock(fn func() int64) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

func NewOrchestrator(jobs JobStore, embedder ai.Embedder, index vectorindex.Index, ch *chunker.Chunker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		jobs:       jobs,
		embedder:   embedder,
		index:      index,
		chunker:    ch,
		collection: "job_embeddings",
		batchSize:  defaultBatchSize,
		publisher:  events.NopPublisher{},
		newID:      NewJobID,
		now:        timeutil.NowUnix,
		flights:    make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Collection() string {
	return o.collection
}

// Ingest indexes doc and returns its job id. Content that was seen before
// yields the existing job id without new work, unless that job failed, in
// which case it is processed again under the same id.
//
// Concurrent calls for the same content share one run. A caller whose ctx
// ends gets ctx.Err() back while the others keep waiting; the run itself is
// canceled, and its job marked FAILED, only when no caller is left.
func (o *Orchestrator) Ingest(ctx context.Context, doc *model.StructuredDocument, source string) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("%w: document is required", appErr.ErrInvalid)
	}
	fp := fingerprint.Sum(doc.ContentText)
	for {
		o.mu.Lock()
		f := o.flights[fp]
		if f != nil && f.waiters == 0 {
			// abandoned run still winding down, start fresh once it is gone
			o.mu.Unlock()
			select {
			case <-f.done:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if f == nil {
			runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
			f = &flight{ctx: runCtx, cancel: cancel, done: make(chan struct{})}
			o.flights[fp] = f
		}
		f.waiters++
		ch := o.group.DoChan(fp, func() (interface{}, error) {
			defer o.land(fp, f)
			return o.ingest(f.ctx, doc, source, fp)
		})
		o.mu.Unlock()

		select {
		case res := <-ch:
			o.leave(f, nil)
			if res.Shared {
				logutil.GetLogger(ctx).Debug("ingest collapsed into in-flight duplicate", zap.String("fingerprint", fp))
			}
			id, _ := res.Val.(string)
			return id, res.Err
		case <-ctx.Done():
			o.leave(f, context.Cause(ctx))
			return "", ctx.Err()
		}
	}
}

func (o *Orchestrator) leave(f *flight, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f.waiters--
	if f.waiters == 0 && cause != nil {
		f.cancel(cause)
	}
}

// land retires a finished run. It runs inside the shared call so no caller
// can attach to the finished call once the flight is gone.
func (o *Orchestrator) land(fp string, f *flight) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flights[fp] == f {
		delete(o.flights, fp)
	}
	o.group.Forget(fp)
	f.cancel(nil)
	close(f.done)
}

func (o *Orchestrator) ingest(ctx context.Context, doc *model.StructuredDocument, source, fp string) (string, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("fingerprint", fp), zap.String("url", doc.SourceURL()))

	chunks, err := o.chunker.Chunk(doc.ContentText)
	if err != nil {
		return "", err
	}

	job, err := o.claim(ctx, doc, source, fp, len(chunks))
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", errors.New("claim returned no job")
	}
	if job.Status != model.JobStatusProcessing {
		logger.Info("document already ingested", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return job.ID, nil
	}
	logger = logger.With(zap.String("job_id", job.ID))
	logger.Info("job processing", zap.Int("chunks", len(chunks)))

	if err := o.process(ctx, job, chunks); err != nil {
		o.fail(ctx, job, err)
		return job.ID, fmt.Errorf("ingest job %s: %w", job.ID, err)
	}
	logger.Info("job indexed", zap.Int("chunks", len(chunks)))
	return job.ID, nil
}

// claim finds or creates the job for fp and moves it to PROCESSING when this
// call should do the work. A job returned in any other status is someone
// else's and needs nothing more.
func (o *Orchestrator) claim(ctx context.Context, doc *model.StructuredDocument, source, fp string, chunkCount int) (*model.Job, error) {
	existing, err := o.jobs.FindByFingerprint(ctx, fp)
	switch {
	case err == nil:
		return o.reclaim(ctx, existing, chunkCount)
	case !appErr.IsNotFound(err):
		return nil, err
	}

	now := o.now()
	job := &model.Job{
		ID:          o.newID(),
		Fingerprint: fp,
		Status:      model.JobStatusPending,
		URL:         doc.SourceURL(),
		Title:       doc.Title,
		Source:      source,
		Language:    doc.Language,
		Tags:        doc.Tags,
		Metadata:    doc.Metadata,
		ContentText: doc.ContentText,
		Ctime:       now,
		Mtime:       now,
	}
	if doc.PublishedAt != nil {
		job.PublishedAt = doc.PublishedAt.Unix()
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		if !appErr.IsConflict(err) {
			return nil, err
		}
		// lost the race to another process, fold into its job
		winner, err := o.jobs.FindByFingerprint(ctx, fp)
		if err != nil {
			return nil, err
		}
		return winner, nil
	}
	o.publish(ctx, job, "")
	ok, err := o.jobs.UpdateStatusIf(ctx, job.ID, model.JobStatusPending, model.JobStatusProcessing, chunkCount, o.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return o.jobs.GetByID(ctx, job.ID)
	}
	job.Status = model.JobStatusProcessing
	job.ChunkCount = chunkCount
	o.publish(ctx, job, "")
	return job, nil
}

func (o *Orchestrator) reclaim(ctx context.Context, existing *model.Job, chunkCount int) (*model.Job, error) {
	if existing.Status != model.JobStatusFailed {
		return existing, nil
	}
	ok, err := o.jobs.UpdateStatusIf(ctx, existing.ID, model.JobStatusFailed, model.JobStatusProcessing, chunkCount, o.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return o.jobs.GetByID(ctx, existing.ID)
	}
	logutil.GetLogger(ctx).Info("retrying failed job", zap.String("job_id", existing.ID), zap.String("previous_error", existing.Error))
	existing.Status = model.JobStatusProcessing
	existing.ChunkCount = chunkCount
	existing.Error = ""
	o.publish(ctx, existing, "")
	return existing, nil
}

func (o *Orchestrator) process(ctx context.Context, job *model.Job, chunks []model.Chunk) error {
	vectorIDs := make([]string, 0, len(chunks))
	for i := range chunks {
		chunks[i].JobID = job.ID
		chunks[i].VectorID = model.ChunkVectorID(job.ID, chunks[i].Position)
		vectorIDs = append(vectorIDs, chunks[i].VectorID)
	}
	// calls already sent run to completion even when ctx ends, their result is
	// discarded by the checks between steps
	callCtx := context.WithoutCancel(ctx)
	ensured := false
	for start := 0; start < len(chunks); start += o.batchSize {
		if err := canceled(ctx); err != nil {
			return err
		}
		end := start + o.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, 0, len(batch))
		for _, c := range batch {
			texts = append(texts, c.Text)
		}
		vectors, err := o.embedder.EmbedBatch(callCtx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks %d-%d: %w", start, end, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end, len(vectors))
		}
		if err := canceled(ctx); err != nil {
			return err
		}
		if !ensured {
			if err := vectorindex.EnsureCollection(callCtx, o.index, o.collection, len(vectors[0])); err != nil {
				return fmt.Errorf("ensure collection: %w", err)
			}
			ensured = true
		}
		records := make([]vectorindex.Record, 0, len(batch))
		for i, c := range batch {
			records = append(records, vectorindex.Record{
				ID:       c.VectorID,
				Vector:   vectors[i],
				Metadata: chunkMetadata(job, c),
			})
		}
		if err := o.index.Upsert(callCtx, o.collection, records); err != nil {
			return fmt.Errorf("upsert vectors: %w", err)
		}
	}
	if err := canceled(ctx); err != nil {
		return err
	}
	if err := o.jobs.CompleteIndexing(callCtx, job.ID, chunks, vectorIDs, o.now()); err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}
	job.Status = model.JobStatusIndexed
	job.ChunkCount = len(chunks)
	job.VectorIDs = vectorIDs
	o.publish(ctx, job, "")
	return nil
}

// canceled reports why ctx ended, keeping a deadline distinct from a plain
// cancel when the run context carries the last caller's cause.
func canceled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

func chunkMetadata(job *model.Job, c model.Chunk) map[string]interface{} {
	md := map[string]interface{}{
		"job_id":      job.ID,
		"chunk_index": c.Position,
		"url":         job.URL,
		"title":       job.Title,
		"source":      job.Source,
	}
	if job.Language != "" {
		md["language"] = job.Language
	}
	return md
}

// fail records the failure even when ctx is already canceled, so the job
// never stays in PROCESSING because its caller went away.
func (o *Orchestrator) fail(ctx context.Context, job *model.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	reason := strings.TrimSpace(cause.Error())
	if err := o.jobs.MarkFailed(ctx, job.ID, reason, o.now()); err != nil {
		logutil.GetLogger(ctx).Error("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	logutil.GetLogger(ctx).Error("job failed", zap.String("job_id", job.ID), zap.Error(cause))
	job.Status = model.JobStatusFailed
	job.Error = reason
	o.publish(ctx, job, reason)
}

func (o *Orchestrator) publish(ctx context.Context, job *model.Job, reason string) {
	o.publisher.Publish(ctx, events.JobEvent{
		JobID:       job.ID,
		Fingerprint: job.Fingerprint,
		Status:      job.Status,
		URL:         job.URL,
		Source:      job.Source,
		ChunkCount:  job.ChunkCount,
		Error:       reason,
		Timestamp:   o.now(),
	})
}
