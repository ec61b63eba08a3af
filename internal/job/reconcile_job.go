// Package job holds the maintenance jobs run by the scheduler.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/events"
	"github.com/xxxsen/scrapeindex/internal/model"
	"github.com/xxxsen/scrapeindex/internal/vectorindex"
)

const reconcileBatch = 100

type StaleJobStore interface {
	ListStale(ctx context.Context, status model.JobStatus, before int64, limit int) ([]model.Job, error)
	MarkFailed(ctx context.Context, id string, reason string, mtime int64) error
}

// ReconcileJob fails jobs stuck in PROCESSING, typically left behind by a
// crashed process. A failed job is picked up again by the next ingest of the
// same content.
type ReconcileJob struct {
	jobs       StaleJobStore
	index      vectorindex.Index
	collection string
	staleAfter time.Duration
	publisher  events.Publisher
	now        func() time.Time
}

// NewReconcileJob builds the job. When index is non-nil, vectors already
// written for a stale job are deleted too.
func NewReconcileJob(jobs StaleJobStore, index vectorindex.Index, collection string, staleMinutes int, publisher events.Publisher) *ReconcileJob {
	if staleMinutes <= 0 {
		staleMinutes = 60
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &ReconcileJob{
		jobs:       jobs,
		index:      index,
		collection: collection,
		staleAfter: time.Duration(staleMinutes) * time.Minute,
		publisher:  publisher,
		now:        time.Now,
	}
}

func (j *ReconcileJob) Name() string {
	return "reconcile_stale_jobs"
}

func (j *ReconcileJob) Run(ctx context.Context) error {
	now := j.now()
	cutoff := now.Add(-j.staleAfter).Unix()
	logger := logutil.GetLogger(ctx)
	total := 0
	for {
		stale, err := j.jobs.ListStale(ctx, model.JobStatusProcessing, cutoff, reconcileBatch)
		if err != nil {
			return fmt.Errorf("list stale jobs: %w", err)
		}
		for _, item := range stale {
			if err := j.reconcile(ctx, item, now.Unix()); err != nil {
				return err
			}
		}
		total += len(stale)
		if len(stale) < reconcileBatch {
			break
		}
	}
	if total > 0 {
		logger.Warn("reconciled stale jobs", zap.Int("count", total))
	}
	return nil
}

func (j *ReconcileJob) reconcile(ctx context.Context, item model.Job, now int64) error {
	if j.index != nil && item.ChunkCount > 0 {
		ids := make([]string, 0, item.ChunkCount)
		for i := 0; i < item.ChunkCount; i++ {
			ids = append(ids, model.ChunkVectorID(item.ID, i))
		}
		if err := j.index.Delete(ctx, j.collection, ids); err != nil {
			logutil.GetLogger(ctx).Warn("delete stale vectors failed",
				zap.String("job_id", item.ID), zap.Error(err))
		}
	}
	reason := fmt.Sprintf("stuck in %s since %d", model.JobStatusProcessing, item.Mtime)
	if err := j.jobs.MarkFailed(ctx, item.ID, reason, now); err != nil {
		return fmt.Errorf("mark job %s failed: %w", item.ID, err)
	}
	j.publisher.Publish(ctx, events.JobEvent{
		JobID:       item.ID,
		Fingerprint: item.Fingerprint,
		Status:      model.JobStatusFailed,
		URL:         item.URL,
		Source:      item.Source,
		Error:       reason,
		Timestamp:   now,
	})
	return nil
}
