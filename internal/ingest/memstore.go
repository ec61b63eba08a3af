package ingest

import (
	"context"
	"sync"

	"github.com/xxxsen/scrapeindex/internal/model"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

// MemoryStore is a JobStore kept in process. It backs runs without a
// database, such as the one-shot ingest command and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*model.Job
	byHash map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.Job), byHash: make(map[string]string)}
}

func cloneJob(job *model.Job) *model.Job {
	out := *job
	out.Tags = append([]string(nil), job.Tags...)
	out.VectorIDs = append([]string(nil), job.VectorIDs...)
	out.Chunks = append([]model.Chunk(nil), job.Chunks...)
	if job.Metadata != nil {
		out.Metadata = make(map[string]string, len(job.Metadata))
		for k, v := range job.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (s *MemoryStore) Create(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[job.Fingerprint]; ok {
		return appErr.ErrConflict
	}
	if _, ok := s.jobs[job.ID]; ok {
		return appErr.ErrConflict
	}
	s.jobs[job.ID] = cloneJob(job)
	s.byHash[job.Fingerprint] = job.ID
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) FindByFingerprint(ctx context.Context, fingerprint string) (*model.Job, error) {
	s.mu.RLock()
	id, ok := s.byHash[fingerprint]
	s.mu.RUnlock()
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *MemoryStore) UpdateStatusIf(_ context.Context, id string, from, to model.JobStatus, chunkCount int, mtime int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != from {
		return false, nil
	}
	job.Status = to
	job.ChunkCount = chunkCount
	job.Error = ""
	job.Mtime = mtime
	return true, nil
}

func (s *MemoryStore) CompleteIndexing(_ context.Context, id string, chunks []model.Chunk, vectorIDs []string, mtime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return appErr.ErrNotFound
	}
	job.Status = model.JobStatusIndexed
	job.Chunks = append([]model.Chunk(nil), chunks...)
	job.ChunkCount = len(chunks)
	job.VectorIDs = append([]string(nil), vectorIDs...)
	job.Error = ""
	job.Mtime = mtime
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, reason string, mtime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return appErr.ErrNotFound
	}
	job.Status = model.JobStatusFailed
	job.Error = reason
	job.Mtime = mtime
	return nil
}

// ListByIDs mirrors repo.JobRepo.ListByIDs.
func (s *MemoryStore) ListByIDs(_ context.Context, ids []string, filter model.JobFilter) ([]model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok || !MatchFilter(job, filter) {
			continue
		}
		out = append(out, *cloneJob(job))
	}
	return out, nil
}

// ListByJob returns the chunks stored with a job, in position order.
func (s *MemoryStore) ListByJob(_ context.Context, jobID string) ([]model.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return []model.Chunk{}, nil
	}
	return append([]model.Chunk{}, job.Chunks...), nil
}

// ListStale mirrors repo.JobRepo.ListStale.
func (s *MemoryStore) ListStale(_ context.Context, status model.JobStatus, before int64, limit int) ([]model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Job, 0)
	for _, job := range s.jobs {
		if len(out) >= limit {
			break
		}
		if job.Status == status && job.Mtime < before {
			out = append(out, *cloneJob(job))
		}
	}
	return out, nil
}

func MatchFilter(job *model.Job, filter model.JobFilter) bool {
	if filter.Source != "" && job.Source != filter.Source {
		return false
	}
	if filter.Language != "" && job.Language != filter.Language {
		return false
	}
	for _, want := range filter.Tags {
		found := false
		for _, have := range job.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
