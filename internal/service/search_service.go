package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/ai"
	"github.com/xxxsen/scrapeindex/internal/model"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
	"github.com/xxxsen/scrapeindex/internal/vectorindex"
)

const (
	maxTopK = 100
	// chunks of one job tend to cluster, so ask the index for more hits
	// than jobs wanted
	searchOverfetch = 4
)

type JobLister interface {
	ListByIDs(ctx context.Context, ids []string, filter model.JobFilter) ([]model.Job, error)
}

type SearchService struct {
	embedder   ai.Embedder
	index      vectorindex.Index
	collection string
	jobs       JobLister
}

func NewSearchService(embedder ai.Embedder, index vectorindex.Index, collection string, jobs JobLister) *SearchService {
	return &SearchService{embedder: embedder, index: index, collection: collection, jobs: jobs}
}

// Search returns the jobs whose chunks are closest to query, best first, one
// entry per job.
func (s *SearchService) Search(ctx context.Context, query string, filter model.JobFilter, topK int) ([]model.Job, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", appErr.ErrInvalid)
	}
	if topK <= 0 {
		topK = vectorindex.DefaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	logger := logutil.GetLogger(ctx).With(zap.String("query", query), zap.Int("top_k", topK))
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		logger.Error("failed to embed search query", zap.Error(err))
		return nil, err
	}
	hits, err := s.index.Search(ctx, s.collection, vec, vectorindex.SearchOptions{
		TopK:   topK * searchOverfetch,
		Filter: indexFilter(filter),
	})
	if err != nil {
		logger.Error("vector search failed", zap.Error(err))
		return nil, err
	}
	ids, scores := rankJobs(hits)
	jobs, err := s.jobs.ListByIDs(ctx, ids, filter)
	if err != nil {
		return nil, err
	}
	if len(jobs) > topK {
		jobs = jobs[:topK]
	}
	for i := range jobs {
		jobs[i].Score = scores[jobs[i].ID]
		jobs[i].ContentText = ""
		jobs[i].Chunks = nil
	}
	logger.Debug("search done", zap.Int("hits", len(hits)), zap.Int("jobs", len(jobs)))
	return jobs, nil
}

// indexFilter pushes the scalar filters down to the index. Tags are matched
// against the job rows.
func indexFilter(filter model.JobFilter) map[string]interface{} {
	out := map[string]interface{}{}
	if filter.Source != "" {
		out["source"] = filter.Source
	}
	if filter.Language != "" {
		out["language"] = filter.Language
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// rankJobs collapses chunk hits to job ids in first seen order, keeping each
// job's best score. hits arrive sorted by score.
func rankJobs(hits []vectorindex.SearchResult) ([]string, map[string]float32) {
	ids := make([]string, 0, len(hits))
	scores := make(map[string]float32, len(hits))
	for _, h := range hits {
		jobID, _ := h.Metadata["job_id"].(string)
		if jobID == "" {
			continue
		}
		if _, ok := scores[jobID]; ok {
			continue
		}
		scores[jobID] = h.Score
		ids = append(ids, jobID)
	}
	return ids, scores
}
