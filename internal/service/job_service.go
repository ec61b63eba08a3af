package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/ai"
	"github.com/xxxsen/scrapeindex/internal/model"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

const summarySystemPrompt = "You summarize web documents. Write a concise summary of the document in its own language, " +
	"keeping names, numbers and dates exact. Use at most five sentences and no preamble."

type JobReader interface {
	GetByID(ctx context.Context, id string) (*model.Job, error)
}

type ChunkLister interface {
	ListByJob(ctx context.Context, jobID string) ([]model.Chunk, error)
}

type JobService struct {
	jobs          JobReader
	chunks        ChunkLister
	chatter       ai.Chatter
	chatModel     string
	maxInputChars int
	summaries     *expirable.LRU[string, *ai.ChatResult]
}

func NewJobService(jobs JobReader, chunks ChunkLister, chatter ai.Chatter, chatModel string, maxInputChars int) *JobService {
	return &JobService{
		jobs:          jobs,
		chunks:        chunks,
		chatter:       chatter,
		chatModel:     chatModel,
		maxInputChars: maxInputChars,
		summaries:     expirable.NewLRU[string, *ai.ChatResult](1000, nil, 2*time.Hour),
	}
}

// Get returns the job with its chunks in position order.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: job id is required", appErr.ErrInvalid)
	}
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.chunks == nil {
		return job, nil
	}
	chunks, err := s.chunks.ListByJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Chunks = chunks
	return job, nil
}

func (s *JobService) Summarize(ctx context.Context, id string) (*ai.ChatResult, error) {
	job, messages, err := s.prepareSummary(ctx, id)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.summaries.Get(job.Fingerprint); ok {
		return cached, nil
	}
	res, err := s.chatter.Chat(ctx, messages, s.chatOptions())
	if err != nil {
		logutil.GetLogger(ctx).Error("summarize job failed", zap.String("job_id", id), zap.Error(err))
		return nil, err
	}
	s.summaries.Add(job.Fingerprint, res)
	return res, nil
}

// SummarizeStream is Summarize delivered as deltas. A summary already cached
// is replayed as a single delta.
func (s *JobService) SummarizeStream(ctx context.Context, id string) (ai.ChatStream, error) {
	job, messages, err := s.prepareSummary(ctx, id)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.summaries.Get(job.Fingerprint); ok {
		return ai.ReplayStream(ctx, cached), nil
	}
	stream, err := s.chatter.ChatStream(ctx, messages, s.chatOptions())
	if err != nil {
		return nil, err
	}
	return &cachingStream{ChatStream: stream, key: job.Fingerprint, cache: s.summaries}, nil
}

func (s *JobService) chatOptions() ai.ChatOptions {
	return ai.ChatOptions{Model: s.chatModel, System: summarySystemPrompt}
}

func (s *JobService) prepareSummary(ctx context.Context, id string) (*model.Job, []ai.ChatMessage, error) {
	if s.chatter == nil {
		return nil, nil, fmt.Errorf("%w: no chat provider configured", appErr.ErrUnsupportedOperation)
	}
	if strings.TrimSpace(id) == "" {
		return nil, nil, fmt.Errorf("%w: job id is required", appErr.ErrInvalid)
	}
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	text := s.cleanInput(job.ContentText)
	if text == "" {
		return nil, nil, fmt.Errorf("%w: job %s has no content", appErr.ErrInvalid, id)
	}
	var b strings.Builder
	if job.Title != "" {
		b.WriteString("Title: ")
		b.WriteString(job.Title)
		b.WriteString("\n")
	}
	if job.URL != "" {
		b.WriteString("URL: ")
		b.WriteString(job.URL)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(text)
	return job, []ai.ChatMessage{{Role: "user", Content: b.String()}}, nil
}

// cleanInput trims and cuts text to the configured rune budget.
func (s *JobService) cleanInput(input string) string {
	trimmed := strings.TrimSpace(input)
	if s.maxInputChars <= 0 {
		return trimmed
	}
	runes := []rune(trimmed)
	if len(runes) > s.maxInputChars {
		return string(runes[:s.maxInputChars])
	}
	return trimmed
}

type cachingStream struct {
	ai.ChatStream
	key   string
	cache *expirable.LRU[string, *ai.ChatResult]
}

func (c *cachingStream) Recv() (*ai.StreamChunk, error) {
	chunk, err := c.ChatStream.Recv()
	if err == nil && chunk.Result != nil {
		c.cache.Add(c.key, chunk.Result)
	}
	return chunk, err
}
