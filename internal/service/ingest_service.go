package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/panjf2000/ants/v2"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/extractor"
	"github.com/xxxsen/scrapeindex/internal/ingest"
	"github.com/xxxsen/scrapeindex/internal/model"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

// IngestService bounds how many extract and ingest runs happen at once. A
// call still waits for its own run and returns its result.
type IngestService struct {
	extractor extractor.Extractor
	orch      *ingest.Orchestrator
	pool      *ants.Pool
}

func NewIngestService(ex extractor.Extractor, orch *ingest.Orchestrator, concurrency int) (*IngestService, error) {
	if concurrency <= 0 {
		concurrency = 3
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, err
	}
	return &IngestService{extractor: ex, orch: orch, pool: pool}, nil
}

type ingestResult struct {
	jobID string
	err   error
}

func (s *IngestService) submit(ctx context.Context, fn func() (string, error)) (string, error) {
	ch := make(chan ingestResult, 1)
	if err := s.pool.Submit(func() {
		id, err := fn()
		ch <- ingestResult{jobID: id, err: err}
	}); err != nil {
		return "", fmt.Errorf("submit ingest: %w", err)
	}
	select {
	case r := <-ch:
		return r.jobID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *IngestService) IngestURL(ctx context.Context, rawURL, source string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("%w: url is required", appErr.ErrInvalid)
	}
	if s.extractor == nil {
		return "", fmt.Errorf("%w: no extractor configured", appErr.ErrUnsupportedOperation)
	}
	logger := logutil.GetLogger(ctx).With(zap.String("url", rawURL), zap.String("source", source))
	return s.submit(ctx, func() (string, error) {
		doc, err := s.extractor.Extract(ctx, rawURL)
		if err != nil {
			logger.Error("extract failed", zap.Error(err))
			return "", err
		}
		if doc.URL == "" {
			doc.URL = rawURL
		}
		return s.orch.Ingest(ctx, doc, source)
	})
}

// IngestDocument is for callers that extracted the document themselves.
func (s *IngestService) IngestDocument(ctx context.Context, doc *model.StructuredDocument, source string) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("%w: document is required", appErr.ErrInvalid)
	}
	return s.submit(ctx, func() (string, error) {
		return s.orch.Ingest(ctx, doc, source)
	})
}

func (s *IngestService) Running() int {
	return s.pool.Running()
}

func (s *IngestService) Close() {
	s.pool.Release()
}
