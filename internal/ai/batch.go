package ai

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WithMaxBatch splits EmbedBatch calls into requests of at most maxBatch
// inputs, runs up to parallel of them at once and reassembles the vectors in
// input order.
func WithMaxBatch(e Embedder, maxBatch, parallel int) Embedder {
	if e == nil || maxBatch <= 0 {
		return e
	}
	if parallel <= 0 {
		parallel = 1
	}
	return &batchEmbedder{next: e, maxBatch: maxBatch, parallel: parallel}
}

type batchEmbedder struct {
	next     Embedder
	maxBatch int
	parallel int
}

func (b *batchEmbedder) Name() string {
	return b.next.Name()
}

func (b *batchEmbedder) ModelName() string {
	return b.next.ModelName()
}

func (b *batchEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return b.next.Embed(ctx, text)
}

func (b *batchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) <= b.maxBatch {
		return b.next.EmbedBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallel)
	for start := 0; start < len(texts); start += b.maxBatch {
		end := start + b.maxBatch
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vectors, err := b.next.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vectors) != end-start {
				return fmt.Errorf("%s returned %d vectors for %d inputs", b.next.Name(), len(vectors), end-start)
			}
			copy(out[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Debug("embedded in sub batches",
		zap.String("provider", b.next.Name()),
		zap.Int("count", len(texts)),
		zap.Int("max_batch", b.maxBatch),
	)
	return out, nil
}
