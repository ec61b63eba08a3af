package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type EmbedderEntry struct {
	Name     string
	Embedder Embedder
}

type ChatterEntry struct {
	Name    string
	Chatter Chatter
}

// NewGroupEmbedder tries each embedder in order until one succeeds. All
// entries must produce vectors of the same dimension.
func NewGroupEmbedder(items []EmbedderEntry) Embedder {
	if len(items) == 0 {
		return nil
	}
	if len(items) == 1 {
		return items[0].Embedder
	}
	return &groupEmbedder{items: items}
}

type groupEmbedder struct {
	items []EmbedderEntry
}

func (g *groupEmbedder) Name() string {
	return g.items[0].Embedder.Name()
}

func (g *groupEmbedder) ModelName() string {
	names := make([]string, 0, len(g.items))
	for _, item := range g.items {
		if item.Embedder == nil {
			continue
		}
		names = append(names, item.Embedder.ModelName())
	}
	return strings.Join(names, "|")
}

func (g *groupEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for i, item := range g.items {
		if item.Embedder == nil {
			continue
		}
		res, err := item.Embedder.Embed(ctx, text)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn("embedder failed", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	if lastErr == nil {
		return nil, fmt.Errorf("embedder not configured")
	}
	return nil, lastErr
}

func (g *groupEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for i, item := range g.items {
		if item.Embedder == nil {
			continue
		}
		res, err := item.Embedder.EmbedBatch(ctx, texts)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn("embedder batch failed", zap.Int("index", i), zap.String("name", item.Name), zap.Int("count", len(texts)), zap.Error(err))
	}
	if lastErr == nil {
		return nil, fmt.Errorf("embedder not configured")
	}
	return nil, lastErr
}

func NewGroupChatter(items []ChatterEntry) Chatter {
	if len(items) == 0 {
		return nil
	}
	if len(items) == 1 {
		return items[0].Chatter
	}
	return &groupChatter{items: items}
}

type groupChatter struct {
	items []ChatterEntry
}

func (g *groupChatter) Name() string {
	return g.items[0].Chatter.Name()
}

func (g *groupChatter) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (*ChatResult, error) {
	var lastErr error
	for i, item := range g.items {
		res, err := item.Chatter.Chat(ctx, messages, opts)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn("chatter failed", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	return nil, lastErr
}

// ChatStream fails over only while opening the stream.
func (g *groupChatter) ChatStream(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatStream, error) {
	var lastErr error
	for i, item := range g.items {
		stream, err := item.Chatter.ChatStream(ctx, messages, opts)
		if err == nil {
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn("chatter stream failed", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	return nil, lastErr
}
