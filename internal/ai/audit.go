package ai

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/model"
)

// CallRecorder persists provider call audit rows.
type CallRecorder interface {
	Record(ctx context.Context, call *model.ProviderCall) error
}

const (
	OpEmbed      = "embed"
	OpEmbedBatch = "embed_batch"
	OpChat       = "chat"
	OpChatStream = "chat_stream"
)

type auditor struct {
	recorder CallRecorder
	now      func() time.Time
}

// record writes one audit row. Canceled calls have no result and are not
// recorded; recorder failures are only logged.
func (a *auditor) record(ctx context.Context, provider, op, modelName string, start time.Time, res *ChatResult, err error) {
	if a.recorder == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	call := &model.ProviderCall{
		ID:        uuid.NewString(),
		Provider:  provider,
		Operation: op,
		Model:     modelName,
		LatencyMs: a.now().Sub(start).Milliseconds(),
		Success:   err == nil,
		Ctime:     a.now().Unix(),
	}
	if err != nil {
		call.Error = err.Error()
	}
	if res != nil {
		if res.Model != "" {
			call.Model = res.Model
		}
		call.InputTokens = res.InputTokens
		call.OutputTokens = res.OutputTokens
		call.TotalTokens = res.TotalTokens
	}
	// the request context may already be done once the caller has its result
	if rerr := a.recorder.Record(context.WithoutCancel(ctx), call); rerr != nil {
		logutil.GetLogger(ctx).Warn("record provider call failed",
			zap.String("provider", provider),
			zap.String("op", op),
			zap.Error(rerr),
		)
	}
}

func WithEmbedAudit(e Embedder, recorder CallRecorder) Embedder {
	if e == nil || recorder == nil {
		return e
	}
	return &auditEmbedder{next: e, auditor: &auditor{recorder: recorder, now: time.Now}}
}

type auditEmbedder struct {
	next Embedder
	*auditor
}

func (a *auditEmbedder) Name() string {
	return a.next.Name()
}

func (a *auditEmbedder) ModelName() string {
	return a.next.ModelName()
}

func (a *auditEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	start := a.now()
	res, err := a.next.Embed(ctx, text)
	a.record(ctx, a.next.Name(), OpEmbed, a.next.ModelName(), start, nil, err)
	return res, err
}

func (a *auditEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := a.now()
	res, err := a.next.EmbedBatch(ctx, texts)
	a.record(ctx, a.next.Name(), OpEmbedBatch, a.next.ModelName(), start, nil, err)
	return res, err
}

func WithChatAudit(c Chatter, recorder CallRecorder) Chatter {
	if c == nil || recorder == nil {
		return c
	}
	return &auditChatter{next: c, auditor: &auditor{recorder: recorder, now: time.Now}}
}

type auditChatter struct {
	next Chatter
	*auditor
}

func (a *auditChatter) Name() string {
	return a.next.Name()
}

func (a *auditChatter) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (*ChatResult, error) {
	start := a.now()
	res, err := a.next.Chat(ctx, messages, opts)
	a.record(ctx, a.next.Name(), OpChat, opts.Model, start, res, err)
	return res, err
}

func (a *auditChatter) ChatStream(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatStream, error) {
	start := a.now()
	stream, err := a.next.ChatStream(ctx, messages, opts)
	if err != nil {
		a.record(ctx, a.next.Name(), OpChatStream, opts.Model, start, nil, err)
		return nil, err
	}
	return &auditStream{ChatStream: stream, ctx: ctx, start: start, parent: a, model: opts.Model}, nil
}

// auditStream records the call once the final result has been received.
// Streams closed early leave no audit row.
type auditStream struct {
	ChatStream
	ctx    context.Context
	start  time.Time
	parent *auditChatter
	model  string
}

func (s *auditStream) Recv() (*StreamChunk, error) {
	chunk, err := s.ChatStream.Recv()
	if err == nil && chunk.Result != nil {
		s.parent.record(s.ctx, s.parent.next.Name(), OpChatStream, s.model, s.start, chunk.Result, nil)
	}
	return chunk, err
}
