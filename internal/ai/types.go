package ai

import (
	"context"
	"io"
	"sync"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatOptions struct {
	Model       string
	System      string
	Temperature *float32
	MaxTokens   int
}

type ChatResult struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
}

// StreamChunk carries either a text delta or, on the last chunk, the final
// aggregated result.
type StreamChunk struct {
	Delta  string
	Result *ChatResult
}

// ChatStream is a single pass sequence of chunks. Recv returns io.EOF after
// the chunk carrying the result. Close stops the transport and drops
// whatever has not been received.
type ChatStream interface {
	Recv() (*StreamChunk, error)
	Close() error
}

type streamItem struct {
	chunk *StreamChunk
	err   error
}

type chanStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	items  chan streamItem
	done   bool
	once   sync.Once
}

// produceFunc pushes deltas through emit and returns the final result.
type produceFunc func(ctx context.Context, emit func(delta string) error) (*ChatResult, error)

func newChanStream(parent context.Context, produce produceFunc) ChatStream {
	ctx, cancel := context.WithCancel(parent)
	s := &chanStream{ctx: ctx, cancel: cancel, items: make(chan streamItem)}
	go func() {
		defer close(s.items)
		emit := func(delta string) error {
			if delta == "" {
				return nil
			}
			select {
			case s.items <- streamItem{chunk: &StreamChunk{Delta: delta}}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		res, err := produce(ctx, emit)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		item := streamItem{err: err}
		if err == nil {
			item = streamItem{chunk: &StreamChunk{Result: res}}
		}
		select {
		case s.items <- item:
		case <-ctx.Done():
		}
	}()
	return s
}

func (s *chanStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	select {
	case item, ok := <-s.items:
		if !ok {
			s.done = true
			if err := s.ctx.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		if item.err != nil {
			s.done = true
			return nil, item.err
		}
		if item.chunk.Result != nil {
			s.done = true
		}
		return item.chunk, nil
	case <-s.ctx.Done():
		s.done = true
		return nil, s.ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		for range s.items {
		}
	})
	return nil
}

// CollectStream drains a stream and returns the final result.
func CollectStream(stream ChatStream) (*ChatResult, error) {
	defer stream.Close()
	var result *ChatResult
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if chunk.Result != nil {
			result = chunk.Result
		}
	}
	if result == nil {
		return nil, io.ErrUnexpectedEOF
	}
	return result, nil
}

// ReplayStream serves a result that is already known as a one chunk stream
// followed by the result.
func ReplayStream(ctx context.Context, res *ChatResult) ChatStream {
	return newChanStream(ctx, func(ctx context.Context, emit func(string) error) (*ChatResult, error) {
		if err := emit(res.Content); err != nil {
			return nil, err
		}
		return res, nil
	})
}
