package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

// Kind is the closed set of supported llm backends.
type Kind string

const (
	KindOpenAI     Kind = "openai"
	KindGemini     Kind = "gemini"
	KindAnthropic  Kind = "anthropic"
	KindOpenRouter Kind = "openrouter"
)

type Capability int

const (
	CapEmbed Capability = 1 << iota
	CapChat
)

var capabilities = map[Kind]Capability{
	KindOpenAI:     CapEmbed | CapChat,
	KindGemini:     CapEmbed | CapChat,
	KindAnthropic:  CapChat,
	KindOpenRouter: CapChat,
}

func ParseKind(name string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := capabilities[kind]; !ok {
		return "", appErr.Configurationf("unknown ai provider: %q", name)
	}
	return kind, nil
}

func (k Kind) Supports(c Capability) bool {
	return capabilities[k]&c == c
}

type Embedder interface {
	Name() string
	ModelName() string
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Chatter interface {
	Name() string
	Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (*ChatResult, error)
	ChatStream(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatStream, error)
}

// Args configure a provider client. Zero values fall back to per kind defaults.
type Args struct {
	APIKey            string
	BaseURL           string
	Model             string
	TaskType          string
	RequestsPerSecond float64
	Timeout           time.Duration
	Retry             RetryPolicy
	MaxBatchSize      int
	BatchParallel     int
	HTTPReferer       string
	XTitle            string
	HTTPClient        *http.Client
}

func (a Args) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{}
}

func (a Args) limiter() *rate.Limiter {
	if a.RequestsPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(a.RequestsPerSecond), 1)
}

func (a Args) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return 60 * time.Second
}

var defaultMaxBatch = map[Kind]int{
	KindOpenAI: 256,
	KindGemini: 100,
}

// NewEmbedder builds the embedding client for kind. Kinds without embedding
// support fail here rather than on first use.
func NewEmbedder(ctx context.Context, kind Kind, args Args) (Embedder, error) {
	if !kind.Supports(CapEmbed) {
		return nil, fmt.Errorf("%w: %s does not provide embeddings", appErr.ErrUnsupportedOperation, kind)
	}
	if strings.TrimSpace(args.APIKey) == "" {
		return nil, appErr.Configurationf("%s api_key is required", kind)
	}
	var (
		e   Embedder
		err error
	)
	switch kind {
	case KindOpenAI:
		e = newOpenAICompat(kind, args, defaultOpenAIBaseURL)
	case KindGemini:
		e, err = newGemini(ctx, args)
	default:
		return nil, fmt.Errorf("%w: %s", appErr.ErrUnsupportedOperation, kind)
	}
	if err != nil {
		return nil, err
	}
	maxBatch := args.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch[kind]
	}
	return WithMaxBatch(e, maxBatch, args.BatchParallel), nil
}

func NewChatter(ctx context.Context, kind Kind, args Args) (Chatter, error) {
	if !kind.Supports(CapChat) {
		return nil, fmt.Errorf("%w: %s does not provide chat", appErr.ErrUnsupportedOperation, kind)
	}
	if strings.TrimSpace(args.APIKey) == "" {
		return nil, appErr.Configurationf("%s api_key is required", kind)
	}
	switch kind {
	case KindOpenAI:
		return newOpenAICompat(kind, args, defaultOpenAIBaseURL), nil
	case KindOpenRouter:
		return newOpenAICompat(kind, args, defaultOpenRouterBaseURL), nil
	case KindAnthropic:
		return newAnthropic(args), nil
	case KindGemini:
		return newGemini(ctx, args)
	}
	return nil, fmt.Errorf("%w: %s", appErr.ErrUnsupportedOperation, kind)
}
