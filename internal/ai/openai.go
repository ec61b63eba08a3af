package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultOpenAIEmbedModel  = "text-embedding-3-small"
	defaultOpenAIChatModel   = "gpt-4o-mini"
)

// openAICompat talks to the openai rest api and to services that mirror it,
// openrouter being the one we use.
type openAICompat struct {
	kind    Kind
	baseURL string
	model   string
	caller  *httpCaller
	args    Args
}

type openAIChatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIChatMsg      `json:"messages"`
	Stream        bool                 `json:"stream"`
	Temperature   *float32             `json:"temperature,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func newOpenAICompat(kind Kind, args Args, defaultBaseURL string) *openAICompat {
	baseURL := strings.TrimRight(strings.TrimSpace(args.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	headers := map[string]string{"Authorization": "Bearer " + strings.TrimSpace(args.APIKey)}
	if kind == KindOpenRouter {
		headers["HTTP-Referer"] = args.HTTPReferer
		headers["X-Title"] = args.XTitle
	}
	return &openAICompat{
		kind:    kind,
		baseURL: baseURL,
		model:   strings.TrimSpace(args.Model),
		args:    args,
		caller: &httpCaller{
			provider: string(kind),
			client:   args.httpClient(),
			limiter:  args.limiter(),
			retry:    args.Retry,
			headers:  headers,
		},
	}
}

func (p *openAICompat) Name() string {
	return string(p.kind)
}

func (p *openAICompat) ModelName() string {
	if p.model != "" {
		return p.model
	}
	return defaultOpenAIEmbedModel
}

func (p *openAICompat) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (p *openAICompat) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.args.timeout())
	defer cancel()
	var out openAIEmbedResponse
	req := openAIEmbedRequest{Model: p.ModelName(), Input: texts}
	if err := p.caller.postJSON(ctx, "embeddings", p.baseURL+"/embeddings", req, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", p.kind, len(out.Data), len(texts))
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vectors := make([][]float32, len(texts))
	for i, item := range out.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}

func (p *openAICompat) chatModel(opts ChatOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	if p.model != "" {
		return p.model
	}
	return defaultOpenAIChatModel
}

func (p *openAICompat) buildChat(messages []ChatMessage, opts ChatOptions, stream bool) openAIChatRequest {
	msgs := make([]openAIChatMsg, 0, len(messages)+1)
	if opts.System != "" {
		msgs = append(msgs, openAIChatMsg{Role: "system", Content: opts.System})
	}
	for _, m := range messages {
		msgs = append(msgs, openAIChatMsg{Role: m.Role, Content: m.Content})
	}
	req := openAIChatRequest{
		Model:       p.chatModel(opts),
		Messages:    msgs,
		Stream:      stream,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if stream {
		req.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	return req
}

func (p *openAICompat) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.args.timeout())
	defer cancel()
	req := p.buildChat(messages, opts, false)
	var out openAIChatResponse
	if err := p.caller.postJSON(ctx, "chat", p.baseURL+"/chat/completions", req, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s response has no choices", p.kind)
	}
	res := &ChatResult{
		Content: strings.TrimSpace(out.Choices[0].Message.Content),
		Model:   out.Model,
	}
	if res.Model == "" {
		res.Model = req.Model
	}
	if out.Usage != nil {
		res.InputTokens = out.Usage.PromptTokens
		res.OutputTokens = out.Usage.CompletionTokens
		res.TotalTokens = out.Usage.TotalTokens
	}
	return res, nil
}

func (p *openAICompat) ChatStream(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatStream, error) {
	req := p.buildChat(messages, opts, true)
	resp, err := p.caller.openStream(ctx, "chat_stream", p.baseURL+"/chat/completions", req)
	if err != nil {
		return nil, err
	}
	return newChanStream(ctx, func(ctx context.Context, emit func(string) error) (*ChatResult, error) {
		defer resp.Body.Close()
		defer closeOnCancel(ctx, resp.Body)()
		var sb strings.Builder
		res := &ChatResult{Model: req.Model}
		err := readSSE(resp.Body, func(ev sseEvent) error {
			if ev.Data == "[DONE]" {
				return io.EOF
			}
			var chunk openAIChatResponse
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				return fmt.Errorf("decode %s stream chunk: %w", p.kind, err)
			}
			if chunk.Error != nil {
				if fmt.Sprint(chunk.Error.Code) == "429" {
					return &ThrottleError{Provider: string(p.kind), Message: chunk.Error.Message}
				}
				return fmt.Errorf("%s stream error: %s", p.kind, chunk.Error.Message)
			}
			if chunk.Model != "" {
				res.Model = chunk.Model
			}
			if chunk.Usage != nil {
				res.InputTokens = chunk.Usage.PromptTokens
				res.OutputTokens = chunk.Usage.CompletionTokens
				res.TotalTokens = chunk.Usage.TotalTokens
			}
			for _, c := range chunk.Choices {
				if c.Delta.Content == "" {
					continue
				}
				sb.WriteString(c.Delta.Content)
				if err := emit(c.Delta.Content); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		res.Content = sb.String()
		return res, nil
	}), nil
}
