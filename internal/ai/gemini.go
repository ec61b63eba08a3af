package ai

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const (
	defaultGeminiEmbedModel = "text-embedding-004"
	defaultGeminiChatModel  = "gemini-2.0-flash"
)

// geminiProvider holds one genai client for the whole process.
type geminiProvider struct {
	client   *genai.Client
	model    string
	taskType string
	args     Args
	limiter  *rate.Limiter
}

func newGemini(ctx context.Context, args Args) (*geminiProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:     strings.TrimSpace(args.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: args.HTTPClient,
	}
	if base := strings.TrimSpace(args.BaseURL); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	return &geminiProvider{
		client:   client,
		model:    strings.TrimSpace(args.Model),
		taskType: args.TaskType,
		args:     args,
		limiter:  args.limiter(),
	}, nil
}

func (p *geminiProvider) Name() string {
	return string(KindGemini)
}

func (p *geminiProvider) ModelName() string {
	if p.model != "" {
		return p.model
	}
	return defaultGeminiEmbedModel
}

func (p *geminiProvider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

func (p *geminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (p *geminiProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.args.timeout())
	defer cancel()
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, &genai.Content{Parts: []*genai.Part{{Text: text}}})
	}
	var config *genai.EmbedContentConfig
	if p.taskType != "" {
		config = &genai.EmbedContentConfig{TaskType: p.taskType}
	}
	var resp *genai.EmbedContentResponse
	err := withRetry(ctx, p.args.Retry, "gemini embeddings", func(ctx context.Context) error {
		if err := p.wait(ctx); err != nil {
			return err
		}
		r, err := p.client.Models.EmbedContent(ctx, p.ModelName(), contents, config)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			return nil, fmt.Errorf("gemini returned empty embedding at %d", i)
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

func (p *geminiProvider) buildChat(messages []ChatMessage, opts ChatOptions) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := opts.Model
	if model == "" {
		model = defaultGeminiChatModel
	}
	config := &genai.GenerateContentConfig{}
	system := opts.System
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := "user"
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		case "assistant", "model":
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if opts.Temperature != nil {
		t := *opts.Temperature
		config.Temperature = &t
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	return model, contents, config
}

func applyGeminiUsage(res *ChatResult, usage *genai.GenerateContentResponseUsageMetadata) {
	if usage == nil {
		return
	}
	res.InputTokens = int(usage.PromptTokenCount)
	res.OutputTokens = int(usage.CandidatesTokenCount)
	res.TotalTokens = int(usage.TotalTokenCount)
}

func (p *geminiProvider) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.args.timeout())
	defer cancel()
	model, contents, config := p.buildChat(messages, opts)
	var resp *genai.GenerateContentResponse
	err := withRetry(ctx, p.args.Retry, "gemini chat", func(ctx context.Context) error {
		if err := p.wait(ctx); err != nil {
			return err
		}
		r, err := p.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	res := &ChatResult{Content: strings.TrimSpace(resp.Text()), Model: model}
	applyGeminiUsage(res, resp.UsageMetadata)
	return res, nil
}

// ChatStream retries only until the first chunk arrives; after that a
// failure ends the stream.
func (p *geminiProvider) ChatStream(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatStream, error) {
	model, contents, config := p.buildChat(messages, opts)
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return newChanStream(ctx, func(ctx context.Context, emit func(string) error) (*ChatResult, error) {
		var sb strings.Builder
		res := &ChatResult{Model: model}
		err := withRetry(ctx, p.args.Retry, "gemini chat_stream", func(ctx context.Context) error {
			started := false
			for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
				if err != nil {
					if started {
						return fmt.Errorf("gemini stream interrupted: %w", nonRetryable{err})
					}
					return err
				}
				started = true
				applyGeminiUsage(res, resp.UsageMetadata)
				text := resp.Text()
				if text == "" {
					continue
				}
				sb.WriteString(text)
				if err := emit(text); err != nil {
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

// nonRetryable hides a throttle signal from withRetry once partial output has
// been emitted.
type nonRetryable struct {
	err error
}

func (n nonRetryable) Error() string {
	return n.err.Error()
}
