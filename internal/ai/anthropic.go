package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 1024
	anthropicVersion          = "2023-06-01"
)

type anthropicProvider struct {
	baseURL string
	model   string
	args    Args
	caller  *httpCaller
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	System      string         `json:"system,omitempty"`
	Messages    []anthropicMsg `json:"messages"`
	Temperature *float32       `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func newAnthropic(args Args) *anthropicProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(args.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &anthropicProvider{
		baseURL: baseURL,
		model:   strings.TrimSpace(args.Model),
		args:    args,
		caller: &httpCaller{
			provider: string(KindAnthropic),
			client:   args.httpClient(),
			limiter:  args.limiter(),
			retry:    args.Retry,
			headers: map[string]string{
				"x-api-key":         strings.TrimSpace(args.APIKey),
				"anthropic-version": anthropicVersion,
			},
		},
	}
}

func (p *anthropicProvider) Name() string {
	return string(KindAnthropic)
}

func (p *anthropicProvider) buildRequest(messages []ChatMessage, opts ChatOptions, stream bool) anthropicRequest {
	model := opts.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	system := opts.System
	msgs := make([]anthropicMsg, 0, len(messages))
	for _, m := range messages {
		// system prompts travel outside the message list
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		msgs = append(msgs, anthropicMsg{Role: m.Role, Content: m.Content})
	}
	return anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    msgs,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
}

func (p *anthropicProvider) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.args.timeout())
	defer cancel()
	req := p.buildRequest(messages, opts, false)
	var out anthropicResponse
	if err := p.caller.postJSON(ctx, "chat", p.baseURL+"/v1/messages", req, &out); err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	model := out.Model
	if model == "" {
		model = req.Model
	}
	return &ChatResult{
		Content:      strings.TrimSpace(sb.String()),
		Model:        model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		TotalTokens:  out.Usage.InputTokens + out.Usage.OutputTokens,
	}, nil
}

func (p *anthropicProvider) ChatStream(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatStream, error) {
	req := p.buildRequest(messages, opts, true)
	resp, err := p.caller.openStream(ctx, "chat_stream", p.baseURL+"/v1/messages", req)
	if err != nil {
		return nil, err
	}
	return newChanStream(ctx, func(ctx context.Context, emit func(string) error) (*ChatResult, error) {
		defer resp.Body.Close()
		defer closeOnCancel(ctx, resp.Body)()
		var sb strings.Builder
		res := &ChatResult{Model: req.Model}
		err := readSSE(resp.Body, func(ev sseEvent) error {
			if ev.Data == "" {
				return nil
			}
			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
				return fmt.Errorf("decode anthropic stream event: %w", err)
			}
			switch event.Type {
			case "message_start":
				if event.Message.Model != "" {
					res.Model = event.Message.Model
				}
				res.InputTokens = event.Message.Usage.InputTokens
			case "content_block_delta":
				if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
					return nil
				}
				sb.WriteString(event.Delta.Text)
				return emit(event.Delta.Text)
			case "message_delta":
				res.OutputTokens = event.Usage.OutputTokens
			case "message_stop":
				return io.EOF
			case "error":
				if event.Error.Type == "rate_limit_error" || event.Error.Type == "overloaded_error" {
					return &ThrottleError{Provider: string(KindAnthropic), Message: event.Error.Message}
				}
				return fmt.Errorf("anthropic stream error: %s: %s", event.Error.Type, event.Error.Message)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		res.Content = sb.String()
		res.TotalTokens = res.InputTokens + res.OutputTokens
		return res, nil
	}), nil
}
