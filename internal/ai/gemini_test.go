package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

type geminiEmbedRequest struct {
	Requests []struct {
		Model   string `json:"model"`
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"requests"`
}

// geminiServer fakes the Gemini API. The first `throttle` calls get a 429,
// after that embeddings carry the input length and chats echo a fixed reply.
func geminiServer(t *testing.T, throttle int32) (*httptest.Server, *atomic.Int32, *atomic.Value) {
	t.Helper()
	var calls atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(string(body))
		w.Header().Set("Content-Type", "application/json")
		if n <= throttle {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, ":batchEmbedContents"):
			var req geminiEmbedRequest
			if err := json.Unmarshal(body, &req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			embeddings := make([]map[string]interface{}, 0, len(req.Requests))
			for _, item := range req.Requests {
				text := ""
				if len(item.Content.Parts) > 0 {
					text = item.Content.Parts[0].Text
				}
				embeddings = append(embeddings, map[string]interface{}{"values": []float32{float32(len(text)), 1}})
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": embeddings})
		case strings.HasSuffix(r.URL.Path, ":generateContent"):
			_, _ = fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":" a summary "}]}}],`+
				`"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &lastBody
}

func newTestGemini(t *testing.T, baseURL string) *geminiProvider {
	t.Helper()
	p, err := newGemini(context.Background(), Args{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Retry:   RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	return p
}

func TestGeminiEmbedBatchKeepsInputOrder(t *testing.T) {
	srv, calls, _ := geminiServer(t, 0)
	p := newTestGemini(t, srv.URL)

	out, err := p.EmbedBatch(context.Background(), []string{"a", "bbb", "cc"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, float32(1), out[0][0])
	require.Equal(t, float32(3), out[1][0])
	require.Equal(t, float32(2), out[2][0])
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "gemini", p.Name())
	require.Equal(t, defaultGeminiEmbedModel, p.ModelName())
}

func TestGeminiEmbedRetriesThrottle(t *testing.T) {
	srv, calls, _ := geminiServer(t, 1)
	p := newTestGemini(t, srv.URL)

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{5, 1}, vec)
	require.Equal(t, int32(2), calls.Load())
}

func TestGeminiEmbedGivesUpAfterMaxAttempts(t *testing.T) {
	srv, calls, _ := geminiServer(t, 100)
	p := newTestGemini(t, srv.URL)

	_, err := p.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, appErr.ErrRateLimitExceeded)
	require.Equal(t, int32(3), calls.Load())
}

func TestGeminiChat(t *testing.T) {
	srv, calls, lastBody := geminiServer(t, 1)
	p := newTestGemini(t, srv.URL)

	res, err := p.Chat(context.Background(), []ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "summarize this"},
	}, ChatOptions{MaxTokens: 64})
	require.NoError(t, err)
	require.Equal(t, "a summary", res.Content)
	require.Equal(t, defaultGeminiChatModel, res.Model)
	require.Equal(t, 7, res.InputTokens)
	require.Equal(t, 3, res.OutputTokens)
	require.Equal(t, 10, res.TotalTokens)
	require.Equal(t, int32(2), calls.Load())
	body, _ := lastBody.Load().(string)
	require.Contains(t, body, "be brief")
	require.Contains(t, body, "summarize this")
}

func TestBuildChatMapsRoles(t *testing.T) {
	p := &geminiProvider{}
	temp := float32(0.2)
	model, contents, config := p.buildChat([]ChatMessage{
		{Role: "system", Content: "rules"},
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "a"},
	}, ChatOptions{System: "base", Temperature: &temp, Model: "gemini-custom"})
	require.Equal(t, "gemini-custom", model)
	require.Len(t, contents, 2)
	require.Equal(t, "user", contents[0].Role)
	require.Equal(t, "model", contents[1].Role)
	require.Equal(t, "base\n\nrules", config.SystemInstruction.Parts[0].Text)
	require.Equal(t, temp, *config.Temperature)
}

func TestIsThrottleGenaiErrors(t *testing.T) {
	require.True(t, IsThrottle(genai.APIError{Code: http.StatusTooManyRequests}))
	require.True(t, IsThrottle(genai.APIError{Status: "RESOURCE_EXHAUSTED"}))
	require.True(t, IsThrottle(&genai.APIError{Status: "resource_exhausted"}))
	require.True(t, IsThrottle(fmt.Errorf("wrapped: %w", genai.APIError{Code: http.StatusTooManyRequests})))
	require.False(t, IsThrottle(genai.APIError{Code: http.StatusBadRequest, Status: "INVALID_ARGUMENT"}))
	require.False(t, IsThrottle(nonRetryable{genai.APIError{Code: http.StatusTooManyRequests}}))
	require.False(t, IsThrottle(errors.New("boom")))
}
