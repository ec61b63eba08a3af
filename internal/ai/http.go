package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

type httpCaller struct {
	provider string
	client   *http.Client
	limiter  *rate.Limiter
	retry    RetryPolicy
	headers  map[string]string
}

func (h *httpCaller) newRequest(ctx context.Context, endpoint string, body interface{}) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

// do sends one request, waiting on the limiter first. Non 2xx replies become
// a *StatusError with the body closed.
func (h *httpCaller) do(ctx context.Context, endpoint string, body interface{}) (*http.Response, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := h.newRequest(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			Provider:   h.provider,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       truncateBody(raw),
		}
	}
	return resp, nil
}

// postJSON posts body and decodes the reply into out, retrying throttled
// attempts.
func (h *httpCaller) postJSON(ctx context.Context, op, endpoint string, body, out interface{}) error {
	return withRetry(ctx, h.retry, h.provider+" "+op, func(ctx context.Context) error {
		resp, err := h.do(ctx, endpoint, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// openStream posts body and returns the open response for event reading.
// Only establishing the stream is retried.
func (h *httpCaller) openStream(ctx context.Context, op, endpoint string, body interface{}) (*http.Response, error) {
	var resp *http.Response
	err := withRetry(ctx, h.retry, h.provider+" "+op, func(ctx context.Context) error {
		r, err := h.do(ctx, endpoint, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

type sseEvent struct {
	Event string
	Data  string
}

// readSSE calls fn for every server sent event until the body ends or fn
// returns an error. io.EOF from fn stops reading without error.
func readSSE(r io.Reader, fn func(ev sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var ev sseEvent
	var data []string
	flush := func() error {
		if len(data) == 0 && ev.Event == "" {
			return nil
		}
		ev.Data = strings.Join(data, "\n")
		err := fn(ev)
		ev = sseEvent{}
		data = data[:0]
		return err
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// closeOnCancel closes body when ctx ends so a blocked read returns. The
// returned func releases the watcher.
func closeOnCancel(ctx context.Context, body io.Closer) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = body.Close()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}
