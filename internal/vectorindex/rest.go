package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

// restClient is the json over http transport shared by the hosted backends.
// One instance lives as long as its index.
type restClient struct {
	name    string
	baseURL string
	headers map[string]string
	client  *http.Client
}

func newRestClient(name, baseURL string, headers map[string]string, timeout time.Duration) *restClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &restClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

type restError struct {
	backend    string
	method     string
	path       string
	statusCode int
	body       string
}

func (e *restError) Error() string {
	return fmt.Sprintf("%s %s %s failed: %d: %s", e.backend, e.method, e.path, e.statusCode, e.body)
}

func (e *restError) Unwrap() error {
	if e.statusCode == http.StatusNotFound {
		return appErr.ErrNotFound
	}
	if e.statusCode >= 500 {
		return appErr.ErrBackendUnavailable
	}
	return nil
}

func (c *restClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	return c.doURL(ctx, method, c.baseURL+path, body, out)
}

func (c *restClient) doURL(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %s: %v", appErr.ErrBackendUnavailable, c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &restError{
			backend:    c.name,
			method:     method,
			path:       req.URL.Path,
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(raw)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
