// Package extractor fetches a web page and reduces it to a
// StructuredDocument.
package extractor

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/config"
	"github.com/xxxsen/scrapeindex/internal/model"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

type Extractor interface {
	Extract(ctx context.Context, rawURL string) (*model.StructuredDocument, error)
}

type HTTPExtractor struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

func NewHTTPExtractor(cfg config.ExtractorConfig) *HTTPExtractor {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.MaxContentBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &HTTPExtractor{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (max 5)")
				}
				return nil
			},
		},
		userAgent: cfg.UserAgent,
		maxBytes:  maxBytes,
	}
}

func validateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}

func (e *HTTPExtractor) Extract(ctx context.Context, rawURL string) (*model.StructuredDocument, error) {
	u, err := validateURL(rawURL)
	if err != nil {
		return nil, appErr.NewExtractionError(rawURL, "invalid url", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, appErr.NewExtractionError(rawURL, "build request", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, appErr.NewExtractionError(rawURL, "fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, appErr.NewExtractionError(rawURL, fmt.Sprintf("http status %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return nil, appErr.NewExtractionError(rawURL, "read body", err)
	}
	if int64(len(body)) > e.maxBytes {
		return nil, appErr.NewExtractionError(rawURL, fmt.Sprintf("content exceeds %d bytes", e.maxBytes), nil)
	}

	finalURL := resp.Request.URL.String()
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var doc *model.StructuredDocument
	switch {
	case mediaType == "text/plain":
		doc = &model.StructuredDocument{ContentText: normalizeText(string(body))}
	case mediaType == "" || strings.Contains(mediaType, "html") || strings.Contains(mediaType, "xml"):
		doc, err = ParseHTML(body, resp.Request.URL)
		if err != nil {
			return nil, appErr.NewExtractionError(rawURL, "parse html", err)
		}
	default:
		return nil, appErr.NewExtractionError(rawURL, "unsupported content type "+mediaType, nil)
	}
	doc.URL = finalURL
	if doc.Language == "" {
		doc.Language = primaryLanguage(resp.Header.Get("Content-Language"))
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	if mediaType != "" {
		doc.Metadata["content_type"] = mediaType
	}
	logutil.GetLogger(ctx).Debug("page extracted",
		zap.String("url", finalURL),
		zap.Int("bytes", len(body)),
		zap.Int("text_chars", len(doc.ContentText)),
	)
	return doc, nil
}

func primaryLanguage(v string) string {
	v = strings.TrimSpace(strings.Split(v, ",")[0])
	return strings.ToLower(v)
}
