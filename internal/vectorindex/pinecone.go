package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

const (
	defaultPineconeControlURL = "https://api.pinecone.io"
	defaultPineconeAPIVersion = "2024-07"
)

type pineconeConfig struct {
	APIKey          string `json:"api_key"`
	ControlURL      string `json:"control_url"`
	APIVersion      string `json:"api_version"`
	Cloud           string `json:"cloud"`
	Region          string `json:"region"`
	Namespace       string `json:"namespace"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	ReadyTimeoutSec int    `json:"ready_timeout_seconds"`
}

// PineconeIndex maps each collection to a serverless index. Data plane hosts
// are resolved once through the control plane and cached.
type PineconeIndex struct {
	cfg     pineconeConfig
	control *restClient
	data    *restClient

	mu    sync.RWMutex
	hosts map[string]string
}

func NewPineconeIndex(cfg pineconeConfig) *PineconeIndex {
	if cfg.ControlURL == "" {
		cfg.ControlURL = defaultPineconeControlURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultPineconeAPIVersion
	}
	if cfg.Cloud == "" {
		cfg.Cloud = "aws"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.ReadyTimeoutSec <= 0 {
		cfg.ReadyTimeoutSec = 120
	}
	headers := map[string]string{
		"Api-Key":                cfg.APIKey,
		"X-Pinecone-API-Version": cfg.APIVersion,
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	return &PineconeIndex{
		cfg:     cfg,
		control: newRestClient("pinecone", cfg.ControlURL, headers, timeout),
		data:    newRestClient("pinecone", "", headers, timeout),
		hosts:   make(map[string]string),
	}
}

var pineconeNameCleaner = regexp.MustCompile(`[^a-z0-9-]+`)

// pineconeIndexName turns a collection name into a valid index name, which
// only allows lower case letters, digits and hyphens.
func pineconeIndexName(collection string) string {
	name := pineconeNameCleaner.ReplaceAllString(strings.ToLower(collection), "-")
	return strings.Trim(name, "-")
}

func (p *PineconeIndex) Name() string {
	return "pinecone"
}

func (p *PineconeIndex) Initialize(ctx context.Context) error {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return appErr.Configurationf("pinecone api_key is required")
	}
	return p.Ping(ctx)
}

func (p *PineconeIndex) Ping(ctx context.Context) error {
	return p.control.do(ctx, http.MethodGet, "/indexes", nil, nil)
}

type pineconeDescription struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Host      string `json:"host"`
	Status    struct {
		Ready bool   `json:"ready"`
		State string `json:"state"`
	} `json:"status"`
}

func (p *PineconeIndex) describe(ctx context.Context, collection string) (*pineconeDescription, error) {
	desc := &pineconeDescription{}
	path := "/indexes/" + url.PathEscape(pineconeIndexName(collection))
	if err := p.control.do(ctx, http.MethodGet, path, nil, desc); err != nil {
		return nil, err
	}
	return desc, nil
}

func (p *PineconeIndex) CreateCollection(ctx context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d", dimension)
	}
	body := map[string]interface{}{
		"name":      pineconeIndexName(name),
		"dimension": dimension,
		"metric":    "cosine",
		"spec": map[string]interface{}{
			"serverless": map[string]interface{}{
				"cloud":  p.cfg.Cloud,
				"region": p.cfg.Region,
			},
		},
	}
	err := p.control.do(ctx, http.MethodPost, "/indexes", body, nil)
	if err != nil && !isStatus(err, http.StatusConflict) {
		return err
	}
	return p.waitIndexReady(ctx, name)
}

func (p *PineconeIndex) waitIndexReady(ctx context.Context, collection string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.ReadyTimeoutSec)*time.Second)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		desc, err := p.describe(ctx, collection)
		if err == nil && desc.Status.Ready && desc.Host != "" {
			p.cacheHost(collection, desc.Host)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: pinecone index %s not ready: %v", appErr.ErrBackendUnavailable, collection, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *PineconeIndex) HasCollection(ctx context.Context, name string) (bool, error) {
	desc, err := p.describe(ctx, name)
	if err != nil {
		if appErr.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if desc.Host != "" {
		p.cacheHost(name, desc.Host)
	}
	return true, nil
}

func (p *PineconeIndex) cacheHost(collection, host string) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	p.mu.Lock()
	p.hosts[collection] = strings.TrimRight(host, "/")
	p.mu.Unlock()
}

func (p *PineconeIndex) host(ctx context.Context, collection string) (string, error) {
	p.mu.RLock()
	host, ok := p.hosts[collection]
	p.mu.RUnlock()
	if ok {
		return host, nil
	}
	desc, err := p.describe(ctx, collection)
	if err != nil {
		return "", err
	}
	if desc.Host == "" {
		return "", fmt.Errorf("%w: pinecone index %s has no host yet", appErr.ErrBackendUnavailable, collection)
	}
	p.cacheHost(collection, desc.Host)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hosts[collection], nil
}

func (p *PineconeIndex) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	host, err := p.host(ctx, collection)
	if err != nil {
		return err
	}
	vectors := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		item := map[string]interface{}{
			"id":     r.ID,
			"values": r.Vector,
		}
		if len(r.Metadata) > 0 {
			item["metadata"] = r.Metadata
		}
		vectors = append(vectors, item)
	}
	body := map[string]interface{}{"vectors": vectors, "namespace": p.cfg.Namespace}
	return p.data.doURL(ctx, http.MethodPost, host+"/vectors/upsert", body, nil)
}

func pineconeFilter(filter map[string]interface{}) map[string]interface{} {
	if len(filter) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(filter))
	for k, v := range filter {
		out[k] = map[string]interface{}{"$eq": v}
	}
	return out
}

func (p *PineconeIndex) Search(ctx context.Context, collection string, vector []float32, opts SearchOptions) ([]SearchResult, error) {
	ok, err := p.HasCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		logutil.GetLogger(ctx).Warn("search on missing collection, creating it",
			zap.String("collection", collection), zap.Int("dimension", len(vector)))
		return []SearchResult{}, p.CreateCollection(ctx, collection, len(vector))
	}
	host, err := p.host(ctx, collection)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"vector":          vector,
		"topK":            normalizeTopK(opts.TopK),
		"includeMetadata": true,
		"namespace":       p.cfg.Namespace,
	}
	if f := pineconeFilter(opts.Filter); f != nil {
		body["filter"] = f
	}
	var resp struct {
		Matches []struct {
			ID       string                 `json:"id"`
			Score    float32                `json:"score"`
			Metadata map[string]interface{} `json:"metadata"`
		} `json:"matches"`
	}
	if err := p.data.doURL(ctx, http.MethodPost, host+"/query", body, &resp); err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		results = append(results, SearchResult{ID: m.ID, Score: m.Score, Metadata: cloneMetadata(m.Metadata)})
	}
	return results, nil
}

func (p *PineconeIndex) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	host, err := p.host(ctx, collection)
	if err != nil {
		if appErr.IsNotFound(err) {
			return nil
		}
		return err
	}
	body := map[string]interface{}{"ids": ids, "namespace": p.cfg.Namespace}
	return p.data.doURL(ctx, http.MethodPost, host+"/vectors/delete", body, nil)
}

func (p *PineconeIndex) Get(ctx context.Context, collection string, id string) (*Record, error) {
	host, err := p.host(ctx, collection)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("ids", id)
	if p.cfg.Namespace != "" {
		q.Set("namespace", p.cfg.Namespace)
	}
	var resp struct {
		Vectors map[string]struct {
			ID       string                 `json:"id"`
			Values   []float32              `json:"values"`
			Metadata map[string]interface{} `json:"metadata"`
		} `json:"vectors"`
	}
	if err := p.data.doURL(ctx, http.MethodGet, host+"/vectors/fetch?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	v, ok := resp.Vectors[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return &Record{ID: v.ID, Vector: v.Values, Metadata: cloneMetadata(v.Metadata)}, nil
}

func (p *PineconeIndex) GetStats(ctx context.Context, collection string) (*Stats, error) {
	host, err := p.host(ctx, collection)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Dimension        int   `json:"dimension"`
		TotalVectorCount int64 `json:"totalVectorCount"`
		Namespaces       map[string]struct {
			VectorCount int64 `json:"vectorCount"`
		} `json:"namespaces"`
	}
	if err := p.data.doURL(ctx, http.MethodPost, host+"/describe_index_stats", map[string]interface{}{}, &resp); err != nil {
		return nil, err
	}
	count := resp.TotalVectorCount
	if p.cfg.Namespace != "" {
		count = resp.Namespaces[p.cfg.Namespace].VectorCount
	}
	return &Stats{Collection: collection, Dimension: resp.Dimension, VectorCount: count}, nil
}

func (p *PineconeIndex) Close() error {
	p.control.client.CloseIdleConnections()
	p.data.client.CloseIdleConnections()
	return nil
}

func isStatus(err error, code int) bool {
	var re *restError
	if errors.As(err, &re) {
		return re.statusCode == code
	}
	return false
}

func init() {
	Register("pinecone", func(args interface{}, _ Deps) (Index, error) {
		cfg := pineconeConfig{}
		if err := decodeConfig(args, &cfg); err != nil {
			return nil, err
		}
		return NewPineconeIndex(cfg), nil
	})
}
