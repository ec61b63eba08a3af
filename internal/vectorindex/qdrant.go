package vectorindex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

// payloadIDKey keeps the caller's record id, qdrant only accepts uuids and
// integers as point ids.
const payloadIDKey = "_record_id"

type qdrantConfig struct {
	URL            string `json:"url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type QdrantIndex struct {
	rest *restClient
}

func NewQdrantIndex(baseURL, apiKey string, timeout time.Duration) *QdrantIndex {
	return &QdrantIndex{
		rest: newRestClient("qdrant", baseURL, map[string]string{"api-key": apiKey}, timeout),
	}
}

func (q *QdrantIndex) Name() string {
	return "qdrant"
}

func (q *QdrantIndex) Initialize(ctx context.Context) error {
	return q.Ping(ctx)
}

func (q *QdrantIndex) Ping(ctx context.Context) error {
	return q.rest.do(ctx, http.MethodGet, "/collections", nil, nil)
}

func collectionPath(name string) string {
	return "/collections/" + url.PathEscape(name)
}

func pointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String()
}

func (q *QdrantIndex) CreateCollection(ctx context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d", dimension)
	}
	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	err := q.rest.do(ctx, http.MethodPut, collectionPath(name), body, nil)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

func (q *QdrantIndex) HasCollection(ctx context.Context, name string) (bool, error) {
	err := q.rest.do(ctx, http.MethodGet, collectionPath(name), nil, nil)
	if err == nil {
		return true, nil
	}
	if appErr.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (q *QdrantIndex) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		payload := cloneMetadata(r.Metadata)
		payload[payloadIDKey] = r.ID
		points = append(points, map[string]interface{}{
			"id":      pointID(r.ID),
			"vector":  r.Vector,
			"payload": payload,
		})
	}
	body := map[string]interface{}{"points": points}
	return q.rest.do(ctx, http.MethodPut, collectionPath(collection)+"/points?wait=true", body, nil)
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float32                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
	Vector  []float32              `json:"vector"`
}

func (p qdrantPoint) recordID() string {
	if id, ok := p.Payload[payloadIDKey].(string); ok {
		return id
	}
	return fmt.Sprint(p.ID)
}

func (p qdrantPoint) metadata() map[string]interface{} {
	md := cloneMetadata(p.Payload)
	delete(md, payloadIDKey)
	return md
}

func qdrantFilter(filter map[string]interface{}) map[string]interface{} {
	if len(filter) == 0 {
		return nil
	}
	must := make([]map[string]interface{}, 0, len(filter))
	for k, v := range filter {
		must = append(must, map[string]interface{}{
			"key":   k,
			"match": map[string]interface{}{"value": v},
		})
	}
	return map[string]interface{}{"must": must}
}

func (q *QdrantIndex) Search(ctx context.Context, collection string, vector []float32, opts SearchOptions) ([]SearchResult, error) {
	ok, err := q.HasCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		logutil.GetLogger(ctx).Warn("search on missing collection, creating it",
			zap.String("collection", collection), zap.Int("dimension", len(vector)))
		return []SearchResult{}, q.CreateCollection(ctx, collection, len(vector))
	}
	body := map[string]interface{}{
		"vector":       vector,
		"limit":        normalizeTopK(opts.TopK),
		"with_payload": true,
	}
	if f := qdrantFilter(opts.Filter); f != nil {
		body["filter"] = f
	}
	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	if err := q.rest.do(ctx, http.MethodPost, collectionPath(collection)+"/points/search", body, &resp); err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(resp.Result))
	for _, p := range resp.Result {
		results = append(results, SearchResult{ID: p.recordID(), Score: p.Score, Metadata: p.metadata()})
	}
	return results, nil
}

func (q *QdrantIndex) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]string, 0, len(ids))
	for _, id := range ids {
		points = append(points, pointID(id))
	}
	body := map[string]interface{}{"points": points}
	err := q.rest.do(ctx, http.MethodPost, collectionPath(collection)+"/points/delete?wait=true", body, nil)
	if appErr.IsNotFound(err) {
		return nil
	}
	return err
}

func (q *QdrantIndex) Get(ctx context.Context, collection string, id string) (*Record, error) {
	body := map[string]interface{}{
		"ids":          []string{pointID(id)},
		"with_payload": true,
		"with_vector":  true,
	}
	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	if err := q.rest.do(ctx, http.MethodPost, collectionPath(collection)+"/points", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, appErr.ErrNotFound
	}
	p := resp.Result[0]
	return &Record{ID: p.recordID(), Vector: p.Vector, Metadata: p.metadata()}, nil
}

func (q *QdrantIndex) GetStats(ctx context.Context, collection string) (*Stats, error) {
	var resp struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := q.rest.do(ctx, http.MethodGet, collectionPath(collection), nil, &resp); err != nil {
		return nil, err
	}
	return &Stats{
		Collection:  collection,
		Dimension:   resp.Result.Config.Params.Vectors.Size,
		VectorCount: resp.Result.PointsCount,
	}, nil
}

func (q *QdrantIndex) Close() error {
	q.rest.client.CloseIdleConnections()
	return nil
}

func init() {
	Register("qdrant", func(args interface{}, _ Deps) (Index, error) {
		cfg := &qdrantConfig{}
		if err := decodeConfig(args, cfg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.URL) == "" {
			cfg.URL = "http://localhost:6333"
		}
		return NewQdrantIndex(cfg.URL, cfg.APIKey, time.Duration(cfg.TimeoutSeconds)*time.Second), nil
	})
}
