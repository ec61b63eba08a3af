package vectorindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

type fakePinecone struct {
	mu       sync.Mutex
	host     string
	created  bool
	vectors  map[string]map[string]interface{}
	describe int
}

func (f *fakePinecone) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Api-Key") != "pk" || r.Header.Get("X-Pinecone-API-Version") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	enc := json.NewEncoder(w)
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/indexes":
		_ = enc.Encode(map[string]interface{}{"indexes": []interface{}{}})
	case r.Method == http.MethodPost && r.URL.Path == "/indexes":
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "job-embeddings" || body["metric"] != "cosine" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.created = true
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodGet && r.URL.Path == "/indexes/job-embeddings":
		f.describe++
		if !f.created {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = enc.Encode(map[string]interface{}{
			"name": "job-embeddings", "dimension": 2, "host": f.host,
			"status": map[string]interface{}{"ready": true, "state": "Ready"},
		})
	case r.URL.Path == "/vectors/upsert":
		var body struct {
			Vectors []map[string]interface{} `json:"vectors"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, v := range body.Vectors {
			f.vectors[v["id"].(string)] = v
		}
		_ = enc.Encode(map[string]interface{}{"upsertedCount": len(body.Vectors)})
	case r.URL.Path == "/query":
		matches := []map[string]interface{}{}
		for id, v := range f.vectors {
			matches = append(matches, map[string]interface{}{"id": id, "score": 0.5, "metadata": v["metadata"]})
		}
		_ = enc.Encode(map[string]interface{}{"matches": matches})
	case r.URL.Path == "/vectors/fetch":
		id := r.URL.Query().Get("ids")
		out := map[string]interface{}{}
		if v, ok := f.vectors[id]; ok {
			out[id] = map[string]interface{}{"id": id, "values": v["values"], "metadata": v["metadata"]}
		}
		_ = enc.Encode(map[string]interface{}{"vectors": out})
	case r.URL.Path == "/vectors/delete":
		var body struct {
			IDs []string `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, id := range body.IDs {
			delete(f.vectors, id)
		}
		_ = enc.Encode(map[string]interface{}{})
	case r.URL.Path == "/describe_index_stats":
		_ = enc.Encode(map[string]interface{}{"dimension": 2, "totalVectorCount": len(f.vectors)})
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func TestPineconeRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := &fakePinecone{vectors: map[string]map[string]interface{}{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	fake.host = srv.URL

	idx := NewPineconeIndex(pineconeConfig{APIKey: "pk", ControlURL: srv.URL})
	require.NoError(t, idx.Initialize(ctx))

	res, err := idx.Search(ctx, "job_embeddings", []float32{1, 0}, SearchOptions{})
	require.NoError(t, err)
	require.Empty(t, res)
	require.True(t, fake.created)

	require.NoError(t, idx.Upsert(ctx, "job_embeddings", []Record{
		{ID: "j_chunk_0", Vector: []float32{1, 0}, Metadata: map[string]interface{}{"job_id": "j"}},
	}))
	res, err = idx.Search(ctx, "job_embeddings", []float32{1, 0}, SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "j", res[0].Metadata["job_id"])

	rec, err := idx.Get(ctx, "job_embeddings", "j_chunk_0")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 0}, rec.Vector)

	stats, err := idx.GetStats(ctx, "job_embeddings")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.VectorCount)

	require.NoError(t, idx.Delete(ctx, "job_embeddings", []string{"j_chunk_0"}))
	_, err = idx.Get(ctx, "job_embeddings", "j_chunk_0")
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestPineconeRequiresAPIKey(t *testing.T) {
	idx := NewPineconeIndex(pineconeConfig{})
	require.ErrorIs(t, idx.Initialize(context.Background()), appErr.ErrConfiguration)
}

func TestPineconeIndexName(t *testing.T) {
	require.Equal(t, "job-embeddings", pineconeIndexName("Job_Embeddings"))
	require.Equal(t, "a-b", pineconeIndexName("--a..b--"))
}
