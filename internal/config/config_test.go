package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"providers":{"OpenAI":{"api_key":"k"}}}`))
	require.NoError(t, err)
	require.Equal(t, 64, cfg.Embedding.BatchSize)
	require.Equal(t, int64(604800), cfg.Embedding.CacheTTLSeconds)
	require.Equal(t, 512, cfg.Chunking.Size)
	require.Equal(t, 128, cfg.Chunking.Overlap)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, 500, cfg.Retry.BaseDelayMs)
	require.Equal(t, "memory", cfg.VectorIndex.Type)
	require.Equal(t, "job_embeddings", cfg.VectorIndex.Collection)
	require.Equal(t, 8, cfg.VectorIndex.ConnectAttempts)
	require.Equal(t, 3, cfg.Ingest.Concurrency)
	require.Equal(t, "k", cfg.Providers["openai"].APIKey)
}

func TestLoadRejectsOverlapNotLessThanSize(t *testing.T) {
	_, err := Load(writeConfig(t, `{"chunking":{"size":100,"overlap":100}}`))
	require.Error(t, err)
}

func TestLoadRejectsUnknownIndex(t *testing.T) {
	_, err := Load(writeConfig(t, `{"vector_index":{"type":"milvus"}}`))
	require.Error(t, err)
}

func TestLoadPgvectorNeedsDatabase(t *testing.T) {
	_, err := Load(writeConfig(t, `{"vector_index":{"type":"pgvector"}}`))
	require.Error(t, err)
	cfg, err := Load(writeConfig(t, `{"vector_index":{"type":"PGVector"},"database":{"host":"db"}}`))
	require.NoError(t, err)
	require.Equal(t, "pgvector", cfg.VectorIndex.Type)
}

func TestBuildDSN(t *testing.T) {
	dsn := DatabaseConfig{Host: "db", User: "u", Password: "p", DBName: "n"}.BuildDSN()
	require.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", dsn)
	require.Equal(t, "postgres://x", DatabaseConfig{DSN: "postgres://x"}.BuildDSN())
}
