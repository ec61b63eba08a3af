package testutil

import (
	"database/sql"
	"os"
	"testing"

	"github.com/xxxsen/scrapeindex/internal/config"
	"github.com/xxxsen/scrapeindex/internal/db"
)

// OpenTestDB connects to the postgres named by TEST_DB_HOST, applies the
// migrations and empties every table. Tests are skipped without it.
func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping postgres test")
	}
	conn, err := db.Open(config.DatabaseConfig{
		Host:     host,
		Port:     5432,
		User:     "scrapeindex",
		Password: "scrapeindex_pass",
		DBName:   "scrapeindex_test",
		SSLMode:  "disable",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(conn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := conn.Exec(`TRUNCATE jobs, chunks, embedding_cache, provider_calls`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return conn, func() {
		_ = conn.Close()
	}
}
