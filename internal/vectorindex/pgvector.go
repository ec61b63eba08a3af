package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

type pgvectorConfig struct {
	DSN         string `json:"dsn"`
	TablePrefix string `json:"table_prefix"`
}

// PGVectorIndex keeps each collection in its own table with an hnsw cosine
// index. vector_collections remembers the dimension of every table.
type PGVectorIndex struct {
	dsn    string
	prefix string

	mu sync.Mutex
	db *sql.DB
}

func NewPGVectorIndex(dsn, prefix string) *PGVectorIndex {
	if prefix == "" {
		prefix = "vec_"
	}
	return &PGVectorIndex{dsn: dsn, prefix: prefix}
}

// NewPGVectorIndexWithDB reuses an open pool, Close leaves it open.
func NewPGVectorIndexWithDB(db *sql.DB, prefix string) *PGVectorIndex {
	idx := NewPGVectorIndex("", prefix)
	idx.db = db
	return idx
}

var tableNameCleaner = regexp.MustCompile(`[^a-z0-9_]+`)

func (p *PGVectorIndex) table(collection string) string {
	return p.prefix + tableNameCleaner.ReplaceAllString(strings.ToLower(collection), "_")
}

func (p *PGVectorIndex) Name() string {
	return "pgvector"
}

func (p *PGVectorIndex) conn() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}
	if p.dsn == "" {
		return nil, appErr.Configurationf("pgvector dsn is required")
	}
	db, err := sql.Open("postgres", p.dsn)
	if err != nil {
		return nil, err
	}
	p.db = db
	return db, nil
}

func (p *PGVectorIndex) Initialize(ctx context.Context) error {
	db, err := p.conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS vector_collections (
			name TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			dimension INT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init pgvector: %w", err)
		}
	}
	return nil
}

func (p *PGVectorIndex) Ping(ctx context.Context) error {
	db, err := p.conn()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (p *PGVectorIndex) CreateCollection(ctx context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d", dimension)
	}
	db, err := p.conn()
	if err != nil {
		return err
	}
	table := p.table(name)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		)`, table, dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_hnsw ON %s USING hnsw (embedding vector_cosine_ops)`, table, table),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vector_collections (name, table_name, dimension) VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING`,
		name, table, dimension,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PGVectorIndex) HasCollection(ctx context.Context, name string) (bool, error) {
	_, err := p.dimension(ctx, name)
	if err == nil {
		return true, nil
	}
	if appErr.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (p *PGVectorIndex) dimension(ctx context.Context, name string) (int, error) {
	db, err := p.conn()
	if err != nil {
		return 0, err
	}
	var dim int
	err = db.QueryRowContext(ctx, `SELECT dimension FROM vector_collections WHERE name = $1`, name).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, appErr.ErrNotFound
	}
	return dim, err
}

func (p *PGVectorIndex) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	db, err := p.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, metadata) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata
	`, p.table(collection))
	for _, r := range records {
		md, err := json.Marshal(cloneMetadata(r.Metadata))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, r.ID, pgvector.NewVector(r.Vector), string(md)); err != nil {
			return fmt.Errorf("upsert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (p *PGVectorIndex) Search(ctx context.Context, collection string, vector []float32, opts SearchOptions) ([]SearchResult, error) {
	ok, err := p.HasCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		logutil.GetLogger(ctx).Warn("search on missing collection, creating it",
			zap.String("collection", collection), zap.Int("dimension", len(vector)))
		return []SearchResult{}, p.CreateCollection(ctx, collection, len(vector))
	}
	db, err := p.conn()
	if err != nil {
		return nil, err
	}
	filter, err := json.Marshal(cloneMetadata(opts.Filter))
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, metadata, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE metadata @> $2::jsonb
		ORDER BY embedding <=> $1
		LIMIT $3
	`, p.table(collection))
	rows, err := db.QueryContext(ctx, query, pgvector.NewVector(vector), string(filter), normalizeTopK(opts.TopK))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := make([]SearchResult, 0)
	for rows.Next() {
		var (
			res SearchResult
			raw []byte
		)
		if err := rows.Scan(&res.ID, &raw, &res.Score); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &res.Metadata); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (p *PGVectorIndex) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ok, err := p.HasCollection(ctx, collection)
	if err != nil || !ok {
		return err
	}
	db, err := p.conn()
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, p.table(collection))
	_, err = db.ExecContext(ctx, query, pq.Array(ids))
	return err
}

func (p *PGVectorIndex) Get(ctx context.Context, collection string, id string) (*Record, error) {
	db, err := p.conn()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, embedding, metadata FROM %s WHERE id = $1`, p.table(collection))
	var (
		rec Record
		vec pgvector.Vector
		raw []byte
	)
	if err := db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &vec, &raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	rec.Vector = vec.Slice()
	if err := json.Unmarshal(raw, &rec.Metadata); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PGVectorIndex) GetStats(ctx context.Context, collection string) (*Stats, error) {
	dim, err := p.dimension(ctx, collection)
	if err != nil {
		return nil, err
	}
	db, err := p.conn()
	if err != nil {
		return nil, err
	}
	var count int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM %s`, p.table(collection))).Scan(&count); err != nil {
		return nil, err
	}
	return &Stats{Collection: collection, Dimension: dim, VectorCount: count}, nil
}

func (p *PGVectorIndex) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil || p.dsn == "" {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func init() {
	Register("pgvector", func(args interface{}, deps Deps) (Index, error) {
		cfg := pgvectorConfig{}
		if err := decodeConfig(args, &cfg); err != nil {
			return nil, err
		}
		if cfg.DSN == "" {
			cfg.DSN = deps.DSN
		}
		return NewPGVectorIndex(cfg.DSN, cfg.TablePrefix), nil
	})
}
