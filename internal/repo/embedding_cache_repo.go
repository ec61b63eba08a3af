package repo

import (
	"context"
	"database/sql"

	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/scrapeindex/internal/model"
)

type EmbeddingCacheRepo struct {
	db *sql.DB
}

func NewEmbeddingCacheRepo(db *sql.DB) *EmbeddingCacheRepo {
	return &EmbeddingCacheRepo{db: db}
}

func (r *EmbeddingCacheRepo) Get(ctx context.Context, provider, contentHash string) (*model.EmbeddingCache, bool, error) {
	const query = `
		SELECT provider, content_hash, model_name, dimension, embedding, hit_count, last_used_at, ctime
		FROM embedding_cache
		WHERE provider = $1 AND content_hash = $2
	`
	row := r.db.QueryRowContext(ctx, query, provider, contentHash)
	var item model.EmbeddingCache
	var embedding pgvector.Vector
	if err := row.Scan(&item.Provider, &item.ContentHash, &item.ModelName, &item.Dimension, &embedding, &item.HitCount, &item.LastUsedAt, &item.Ctime); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	item.Embedding = embedding.Slice()
	return &item, true, nil
}

func (r *EmbeddingCacheRepo) Save(ctx context.Context, item *model.EmbeddingCache) error {
	const query = `
		INSERT INTO embedding_cache (provider, content_hash, model_name, dimension, embedding, hit_count, last_used_at, ctime)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		ON CONFLICT (provider, content_hash) DO UPDATE SET
			model_name = EXCLUDED.model_name,
			dimension = EXCLUDED.dimension,
			embedding = EXCLUDED.embedding,
			last_used_at = EXCLUDED.last_used_at
	`
	_, err := r.db.ExecContext(ctx, query,
		item.Provider,
		item.ContentHash,
		item.ModelName,
		len(item.Embedding),
		pgvector.NewVector(item.Embedding),
		item.LastUsedAt,
		item.Ctime,
	)
	return err
}

// Touch records a fast tier hit.
func (r *EmbeddingCacheRepo) Touch(ctx context.Context, provider, contentHash string, now int64) error {
	const query = `
		UPDATE embedding_cache SET hit_count = hit_count + 1, last_used_at = $1
		WHERE provider = $2 AND content_hash = $3
	`
	_, err := r.db.ExecContext(ctx, query, now, provider, contentHash)
	return err
}

func (r *EmbeddingCacheRepo) DeleteByProvider(ctx context.Context, provider string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE provider = $1`, provider)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *EmbeddingCacheRepo) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	const query = `DELETE FROM embedding_cache WHERE last_used_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
