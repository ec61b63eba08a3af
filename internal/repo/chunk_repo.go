package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/scrapeindex/internal/model"
	"github.com/xxxsen/scrapeindex/internal/pkg/dbutil"
)

type ChunkRepo struct {
	db *sql.DB
}

func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

func (r *ChunkRepo) ListByJob(ctx context.Context, jobID string) ([]model.Chunk, error) {
	where := map[string]interface{}{"job_id": jobID, "_orderby": "position asc"}
	sqlStr, args, err := builder.BuildSelect("chunks", where, []string{
		"job_id", "position", "text", "start_offset", "end_offset", "approx_token_count", "vector_id",
	})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	chunks := make([]model.Chunk, 0)
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.JobID, &c.Position, &c.Text, &c.StartOffset, &c.EndOffset, &c.ApproxTokenCount, &c.VectorID); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ReplaceForJob swaps the stored chunks of a job in one transaction.
func (r *ChunkRepo) ReplaceForJob(ctx context.Context, jobID string, chunks []model.Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := replaceChunksTx(ctx, tx, jobID, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceChunksTx(ctx context.Context, tx *sql.Tx, jobID string, chunks []model.Chunk) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE job_id = $1`, jobID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	rows := make([]map[string]interface{}, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, map[string]interface{}{
			"job_id":             jobID,
			"position":           c.Position,
			"text":               c.Text,
			"start_offset":       c.StartOffset,
			"end_offset":         c.EndOffset,
			"approx_token_count": c.ApproxTokenCount,
			"vector_id":          c.VectorID,
		})
	}
	sqlStr, args, err := builder.BuildInsert("chunks", rows)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = tx.ExecContext(ctx, sqlStr, args...)
	return err
}
