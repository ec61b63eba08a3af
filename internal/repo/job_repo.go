package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/scrapeindex/internal/model"
	"github.com/xxxsen/scrapeindex/internal/pkg/dbutil"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

var jobColumns = []string{
	"id", "fingerprint", "status", "url", "title", "source", "language",
	"tags_json", "metadata_json", "content_text", "chunk_count", "vector_ids_json",
	"error", "published_at", "ctime", "mtime",
}

type JobRepo struct {
	db *sql.DB
}

func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

// Create inserts a job row. A second job with the same fingerprint fails with
// ErrConflict.
func (r *JobRepo) Create(ctx context.Context, job *model.Job) error {
	tagsJSON, err := json.Marshal(nonNilStrings(job.Tags))
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(nonNilMap(job.Metadata))
	if err != nil {
		return err
	}
	vectorJSON, err := json.Marshal(nonNilStrings(job.VectorIDs))
	if err != nil {
		return err
	}
	data := map[string]interface{}{
		"id":              job.ID,
		"fingerprint":     job.Fingerprint,
		"status":          string(job.Status),
		"url":             job.URL,
		"title":           job.Title,
		"source":          job.Source,
		"language":        job.Language,
		"tags_json":       string(tagsJSON),
		"metadata_json":   string(metaJSON),
		"content_text":    job.ContentText,
		"chunk_count":     job.ChunkCount,
		"vector_ids_json": string(vectorJSON),
		"error":           job.Error,
		"published_at":    job.PublishedAt,
		"ctime":           job.Ctime,
		"mtime":           job.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("jobs", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	if _, err := r.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	return r.getOne(ctx, map[string]interface{}{"id": id})
}

func (r *JobRepo) FindByFingerprint(ctx context.Context, fingerprint string) (*model.Job, error) {
	return r.getOne(ctx, map[string]interface{}{"fingerprint": fingerprint})
}

func (r *JobRepo) getOne(ctx context.Context, where map[string]interface{}) (*model.Job, error) {
	where["_limit"] = []uint{0, 1}
	sqlStr, args, err := builder.BuildSelect("jobs", where, jobColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	job, err := scanJob(r.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// UpdateStatusIf moves a job from one status to another only if it is still in
// the expected status. chunkCount is recorded alongside the transition.
func (r *JobRepo) UpdateStatusIf(ctx context.Context, id string, from, to model.JobStatus, chunkCount int, mtime int64) (bool, error) {
	const query = `
		UPDATE jobs
		SET status = $1, chunk_count = $2, error = '', mtime = $3
		WHERE id = $4 AND status = $5
	`
	res, err := r.db.ExecContext(ctx, query, string(to), chunkCount, mtime, id, string(from))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CompleteIndexing stores the chunk rows and vector ids and marks the job
// INDEXED in one transaction.
func (r *JobRepo) CompleteIndexing(ctx context.Context, id string, chunks []model.Chunk, vectorIDs []string, mtime int64) error {
	vectorJSON, err := json.Marshal(nonNilStrings(vectorIDs))
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := replaceChunksTx(ctx, tx, id, chunks); err != nil {
		return fmt.Errorf("write chunks: %w", err)
	}
	const query = `
		UPDATE jobs
		SET status = $1, chunk_count = $2, vector_ids_json = $3, error = '', mtime = $4
		WHERE id = $5
	`
	res, err := tx.ExecContext(ctx, query, string(model.JobStatusIndexed), len(chunks), string(vectorJSON), mtime, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return tx.Commit()
}

func (r *JobRepo) MarkFailed(ctx context.Context, id string, reason string, mtime int64) error {
	const query = `UPDATE jobs SET status = $1, error = $2, mtime = $3 WHERE id = $4`
	res, err := r.db.ExecContext(ctx, query, string(model.JobStatusFailed), reason, mtime, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

// ListByIDs loads jobs by id, keeping the order of ids. Jobs that do not match
// filter are left out.
func (r *JobRepo) ListByIDs(ctx context.Context, ids []string, filter model.JobFilter) ([]model.Job, error) {
	if len(ids) == 0 {
		return []model.Job{}, nil
	}
	where := map[string]interface{}{"id in": ids}
	if filter.Source != "" {
		where["source"] = filter.Source
	}
	if filter.Language != "" {
		where["language"] = filter.Language
	}
	sqlStr, args, err := builder.BuildSelect("jobs", where, jobColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := make(map[string]model.Job, len(ids))
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		byID[job.ID] = *job
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Job, 0, len(byID))
	for _, id := range ids {
		job, ok := byID[id]
		if !ok || !hasAllTags(job.Tags, filter.Tags) {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// ListStale returns jobs stuck in status since before the cutoff.
func (r *JobRepo) ListStale(ctx context.Context, status model.JobStatus, before int64, limit int) ([]model.Job, error) {
	where := map[string]interface{}{
		"status":   string(status),
		"mtime <":  before,
		"_orderby": "mtime asc",
		"_limit":   []uint{0, uint(limit)},
	}
	sqlStr, args, err := builder.BuildSelect("jobs", where, jobColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs := make([]model.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var status string
	var tagsJSON, metaJSON, vectorJSON []byte
	if err := row.Scan(
		&job.ID,
		&job.Fingerprint,
		&status,
		&job.URL,
		&job.Title,
		&job.Source,
		&job.Language,
		&tagsJSON,
		&metaJSON,
		&job.ContentText,
		&job.ChunkCount,
		&vectorJSON,
		&job.Error,
		&job.PublishedAt,
		&job.Ctime,
		&job.Mtime,
	); err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	if len(tagsJSON) > 0 {
		_ = json.Unmarshal(tagsJSON, &job.Tags)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &job.Metadata)
	}
	if len(vectorJSON) > 0 {
		_ = json.Unmarshal(vectorJSON, &job.VectorIDs)
	}
	return &job, nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func nonNilStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
