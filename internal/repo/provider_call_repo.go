package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/scrapeindex/internal/model"
	"github.com/xxxsen/scrapeindex/internal/pkg/dbutil"
)

type ProviderCallRepo struct {
	db *sql.DB
}

func NewProviderCallRepo(db *sql.DB) *ProviderCallRepo {
	return &ProviderCallRepo{db: db}
}

func (r *ProviderCallRepo) Record(ctx context.Context, call *model.ProviderCall) error {
	data := map[string]interface{}{
		"id":            call.ID,
		"provider":      call.Provider,
		"operation":     call.Operation,
		"model":         call.Model,
		"input_tokens":  call.InputTokens,
		"output_tokens": call.OutputTokens,
		"total_tokens":  call.TotalTokens,
		"latency_ms":    call.LatencyMs,
		"success":       call.Success,
		"error":         call.Error,
		"ctime":         call.Ctime,
	}
	sqlStr, args, err := builder.BuildInsert("provider_calls", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *ProviderCallRepo) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM provider_calls WHERE ctime < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
