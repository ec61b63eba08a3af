package job

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Pruner deletes rows last touched before cutoff (unix seconds).
// repo.EmbeddingCacheRepo and repo.ProviderCallRepo both satisfy it.
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff int64) (int64, error)
}

type CacheCleanupJob struct {
	pruners map[string]Pruner
	maxAge  time.Duration
	now     func() time.Time
}

func NewCacheCleanupJob(pruners map[string]Pruner, maxAgeDays int) *CacheCleanupJob {
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	return &CacheCleanupJob{
		pruners: pruners,
		maxAge:  time.Duration(maxAgeDays) * 24 * time.Hour,
		now:     time.Now,
	}
}

func (j *CacheCleanupJob) Name() string {
	return "cache_cleanup"
}

func (j *CacheCleanupJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.maxAge).Unix()
	logger := logutil.GetLogger(ctx)
	for name, p := range j.pruners {
		if p == nil {
			continue
		}
		n, err := p.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune %s: %w", name, err)
		}
		logger.Info("pruned rows", zap.String("table", name), zap.Int64("deleted", n))
	}
	return nil
}
