package jobs

import (
	"bonus_sync/internal/syncer"
	"context"
	"time"

	"go.uber.org/zap"
)

const DeltaSyncJobName = "delta_sync"

type DeltaSyncer interface {
	DeltaSync(ctx context.Context) (syncer.DeltaSummary, error)
}

// DeltaSyncJob refreshes recently modified deals. Each run is bounded by timeout.
type DeltaSyncJob struct {
	syncer  DeltaSyncer
	logger  *zap.Logger
	timeout time.Duration
}

func NewDeltaSyncJob(s DeltaSyncer, logger *zap.Logger, timeout time.Duration) *DeltaSyncJob {
	return &DeltaSyncJob{syncer: s, logger: logger, timeout: timeout}
}

func (j *DeltaSyncJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	start := time.Now()
	sum, err := j.syncer.DeltaSync(ctx)
	if err != nil {
		j.logger.Error("delta sync job failed",
			zap.Error(err),
			zap.Int("deals", sum.Deals),
			zap.Duration("duration", time.Since(start)))
		return
	}

	j.logger.Info("delta sync job completed",
		zap.Int("pages", sum.Pages),
		zap.Int("deals", sum.Deals),
		zap.Int("failed", sum.Failed),
		zap.Int("inserted", sum.Upserts.Inserted),
		zap.Int("updated", sum.Upserts.Updated),
		zap.Time("watermark", sum.Watermark),
		zap.Duration("duration", time.Since(start)))
}

// RegisterDeltaSyncJob schedules the job. An empty cronExpr disables it.
func RegisterDeltaSyncJob(scheduler *Scheduler, s DeltaSyncer, logger *zap.Logger, cronExpr string, timeout time.Duration) error {
	if cronExpr == "" {
		logger.Info("delta sync schedule not configured")
		return nil
	}
	job := NewDeltaSyncJob(s, logger, timeout)
	return scheduler.AddJob(DeltaSyncJobName, cronExpr, job.Run)
}
