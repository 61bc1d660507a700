package syncer

import (
	"bonus_sync/internal/logger"
	"bonus_sync/internal/progress"
	"bonus_sync/internal/repo"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	// Reset clears progress and the reference cache before starting.
	Reset bool
	// Fresh ignores any checkpoint and walks ids upward from the minimum.
	Fresh bool
	Fast  bool
	// Limit stops after this many deals; zero means no limit.
	Limit     int
	BonusCalc bool
}

type Summary struct {
	RunID           string
	Status          progress.Status
	Resumed         bool
	Processed       int64
	Succeeded       int64
	Failed          int64
	Upserts         repo.UpsertStats
	PushBack        PushStats
	LastProcessedID int64
	Duration        time.Duration
}

// pending counts deals handled since the last commit.
type pending struct {
	processed int64
	succeeded int64
	failed    int64
	lastID    int64
	records   []repo.DealRecord
}

// Run processes stored deal ids in chunks, resuming from the checkpoint when
// one exists. The checkpoint advances only after the rows of a chunk have been
// written, so a crash replays at most the unflushed buffer.
func (s *Service) Run(ctx context.Context, opts Options) (Summary, error) {
	started := s.now()

	runID := uuid.NewString()
	if err := s.tracker.Lock(runID); err != nil {
		if errors.Is(err, progress.ErrLocked) {
			return Summary{}, ErrRunInProgress
		}
		return Summary{}, fmt.Errorf("lock: %w", err)
	}
	defer func() {
		if err := s.tracker.Unlock(runID); err != nil {
			s.logger.Warn("failed to release sync lock", zap.Error(err))
		}
	}()

	if opts.Reset {
		if err := s.reset(); err != nil {
			return Summary{}, err
		}
	}

	log := logger.WithRun(s.logger, runID, modeName(opts))

	prev, err := s.tracker.Load()
	if err != nil {
		return Summary{}, fmt.Errorf("load checkpoint: %w", err)
	}

	var rng repo.IDRange
	err = callWithRetry(ctx, s.settings.RetryCount, func(c context.Context) error {
		var err error
		rng, err = s.store.DealIDRange(c)
		return err
	})
	if err != nil {
		s.markError(prev, err)
		return Summary{}, fmt.Errorf("deal id range: %w", err)
	}

	cp, cursor, resumed := s.plan(prev, rng, opts, runID)

	remaining, err := s.store.CountDealIDs(ctx, cursor, cp.Ascending())
	if err != nil {
		s.markError(cp, err)
		return Summary{}, fmt.Errorf("count remaining deals: %w", err)
	}
	if opts.Limit > 0 && remaining > int64(opts.Limit) {
		remaining = int64(opts.Limit)
	}
	cp.Target = cp.Processed + remaining

	if err := s.tracker.Save(cp); err != nil {
		return Summary{}, fmt.Errorf("save checkpoint: %w", err)
	}

	log.Info("sync started",
		zap.Bool("resumed", resumed),
		zap.String("direction", string(cp.Direction)),
		zap.Int64("cursor", cursor),
		zap.Int64("min_id", rng.Min),
		zap.Int64("max_id", rng.Max),
		zap.Int64("total_deals", rng.Total),
		zap.Int64("to_process", remaining),
		zap.Bool("fast", opts.Fast),
		zap.Bool("bonus_calc", opts.BonusCalc),
	)

	sum := Summary{RunID: runID, Resumed: resumed}
	loopErr := s.loop(ctx, log, cp, cursor, opts, &sum)

	sum.LastProcessedID = cp.LastProcessedID
	sum.Duration = s.now().Sub(started)

	// The checkpoint must survive cancellation, so it is written without ctx.
	switch {
	case loopErr == nil && cp.Status == progress.StatusCompleted:
		if err := s.tracker.Delete(); err != nil {
			log.Warn("failed to delete checkpoint", zap.Error(err))
		}
	case loopErr != nil && errors.Is(loopErr, context.Canceled), loopErr != nil && errors.Is(loopErr, context.DeadlineExceeded):
		cp.Status = progress.StatusIdle
		if err := s.tracker.Save(cp); err != nil {
			log.Warn("failed to save checkpoint", zap.Error(err))
		}
	case loopErr != nil:
		cp.Status = progress.StatusError
		cp.LastError = loopErr.Error()
		if err := s.tracker.Save(cp); err != nil {
			log.Warn("failed to save checkpoint", zap.Error(err))
		}
	default:
		if err := s.tracker.Save(cp); err != nil {
			log.Warn("failed to save checkpoint", zap.Error(err))
		}
	}
	sum.Status = cp.Status

	log.Info("sync finished",
		zap.String("status", string(sum.Status)),
		zap.Int64("processed", sum.Processed),
		zap.Int64("succeeded", sum.Succeeded),
		zap.Int64("failed", sum.Failed),
		zap.Int("inserted", sum.Upserts.Inserted),
		zap.Int("updated", sum.Upserts.Updated),
		zap.Int("unchanged", sum.Upserts.Unchanged),
		zap.Int("pushed_back", sum.PushBack.Updated),
		zap.Int("push_back_failed", sum.PushBack.Failed),
		zap.Int64("last_processed_id", sum.LastProcessedID),
		zap.Duration("duration", sum.Duration),
	)

	if loopErr != nil {
		return sum, loopErr
	}
	return sum, nil
}

// plan decides where the run starts. A checkpoint that is not completed is
// resumed in its own direction unless Fresh is set.
func (s *Service) plan(prev *progress.Checkpoint, rng repo.IDRange, opts Options, runID string) (*progress.Checkpoint, int64, bool) {
	now := s.now()

	if opts.Fresh || prev == nil || prev.Status == progress.StatusCompleted {
		cp := &progress.Checkpoint{
			RunID:      runID,
			Status:     progress.StatusRunning,
			Direction:  progress.Descending,
			TotalDeals: rng.Total,
			MinID:      rng.Min,
			MaxID:      rng.Max,
			StartTime:  now,
			ResumedAt:  now,
		}
		if opts.Fresh {
			cp.Direction = progress.Ascending
		}
		return cp, startCursor(cp.Direction, rng), false
	}

	cp := *prev
	cp.RunID = runID
	cp.Status = progress.StatusRunning
	cp.LastError = ""
	cp.TotalDeals = rng.Total
	cp.ResumedAt = now
	cp.ProcessedAtResume = cp.Processed
	if cp.Direction != progress.Ascending {
		cp.Direction = progress.Descending
	}
	if cp.StartTime.IsZero() {
		cp.StartTime = now
	}

	cursor := cp.LastProcessedID
	if cursor == 0 {
		cursor = startCursor(cp.Direction, rng)
	}
	return &cp, cursor, true
}

func modeName(opts Options) string {
	if opts.Fast {
		return "fast"
	}
	return "normal"
}

func startCursor(dir progress.Direction, rng repo.IDRange) int64 {
	if dir == progress.Ascending {
		return rng.Min - 1
	}
	return rng.Max + 1
}

func (s *Service) loop(ctx context.Context, log *zap.Logger, cp *progress.Checkpoint, cursor int64, opts Options, sum *Summary) error {
	profile := s.profile(opts.Fast)
	f := s.newFetcher(profile)

	refs, err := s.refs.References(ctx)
	if err != nil {
		return fmt.Errorf("load references: %w", err)
	}

	rate := s.clientRateIf(ctx, opts.BonusCalc)

	var (
		buf    pending
		chunks int
		taken  int
	)

	commit := func(c context.Context) {
		if len(buf.records) > 0 {
			stats, err := s.store.UpsertDeals(c, buf.records, repo.UpsertFull)
			if err != nil {
				n := int64(len(buf.records))
				buf.succeeded -= n
				buf.failed += n
				sum.Succeeded -= n
				sum.Failed += n
				log.Error("upsert failed, rows counted as failed",
					zap.Int("rows", len(buf.records)),
					zap.Int64("last_id", buf.lastID),
					zap.Error(err),
				)
			} else {
				sum.Upserts.Add(stats)
				if opts.BonusCalc {
					ps := s.pushBackAll(c, buf.records)
					sum.PushBack.Updated += ps.Updated
					sum.PushBack.Unchanged += ps.Unchanged
					sum.PushBack.Failed += ps.Failed
				}
			}
		}

		if buf.lastID != 0 {
			cp.LastProcessedID = buf.lastID
		}
		cp.Processed += buf.processed
		cp.Succeeded += buf.succeeded
		cp.Failed += buf.failed
		buf = pending{}
	}

	save := func() {
		cp.UpdateForecast(s.now())
		if err := s.tracker.Save(cp); err != nil {
			log.Warn("failed to save checkpoint", zap.Error(err))
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			s.finalCommit(commit)
			return err
		}

		pageSize := profile.PageSize
		if opts.Limit > 0 {
			left := opts.Limit - taken
			if left <= 0 {
				s.finalCommit(commit)
				cp.Status = progress.StatusIdle
				log.Info("deal limit reached, progress kept", zap.Int("limit", opts.Limit))
				return nil
			}
			pageSize = min(pageSize, left)
		}

		var ids []int64
		err := callWithRetry(ctx, s.settings.RetryCount, func(c context.Context) error {
			var err error
			ids, err = s.store.NextDealIDs(c, cursor, cp.Ascending(), pageSize)
			return err
		})
		if err != nil {
			s.finalCommit(commit)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("next deal ids after %d: %w", cursor, err)
		}
		if len(ids) == 0 {
			s.finalCommit(commit)
			cp.Status = progress.StatusCompleted
			return nil
		}

		if fresh, err := s.refs.References(ctx); err == nil {
			refs = fresh
		} else if ctx.Err() == nil {
			log.Warn("reference reload failed, keeping previous tables", zap.Error(err))
		}

		res := s.processChunk(ctx, f, ids, refs, rate)
		if ctx.Err() != nil {
			// A chunk cut short by cancellation is replayed on resume.
			s.finalCommit(commit)
			return ctx.Err()
		}

		cursor = ids[len(ids)-1]
		taken += len(ids)
		chunks++

		buf.processed += int64(len(ids))
		buf.succeeded += int64(len(res.records))
		buf.failed += int64(len(res.failed))
		buf.lastID = cursor
		buf.records = append(buf.records, res.records...)

		sum.Processed += int64(len(ids))
		sum.Succeeded += int64(len(res.records))
		sum.Failed += int64(len(res.failed))

		committed := false
		if len(buf.records) >= profile.BulkSize || len(buf.records) == 0 {
			commit(ctx)
			committed = true
		}
		if committed || chunks%profile.CheckpointEvery == 0 {
			save()
		}

		s.logProgress(log, cp, sum, cursor)

		if err := sleepCtx(ctx, profile.Delay); err != nil {
			s.finalCommit(commit)
			return err
		}
	}
}

// finalCommit flushes the buffer on a context that outlives cancellation.
func (s *Service) finalCommit(commit func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	commit(ctx)
}

func (s *Service) logProgress(log *zap.Logger, cp *progress.Checkpoint, sum *Summary, cursor int64) {
	now := s.now()
	done := cp.ProcessedAtResume + sum.Processed
	fields := []zap.Field{
		zap.Int64("processed", done),
		zap.Int64("target", cp.Target),
		zap.Float64("rate_per_min", ratePerMinute(sum.Processed, now.Sub(cp.ResumedAt))),
		zap.Int64("cursor", cursor),
		zap.Int64("failed", sum.Failed),
	}
	if cp.Target > 0 {
		fields = append(fields, zap.Float64("percent", float64(done)/float64(cp.Target)*100))
	}
	if cp.ForecastEnd != nil {
		fields = append(fields, zap.Time("eta", *cp.ForecastEnd))
	}
	log.Info("sync progress", fields...)
}

func ratePerMinute(n int64, elapsed time.Duration) float64 {
	if n <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Minutes()
}

// markError records a fatal failure in an existing checkpoint so the next run resumes.
func (s *Service) markError(cp *progress.Checkpoint, err error) {
	if cp == nil {
		return
	}
	cp.Status = progress.StatusError
	cp.LastError = err.Error()
	if saveErr := s.tracker.Save(cp); saveErr != nil {
		s.logger.Warn("failed to save checkpoint", zap.Error(saveErr))
	}
}
