package syncer

import (
	"bonus_sync/internal/repo"
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ProcessDeal refreshes one deal on demand. Without bonusCalc only the
// descriptive columns are written and stored bonus values stay untouched.
func (s *Service) ProcessDeal(ctx context.Context, id int64, bonusCalc bool) (repo.DealRecord, error) {
	if id <= 0 {
		return repo.DealRecord{}, fmt.Errorf("invalid deal id %d", id)
	}

	refs, err := s.refs.References(ctx)
	if err != nil {
		return repo.DealRecord{}, fmt.Errorf("load references: %w", err)
	}

	rate := s.clientRateIf(ctx, bonusCalc)

	res := s.processChunk(ctx, s.newFetcher(s.settings.Normal), []int64{id}, refs, rate)
	if err := ctx.Err(); err != nil {
		return repo.DealRecord{}, err
	}
	if len(res.records) == 0 {
		return repo.DealRecord{}, ErrDealNotFound
	}
	rec := res.records[0]

	mode := repo.UpsertPartial
	if bonusCalc {
		mode = repo.UpsertFull
	}
	stats, err := s.store.UpsertDeals(ctx, []repo.DealRecord{rec}, mode)
	if err != nil {
		return repo.DealRecord{}, fmt.Errorf("upsert deal %d: %w", id, err)
	}

	pushed := false
	if bonusCalc {
		pushed, err = s.pushBack(ctx, rec)
		if err != nil {
			s.logger.Warn("push-back failed", zap.Int64("deal_id", id), zap.Error(err))
		}
	}

	s.logger.Info("deal processed",
		zap.Int64("deal_id", id),
		zap.Bool("bonus_calc", bonusCalc),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Bool("pushed_back", pushed),
		zap.String("turnover_a", rec.TurnoverA.StringFixed(2)),
		zap.String("turnover_b", rec.TurnoverB.StringFixed(2)),
	)
	return rec, nil
}
