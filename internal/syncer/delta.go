package syncer

import (
	"bonus_sync/internal/bitrix"
	"bonus_sync/internal/repo"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// staleWatermarkAfter is how long a watermark may stay unchanged before delta sync warns.
const staleWatermarkAfter = 2 * time.Hour

type DeltaSummary struct {
	Pages     int
	Deals     int
	Failed    int
	Upserts   repo.UpsertStats
	Watermark time.Time
}

// DeltaSync refreshes deals modified since the stored watermark minus the
// configured overlap. Without a watermark it falls back to FullSync.
func (s *Service) DeltaSync(ctx context.Context) (DeltaSummary, error) {
	wm, err := s.store.GetWatermark(ctx, s.settings.StateKey)
	if err != nil {
		return DeltaSummary{}, fmt.Errorf("get watermark: %w", err)
	}
	if wm.IsZero() {
		s.logger.Info("no watermark stored, running full discovery")
		return s.FullSync(ctx)
	}

	from := wm.Add(-s.settings.DeltaOverlap)
	s.logger.Info("delta sync started",
		zap.Time("watermark", wm.UTC()),
		zap.Time("from", from.UTC()),
		zap.Duration("overlap", s.settings.DeltaOverlap),
	)

	sum, err := s.discover(ctx, from, wm)
	if err != nil {
		return sum, err
	}

	if !sum.Watermark.After(wm) {
		if age := s.now().Sub(wm); age > staleWatermarkAfter {
			s.logger.Warn("delta sync found no newer deals",
				zap.Duration("watermark_age", age.Round(time.Minute)),
				zap.Time("watermark", wm.UTC()),
			)
		}
	}
	return sum, nil
}

// FullSync lists every remote deal and stores it. This is how an empty
// database gets its deal ids before the first chunked run.
func (s *Service) FullSync(ctx context.Context) (DeltaSummary, error) {
	s.logger.Info("full discovery started")
	return s.discover(ctx, time.Time{}, time.Time{})
}

// discover pages crm.deal.list ordered by modification time and pushes each
// page through the chunk pipeline. The watermark moves forward only.
func (s *Service) discover(ctx context.Context, from, wm time.Time) (DeltaSummary, error) {
	profile := s.settings.Normal
	f := s.newFetcher(profile)

	refs, err := s.refs.References(ctx)
	if err != nil {
		return DeltaSummary{}, fmt.Errorf("load references: %w", err)
	}

	filter := map[string]any{}
	if !from.IsZero() {
		filter[">=DATE_MODIFY"] = from.UTC().Format(time.RFC3339)
	}
	payload := map[string]any{
		"SELECT": []string{"ID", "DATE_MODIFY"},
		"FILTER": filter,
		"ORDER": map[string]any{
			"DATE_MODIFY": "ASC",
			"ID":          "ASC",
		},
	}

	sum := DeltaSummary{Watermark: wm}
	start := 0
	for {
		sum.Pages++
		payload["start"] = start

		var page bitrix.ListResponse[bitrix.Deal]
		err := callWithRetry(ctx, s.settings.RetryCount, func(c context.Context) error {
			return s.remote.Call(c, "crm.deal.list", payload, &page)
		})
		if err != nil {
			return sum, fmt.Errorf("deal list page %d start=%d: %w", sum.Pages, start, err)
		}

		ids := make([]int64, 0, len(page.Result))
		for _, d := range page.Result {
			if id, ok := d.ID.Int64(); ok && id > 0 {
				ids = append(ids, id)
			}
		}

		if len(ids) > 0 {
			// Client bonus is computed only in bonus-calc runs.
			res := s.processChunk(ctx, f, ids, refs, nil)
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			sum.Failed += len(res.failed)

			if len(res.records) > 0 {
				stats, err := s.store.UpsertDeals(ctx, res.records, repo.UpsertFull)
				if err != nil {
					return sum, fmt.Errorf("upsert page %d: %w", sum.Pages, err)
				}
				sum.Upserts.Add(stats)
			}
			sum.Deals += len(res.records)
		}

		for _, d := range page.Result {
			tm, err := parseRFC3339(d.DateModify)
			if err == nil && tm.After(sum.Watermark) {
				sum.Watermark = tm
			}
		}

		next := -1
		if page.Next != nil {
			next = *page.Next
		}
		s.logger.Debug("deal list page",
			zap.Int("page", sum.Pages),
			zap.Int("got", len(page.Result)),
			zap.Int("start", start),
			zap.Int("next", next),
			zap.Int("stored", sum.Deals),
		)

		if page.Next == nil {
			break
		}
		start = *page.Next
		if err := sleepCtx(ctx, profile.Delay); err != nil {
			return sum, err
		}
	}

	if sum.Watermark.After(wm) {
		if err := s.store.SetWatermark(ctx, s.settings.StateKey, sum.Watermark); err != nil {
			return sum, fmt.Errorf("set watermark: %w", err)
		}
	}

	s.logger.Info("deal discovery finished",
		zap.Int("pages", sum.Pages),
		zap.Int("deals", sum.Deals),
		zap.Int("failed", sum.Failed),
		zap.Int("inserted", sum.Upserts.Inserted),
		zap.Int("updated", sum.Upserts.Updated),
		zap.Time("watermark", sum.Watermark.UTC()),
	)
	return sum, nil
}

func parseRFC3339(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	return time.Parse(time.RFC3339, s)
}
