package syncer

import (
	"bonus_sync/internal/bitrix"
	"bonus_sync/internal/bonus"
	"bonus_sync/internal/enricher"
	"bonus_sync/internal/lookup"
	"bonus_sync/internal/repo"
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type chunkResult struct {
	records []repo.DealRecord
	failed  []int64
}

// processChunk fetches, enriches and calculates the given deals. A deal that
// cannot be fetched is reported in failed and never aborts the chunk.
func (s *Service) processChunk(ctx context.Context, f fetcher, ids []int64, refs lookup.References, rate *decimal.Decimal) chunkResult {
	deals := f.fetchDeals(ctx, ids)

	var productIDs, contactIDs []int64
	seenProduct := map[int64]struct{}{}
	seenContact := map[int64]struct{}{}
	for _, id := range ids {
		fd, ok := deals[id]
		if !ok {
			continue
		}
		for _, pid := range enricher.ProductIDs(fd.rows) {
			if _, dup := seenProduct[pid]; !dup {
				seenProduct[pid] = struct{}{}
				productIDs = append(productIDs, pid)
			}
		}
		if cid, ok := fd.deal.ContactID.Int64(); ok && cid > 0 {
			if _, dup := seenContact[cid]; !dup {
				seenContact[cid] = struct{}{}
				contactIDs = append(contactIDs, cid)
			}
		}
	}

	catalog := f.fetchCatalog(ctx, productIDs)
	contacts := f.fetchContacts(ctx, contactIDs)

	var res chunkResult
	for _, id := range ids {
		fd, ok := deals[id]
		if !ok {
			res.failed = append(res.failed, id)
			s.logger.Debug("deal skipped, not returned by remote", zap.Int64("deal_id", id))
			continue
		}

		var contact *bitrix.Contact
		if cid, ok := fd.deal.ContactID.Int64(); ok {
			if c, ok := contacts[cid]; ok {
				contact = &c
			}
		}

		res.records = append(res.records, s.buildRecord(enricher.Input{
			Deal:    fd.deal,
			Rows:    fd.rows,
			Catalog: catalog,
			Contact: contact,
		}, refs, rate))
	}
	return res
}

func (s *Service) buildRecord(in enricher.Input, refs lookup.References, rate *decimal.Decimal) repo.DealRecord {
	rec, items := s.enricher.Enrich(in, refs)
	rec.ApplyTotals(bonus.Calculate(items, refs.BonusCodes))
	if rate != nil {
		rec.ApplyClientBonus(*rate)
	}
	return rec
}
