package syncer

import (
	"bonus_sync/internal/bitrix"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type fetchedDeal struct {
	deal bitrix.Deal
	rows []bitrix.ProductRow
}

// fetcher loads one chunk of remote data. Entities that could not be fetched
// are simply absent from the returned maps.
type fetcher interface {
	fetchDeals(ctx context.Context, ids []int64) map[int64]fetchedDeal
	fetchCatalog(ctx context.Context, ids []int64) map[int64]bitrix.CatalogProduct
	fetchContacts(ctx context.Context, ids []int64) map[int64]bitrix.Contact
}

func (s *Service) newFetcher(p Profile) fetcher {
	if s.settings.Transport == "direct" {
		return &directFetcher{remote: s.remote, parallelism: p.Parallelism, retries: s.settings.RetryCount, logger: s.logger}
	}
	return &batchFetcher{remote: s.remote, delay: p.Delay, retries: s.settings.RetryCount, logger: s.logger}
}

type batchFetcher struct {
	remote  Remote
	delay   time.Duration
	retries int
	logger  *zap.Logger
}

// run sends cmds in batches of at most MaxBatchCommands, pausing between them.
// A batch that fails after retries leaves its keys out of the result.
func (f *batchFetcher) run(ctx context.Context, cmds map[string]bitrix.Command) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(cmds))
	for i, chunk := range bitrix.SplitCommands(cmds, bitrix.MaxBatchCommands) {
		if i > 0 {
			if err := sleepCtx(ctx, f.delay); err != nil {
				return out
			}
		}

		var res bitrix.BatchResult
		err := callWithRetry(ctx, f.retries, func(c context.Context) error {
			var err error
			res, err = f.remote.Batch(c, chunk)
			return err
		})
		if err != nil {
			f.logger.Warn("batch call failed, entities skipped", zap.Int("commands", len(chunk)), zap.Error(err))
			continue
		}
		for key, apiErr := range res.Errors {
			f.logger.Debug("batch sub-command failed", zap.String("key", key), zap.Error(apiErr))
		}
		for key, raw := range res.Results {
			out[key] = raw
		}
	}
	return out
}

func (f *batchFetcher) fetchDeals(ctx context.Context, ids []int64) map[int64]fetchedDeal {
	cmds := make(map[string]bitrix.Command, len(ids)*2)
	for _, id := range ids {
		cmds[key("deal", id)] = bitrix.Command{Method: "crm.deal.get", Params: map[string]any{"id": id}}
		cmds[key("rows", id)] = bitrix.Command{Method: "crm.deal.productrows.get", Params: map[string]any{"id": id}}
	}
	res := f.run(ctx, cmds)

	out := make(map[int64]fetchedDeal, len(ids))
	for _, id := range ids {
		fd, ok := decodeDeal(res[key("deal", id)], res[key("rows", id)])
		if !ok {
			continue
		}
		out[id] = fd
	}
	return out
}

func (f *batchFetcher) fetchCatalog(ctx context.Context, ids []int64) map[int64]bitrix.CatalogProduct {
	out := make(map[int64]bitrix.CatalogProduct, len(ids))
	if len(ids) == 0 {
		return out
	}

	cmds := make(map[string]bitrix.Command, len(ids))
	for _, id := range ids {
		cmds[key("product", id)] = bitrix.Command{Method: "catalog.product.get", Params: map[string]any{"id": id}}
	}
	res := f.run(ctx, cmds)

	var missing []int64
	for _, id := range ids {
		if p, ok := bitrix.DecodeCatalogProduct(res[key("product", id)]); ok {
			out[id] = p
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out
	}

	// Variations live in the SKU catalog.
	cmds = make(map[string]bitrix.Command, len(missing))
	for _, id := range missing {
		cmds[key("sku", id)] = bitrix.Command{Method: "catalog.product.sku.get", Params: map[string]any{"id": id}}
	}
	res = f.run(ctx, cmds)
	for _, id := range missing {
		if p, ok := bitrix.DecodeCatalogProduct(res[key("sku", id)]); ok {
			out[id] = p
		}
	}
	return out
}

func (f *batchFetcher) fetchContacts(ctx context.Context, ids []int64) map[int64]bitrix.Contact {
	out := make(map[int64]bitrix.Contact, len(ids))
	if len(ids) == 0 {
		return out
	}

	cmds := make(map[string]bitrix.Command, len(ids))
	for _, id := range ids {
		cmds[key("contact", id)] = bitrix.Command{Method: "crm.contact.get", Params: map[string]any{"id": id}}
	}
	res := f.run(ctx, cmds)
	for _, id := range ids {
		raw, ok := res[key("contact", id)]
		if !ok {
			continue
		}
		var c bitrix.Contact
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		out[id] = c
	}
	return out
}

// directFetcher calls the per-entity methods concurrently, bounded by parallelism.
type directFetcher struct {
	remote      Remote
	parallelism int
	retries     int
	logger      *zap.Logger
}

type resultEnvelope struct {
	Result json.RawMessage `json:"result"`
}

func (f *directFetcher) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, bool) {
	var env resultEnvelope
	err := callWithRetry(ctx, f.retries, func(c context.Context) error {
		return f.remote.Call(c, method, params, &env)
	})
	if err != nil {
		f.logger.Debug("remote call failed", zap.String("method", method), zap.Any("params", params), zap.Error(err))
		return nil, false
	}
	return env.Result, true
}

// each runs fn for every id with at most parallelism goroutines and waits for all of them.
func (f *directFetcher) each(ctx context.Context, ids []int64, fn func(ctx context.Context, id int64)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)
	for _, id := range ids {
		g.Go(func() error {
			fn(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (f *directFetcher) fetchDeals(ctx context.Context, ids []int64) map[int64]fetchedDeal {
	var mu sync.Mutex
	out := make(map[int64]fetchedDeal, len(ids))
	f.each(ctx, ids, func(ctx context.Context, id int64) {
		dealRaw, ok := f.call(ctx, "crm.deal.get", map[string]any{"id": id})
		if !ok {
			return
		}
		rowsRaw, ok := f.call(ctx, "crm.deal.productrows.get", map[string]any{"id": id})
		if !ok {
			return
		}
		fd, ok := decodeDeal(dealRaw, rowsRaw)
		if !ok {
			return
		}
		mu.Lock()
		out[id] = fd
		mu.Unlock()
	})
	return out
}

func (f *directFetcher) fetchCatalog(ctx context.Context, ids []int64) map[int64]bitrix.CatalogProduct {
	var mu sync.Mutex
	out := make(map[int64]bitrix.CatalogProduct, len(ids))
	f.each(ctx, ids, func(ctx context.Context, id int64) {
		var p bitrix.CatalogProduct
		raw, ok := f.call(ctx, "catalog.product.get", map[string]any{"id": id})
		if ok {
			p, ok = bitrix.DecodeCatalogProduct(raw)
		}
		if !ok {
			raw, ok = f.call(ctx, "catalog.product.sku.get", map[string]any{"id": id})
			if !ok {
				return
			}
			if p, ok = bitrix.DecodeCatalogProduct(raw); !ok {
				return
			}
		}
		mu.Lock()
		out[id] = p
		mu.Unlock()
	})
	return out
}

func (f *directFetcher) fetchContacts(ctx context.Context, ids []int64) map[int64]bitrix.Contact {
	var mu sync.Mutex
	out := make(map[int64]bitrix.Contact, len(ids))
	f.each(ctx, ids, func(ctx context.Context, id int64) {
		raw, ok := f.call(ctx, "crm.contact.get", map[string]any{"id": id})
		if !ok {
			return
		}
		var c bitrix.Contact
		if err := json.Unmarshal(raw, &c); err != nil {
			return
		}
		mu.Lock()
		out[id] = c
		mu.Unlock()
	})
	return out
}

// decodeDeal needs both the deal and its product rows; either missing skips the deal.
func decodeDeal(dealRaw, rowsRaw json.RawMessage) (fetchedDeal, bool) {
	if len(dealRaw) == 0 || rowsRaw == nil {
		return fetchedDeal{}, false
	}
	var fd fetchedDeal
	if err := json.Unmarshal(dealRaw, &fd.deal); err != nil {
		return fetchedDeal{}, false
	}
	if id, ok := fd.deal.ID.Int64(); !ok || id <= 0 {
		return fetchedDeal{}, false
	}
	if err := json.Unmarshal(rowsRaw, &fd.rows); err != nil {
		// A deal without rows comes back as {} instead of [].
		fd.rows = nil
	}
	return fd, true
}

func key(prefix string, id int64) string {
	return prefix + "_" + strconv.FormatInt(id, 10)
}
