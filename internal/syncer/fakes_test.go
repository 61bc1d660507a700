package syncer

import (
	"bonus_sync/internal/bitrix"
	"bonus_sync/internal/enricher"
	"bonus_sync/internal/lookup"
	"bonus_sync/internal/progress"
	"bonus_sync/internal/repo"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errNotFound = bitrix.APIError{Code: "NOT_FOUND", Description: "Not found"}

type listPage struct {
	items []map[string]any
	next  *int
}

// fakeRemote serves deals, product rows, catalog entries and contacts from memory.
type fakeRemote struct {
	mu        sync.Mutex
	deals     map[int64]map[string]any
	rows      map[int64][]map[string]any
	products  map[int64]map[string]any
	skus      map[int64]map[string]any
	contacts  map[int64]map[string]any
	updates   []map[string]any
	calls     map[string]int
	batches   int
	batchFail int
	pageSize  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		deals:    map[int64]map[string]any{},
		rows:     map[int64][]map[string]any{},
		products: map[int64]map[string]any{},
		skus:     map[int64]map[string]any{},
		contacts: map[int64]map[string]any{},
		calls:    map[string]int{},
		pageSize: 2,
	}
}

func (f *fakeRemote) addDeal(id int64, modified string) {
	f.deals[id] = map[string]any{
		"ID":             id,
		"TITLE":          "Deal",
		"CATEGORY_ID":    "0",
		"STAGE_ID":       "NEW",
		"ASSIGNED_BY_ID": "7",
		"CONTACT_ID":     "55",
		"OPPORTUNITY":    "350.00",
		"DATE_CREATE":    "2024-05-01T10:00:00+05:00",
		"DATE_MODIFY":    modified,
		"CLOSED":         "N",
		"UF_CHANNEL":     "12",
	}
	f.rows[id] = []map[string]any{
		{"ID": "1", "PRODUCT_ID": "501", "PRODUCT_NAME": "Filter", "PRICE": "100", "QUANTITY": "2"},
		{"ID": "2", "PRODUCT_ID": "502", "PRODUCT_NAME": "Pump", "PRICE": 50, "QUANTITY": 3},
	}
}

func (f *fakeRemote) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func (f *fakeRemote) handle(method string, params map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++

	id := toInt64(params["id"])
	switch method {
	case "crm.deal.get":
		d, ok := f.deals[id]
		if !ok {
			return nil, errNotFound
		}
		return d, nil
	case "crm.deal.productrows.get":
		if _, ok := f.deals[id]; !ok {
			return nil, errNotFound
		}
		rows := f.rows[id]
		if rows == nil {
			rows = []map[string]any{}
		}
		return rows, nil
	case "catalog.product.get":
		p, ok := f.products[id]
		if !ok {
			return nil, errNotFound
		}
		return map[string]any{"product": p}, nil
	case "catalog.product.sku.get":
		p, ok := f.skus[id]
		if !ok {
			return nil, errNotFound
		}
		return map[string]any{"sku": p}, nil
	case "crm.contact.get":
		c, ok := f.contacts[id]
		if !ok {
			return nil, errNotFound
		}
		return c, nil
	case "crm.deal.update":
		fields := params["fields"].(map[string]any)
		f.updates = append(f.updates, fields)
		for k, v := range fields {
			f.deals[id][k] = v
		}
		return true, nil
	case "crm.deal.list":
		return f.list(params), nil
	}
	return nil, bitrix.APIError{Code: "ERROR_METHOD_NOT_FOUND", Description: method}
}

func (f *fakeRemote) list(params map[string]any) listPage {
	var from time.Time
	if filter, ok := params["FILTER"].(map[string]any); ok {
		if v, ok := filter[">=DATE_MODIFY"].(string); ok {
			from, _ = time.Parse(time.RFC3339, v)
		}
	}

	var matched []map[string]any
	for _, d := range f.deals {
		tm, _ := time.Parse(time.RFC3339, d["DATE_MODIFY"].(string))
		if !from.IsZero() && tm.Before(from) {
			continue
		}
		matched = append(matched, map[string]any{"ID": d["ID"], "DATE_MODIFY": d["DATE_MODIFY"]})
	}
	sort.Slice(matched, func(i, j int) bool {
		return toInt64(matched[i]["ID"]) < toInt64(matched[j]["ID"])
	})

	start := toInt64(params["start"])
	end := min(int(start)+f.pageSize, len(matched))
	page := listPage{items: matched[start:end]}
	if end < len(matched) {
		page.next = &end
	}
	return page
}

func (f *fakeRemote) Call(ctx context.Context, method string, payload any, out any) error {
	res, err := f.handle(method, payload.(map[string]any))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	body := map[string]any{"result": res}
	if page, ok := res.(listPage); ok {
		body = map[string]any{"result": page.items}
		if page.next != nil {
			body["next"] = *page.next
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeRemote) Batch(ctx context.Context, cmds map[string]bitrix.Command) (bitrix.BatchResult, error) {
	out := bitrix.BatchResult{Results: map[string]json.RawMessage{}, Errors: map[string]bitrix.APIError{}}

	f.mu.Lock()
	f.batches++
	fail := f.batchFail > 0
	if fail {
		f.batchFail--
	}
	f.mu.Unlock()
	if fail {
		return out, &bitrix.TransportError{Method: "batch", StatusCode: 503, Err: errors.New("service unavailable")}
	}

	for key, cmd := range cmds {
		res, err := f.handle(cmd.Method, cmd.Params)
		if err != nil {
			var apiErr bitrix.APIError
			if errors.As(err, &apiErr) {
				out.Errors[key] = apiErr
			}
			continue
		}
		raw, err := json.Marshal(res)
		if err != nil {
			return out, err
		}
		out.Results[key] = raw
	}
	return out, nil
}

// memStore keeps deal rows in memory and records every upsert.
type memStore struct {
	mu        sync.Mutex
	ids       []int64
	rows      map[int64]repo.DealRecord
	modes     []repo.UpsertMode
	order     []int64
	failWith  error
	onUpsert  func()
	watermark time.Time

	rangeErr error
	// nextErr fails NextDealIDs once nextOK calls have succeeded.
	nextErr   error
	nextOK    int
	nextCalls int
}

func newMemStore(ids ...int64) *memStore {
	s := &memStore{rows: map[int64]repo.DealRecord{}}
	s.ids = append(s.ids, ids...)
	sort.Slice(s.ids, func(i, j int) bool { return s.ids[i] < s.ids[j] })
	return s
}

func (s *memStore) DealIDRange(ctx context.Context) (repo.IDRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rangeErr != nil {
		return repo.IDRange{}, s.rangeErr
	}
	if len(s.ids) == 0 {
		return repo.IDRange{}, nil
	}
	return repo.IDRange{Min: s.ids[0], Max: s.ids[len(s.ids)-1], Total: int64(len(s.ids))}, nil
}

func (s *memStore) after(cursor int64, ascending bool) []int64 {
	var out []int64
	if ascending {
		for _, id := range s.ids {
			if id > cursor {
				out = append(out, id)
			}
		}
		return out
	}
	for i := len(s.ids) - 1; i >= 0; i-- {
		if s.ids[i] < cursor {
			out = append(out, s.ids[i])
		}
	}
	return out
}

func (s *memStore) NextDealIDs(ctx context.Context, cursor int64, ascending bool, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCalls++
	if s.nextErr != nil && s.nextCalls > s.nextOK {
		return nil, s.nextErr
	}
	ids := s.after(cursor, ascending)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) CountDealIDs(ctx context.Context, cursor int64, ascending bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.after(cursor, ascending))), nil
}

func (s *memStore) UpsertDeals(ctx context.Context, rows []repo.DealRecord, mode repo.UpsertMode) (repo.UpsertStats, error) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		if s.onUpsert != nil {
			s.onUpsert()
		}
	}()

	s.modes = append(s.modes, mode)
	if s.failWith != nil {
		return repo.UpsertStats{}, s.failWith
	}

	var st repo.UpsertStats
	for _, r := range rows {
		s.order = append(s.order, r.ID)
		if _, ok := s.rows[r.ID]; ok {
			st.Updated++
		} else {
			st.Inserted++
			s.ids = append(s.ids, r.ID)
		}
		s.rows[r.ID] = r
	}
	sort.Slice(s.ids, func(i, j int) bool { return s.ids[i] < s.ids[j] })
	return st, nil
}

func (s *memStore) GetWatermark(ctx context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark, nil
}

func (s *memStore) SetWatermark(ctx context.Context, key string, wm time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = wm
	return nil
}

type fakeRates struct {
	rate decimal.Decimal
	ok   bool
}

func (f fakeRates) CurrentClientBonusRate(ctx context.Context) (decimal.Decimal, bool, error) {
	return f.rate, f.ok, nil
}

type fakeRefs struct {
	cleared int
}

func (f *fakeRefs) References(ctx context.Context) (lookup.References, error) {
	return lookup.References{
		BonusCodes: lookup.BonusCodes{
			"A1": decimal.NewFromInt(35),
			"B2": decimal.NewFromInt(10),
		},
		Stages:      lookup.Stages{"0": {"NEW": "New"}},
		Categories:  lookup.Categories{"0": "General"},
		Users:       lookup.Users{"7": {Name: "Ivanov Ivan", DepartmentID: "3"}, "9": {Name: "Petrova Anna"}},
		Departments: lookup.Departments{"3": "Sales"},
		UserFields:  lookup.UserFields{"UF_CHANNEL": {"12": "Instagram"}},
	}, nil
}

func (f *fakeRefs) Clear() error {
	f.cleared++
	return nil
}

// seedCatalog registers product 501 as an A-code product and 502 as a
// B-code variation that only the SKU catalog knows, plus contact 55.
func seedCatalog(remote *fakeRemote) {
	remote.products[501] = map[string]any{"id": 501, "property221": map[string]any{"value": "A1"}}
	remote.skus[502] = map[string]any{"id": 502, "property221": map[string]any{"valueEnum": "в2"}}
	remote.contacts[55] = map[string]any{"ID": "55", "ASSIGNED_BY_ID": "9"}
}

type testEnv struct {
	svc     *Service
	remote  *fakeRemote
	store   *memStore
	refs    *fakeRefs
	tracker *progress.Tracker
}

func newTestEnv(t *testing.T, transport string, ids ...int64) *testEnv {
	t.Helper()

	remote := newFakeRemote()
	seedCatalog(remote)
	for _, id := range ids {
		remote.addDeal(id, "2024-06-01T10:00:00+00:00")
	}

	store := newMemStore(ids...)
	refs := &fakeRefs{}
	tracker := progress.NewTracker(filepath.Join(t.TempDir(), "sync_progress.json"), time.Minute)

	profile := Profile{PageSize: 2, Parallelism: 4, BulkSize: 2, CheckpointEvery: 1}
	settings := Settings{
		Transport:    transport,
		Normal:       profile,
		Fast:         profile,
		StateKey:     "deals_sync",
		DeltaOverlap: 10 * time.Minute,
		RetryCount:   3,
		PushBack: PushBackFields{
			TurnoverA:          "UF_TA",
			TurnoverB:          "UF_TB",
			BonusA:             "UF_BA",
			BonusB:             "UF_BB",
			ClientBonus:        "UF_CB",
			ContactResponsible: "UF_CR",
		},
	}

	svc := NewService(
		remote,
		store,
		fakeRates{rate: decimal.NewFromInt(10), ok: true},
		refs,
		tracker,
		enricher.New("UF_CHANNEL", []string{"property221"}),
		settings,
		zap.NewNop(),
	)
	return &testEnv{svc: svc, remote: remote, store: store, refs: refs, tracker: tracker}
}
