package admin

import (
	"bonus_sync/internal/cache"
	"bonus_sync/internal/repo"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

type fakeStore struct {
	codes   map[string]decimal.Decimal
	rates   []repo.ClientBonusRate
	batches [][]repo.BonusCode
}

func newFakeStore(codes map[string]string) *fakeStore {
	s := &fakeStore{codes: map[string]decimal.Decimal{}}
	for c, v := range codes {
		s.codes[c] = decimal.RequireFromString(v)
	}
	return s
}

func (f *fakeStore) ListBonusCodes(ctx context.Context) ([]repo.BonusCode, error) {
	out := make([]repo.BonusCode, 0, len(f.codes))
	for c, v := range f.codes {
		out = append(out, repo.BonusCode{Code: c, Amount: v})
	}
	return out, nil
}

func (f *fakeStore) ExistingCodes(ctx context.Context, codes []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, c := range codes {
		if _, ok := f.codes[c]; ok {
			out[c] = true
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateBatch(ctx context.Context, codes []repo.BonusCode) (int, error) {
	f.batches = append(f.batches, codes)
	n := 0
	for _, c := range codes {
		if _, ok := f.codes[c.Code]; ok {
			f.codes[c.Code] = c.Amount
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListClientBonusRates(ctx context.Context) ([]repo.ClientBonusRate, error) {
	return f.rates, nil
}

func (f *fakeStore) CurrentClientBonusRate(ctx context.Context) (decimal.Decimal, bool, error) {
	if len(f.rates) == 0 {
		return decimal.Zero, false, nil
	}
	return f.rates[len(f.rates)-1].BonusRate, true, nil
}

func (f *fakeStore) AddClientBonusRate(ctx context.Context, createdDate time.Time, rate decimal.Decimal) (repo.ClientBonusRate, error) {
	r := repo.ClientBonusRate{
		ID:          int64(len(f.rates) + 1),
		CreatedDate: createdDate,
		BonusRate:   rate,
		CreatedAt:   createdDate.Add(9 * time.Hour),
	}
	f.rates = append(f.rates, r)
	return r, nil
}

type fakeInvalidator struct {
	kinds []cache.Kind
}

func (f *fakeInvalidator) Invalidate(kind cache.Kind) error {
	f.kinds = append(f.kinds, kind)
	return nil
}

func newTestService(store *fakeStore) (*Service, *fakeInvalidator) {
	inv := &fakeInvalidator{}
	svc := NewService(store, inv, zap.NewNop())
	svc.now = func() time.Time { return time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC) }
	return svc, inv
}

func floatPtr(v float64) *float64 { return &v }

func TestListUsesNaturalOrder(t *testing.T) {
	svc, _ := newTestService(newFakeStore(map[string]string{
		"A10": "1", "A2": "2", "B1": "3.5", "A1": "4",
	}))

	items, err := svc.List(context.Background())
	require.NoError(t, err)

	codes := make([]string, 0, len(items))
	for _, it := range items {
		codes = append(codes, it.Code)
	}
	assert.Equal(t, []string{"A1", "A2", "A10", "B1"}, codes)
	assert.Equal(t, 3.5, items[3].Bonus)
}

func TestUpdateAppliesValidItemsAndReportsTheRest(t *testing.T) {
	store := newFakeStore(map[string]string{"A1": "10", "B2": "20"})
	svc, inv := newTestService(store)

	res, err := svc.Update(context.Background(), "42", []UpdateItem{
		{Code: " A1 ", Bonus: floatPtr(35)},
		{Code: "B2", Bonus: floatPtr(-1)},
		{Code: "Z9", Bonus: floatPtr(5)},
		{Code: "B2"},
		{Code: "   ", Bonus: floatPtr(1)},
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []string{
		"Invalid bonus value for code B2",
		"Missing code or bonus field",
		"Empty code",
		"Code 'Z9' does not exist in database",
	}, res.Errors)
	assert.Equal(t, "35", store.codes["A1"].String())
	assert.Equal(t, "20", store.codes["B2"].String())
	assert.Equal(t, []cache.Kind{cache.KindBonusCodes}, inv.kinds)
}

func TestUpdateWithNothingValidDoesNotWrite(t *testing.T) {
	store := newFakeStore(map[string]string{"A1": "10"})
	svc, inv := newTestService(store)

	res, err := svc.Update(context.Background(), "42", []UpdateItem{{Code: "Z9", Bonus: floatPtr(5)}})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Zero(t, res.Updated)
	assert.Empty(t, store.batches)
	assert.Empty(t, inv.kinds)
}

func TestImportCSVExample(t *testing.T) {
	store := newFakeStore(map[string]string{"A1": "10"})
	svc, inv := newTestService(store)

	res, err := svc.ImportCSV(context.Background(), "42", strings.NewReader("Код бонуса;Бонус\nA1;35\nZ9;10\n"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 3, res.TotalLines)
	assert.Equal(t, []string{"Line 3: Code 'Z9' does not exist in database"}, res.Errors)
	assert.Equal(t, "35", store.codes["A1"].String())
	assert.Equal(t, []cache.Kind{cache.KindBonusCodes}, inv.kinds)
}

func TestImportCSVValidatesAmounts(t *testing.T) {
	store := newFakeStore(map[string]string{"A1": "10", "A2": "10", "B1": "10"})
	svc, _ := newTestService(store)

	input := "A1;abc\r\nA2;-5\r\nB1;12,5\r\n;7\r\nlonely\r\n"
	res, err := svc.ImportCSV(context.Background(), "42", strings.NewReader(input))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 5, res.TotalLines)
	assert.Equal(t, []string{
		"Line 1: Invalid bonus value for code A1",
		"Line 2: Negative bonus value for code A2",
		"Line 5: Invalid format",
	}, res.Errors)
	assert.Equal(t, "12.5", store.codes["B1"].String())
}

func TestImportCSVDecodesWindows1251(t *testing.T) {
	store := newFakeStore(map[string]string{"A1": "10"})
	svc, _ := newTestService(store)

	encoded, err := charmap.Windows1251.NewEncoder().String("Код бонуса;Бонус\nA1;40\n")
	require.NoError(t, err)

	res, err := svc.ImportCSV(context.Background(), "42", strings.NewReader(encoded))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "40", store.codes["A1"].String())
}

func TestImportCSVWithoutValidRows(t *testing.T) {
	svc, _ := newTestService(newFakeStore(nil))

	res, err := svc.ImportCSV(context.Background(), "42", strings.NewReader("\xEF\xBB\xBFcode;bonus\n"))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "No valid data to import", res.Error)
	assert.Equal(t, 1, res.TotalLines)
}

func TestAddClientRate(t *testing.T) {
	store := newFakeStore(nil)
	svc, _ := newTestService(store)

	res, err := svc.AddClientRate(context.Background(), "42", AddRateRequest{BonusRate: floatPtr(7.5)})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "2025-03-14", res.Data.CreatedDate)
	assert.Equal(t, 7.5, res.Data.BonusRate)

	res, err = svc.AddClientRate(context.Background(), "42", AddRateRequest{BonusRate: floatPtr(101)})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"Bonus rate must be a number from 0 to 100"}, res.Errors)

	res, err = svc.AddClientRate(context.Background(), "42", AddRateRequest{BonusRate: floatPtr(5), CreatedDate: "14.03.2025"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"Invalid date format, expected YYYY-MM-DD"}, res.Errors)

	current, err := svc.CurrentClientRate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, 7.5, *current)
}

func TestCurrentClientRateUnset(t *testing.T) {
	svc, _ := newTestService(newFakeStore(nil))

	current, err := svc.CurrentClientRate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestNaturalLess(t *testing.T) {
	assert.True(t, naturalLess("A2", "A10"))
	assert.False(t, naturalLess("A10", "A2"))
	assert.True(t, naturalLess("A", "A1"))
	assert.True(t, naturalLess("a1", "B1"))
	assert.True(t, naturalLess("A02", "A3"))
}
