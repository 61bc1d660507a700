package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}

func TestDeltaSyncWithoutWatermarkDiscoversEveryDeal(t *testing.T) {
	env := newTestEnv(t, "batch")
	env.remote.addDeal(201, "2024-06-01T10:00:00Z")
	env.remote.addDeal(202, "2024-06-02T10:00:00Z")
	env.remote.addDeal(203, "2024-06-03T10:00:00Z")

	sum, err := env.svc.DeltaSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Pages)
	assert.Equal(t, 3, sum.Deals)
	assert.Equal(t, 3, sum.Upserts.Inserted)
	assert.Len(t, env.store.rows, 3)
	assert.True(t, env.store.watermark.Equal(mustTime(t, "2024-06-03T10:00:00Z")))

	// Discovered ids feed the chunked run.
	rng, err := env.store.DealIDRange(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 201, rng.Min)
	assert.EqualValues(t, 203, rng.Max)
}

func TestDeltaSyncLeavesClientBonusUnset(t *testing.T) {
	env := newTestEnv(t, "batch")
	env.remote.addDeal(201, "2024-06-01T10:00:00Z")
	env.remote.addDeal(202, "2024-06-02T10:00:00Z")

	_, err := env.svc.DeltaSync(context.Background())
	require.NoError(t, err)

	require.Len(t, env.store.rows, 2)
	for id, rec := range env.store.rows {
		assert.False(t, rec.ClientBonus.Valid, "deal %d", id)
		assert.False(t, rec.ClientBonusRate.Valid, "deal %d", id)
		assert.True(t, rec.TurnoverA.IsPositive(), "deal %d", id)
	}
	assert.Zero(t, env.remote.updateCount())
}

func TestDeltaSyncStartsAtWatermarkMinusOverlap(t *testing.T) {
	env := newTestEnv(t, "batch")
	env.remote.addDeal(201, "2024-06-01T10:00:00Z")
	env.remote.addDeal(202, "2024-06-02T09:55:00Z")
	env.remote.addDeal(203, "2024-06-03T10:00:00Z")
	env.store.watermark = mustTime(t, "2024-06-02T10:00:00Z")

	sum, err := env.svc.DeltaSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Deals)
	assert.Contains(t, env.store.rows, int64(202))
	assert.Contains(t, env.store.rows, int64(203))
	assert.NotContains(t, env.store.rows, int64(201))
	assert.True(t, env.store.watermark.Equal(mustTime(t, "2024-06-03T10:00:00Z")))
}

func TestDeltaSyncNeverMovesWatermarkBack(t *testing.T) {
	env := newTestEnv(t, "direct")
	env.remote.addDeal(201, "2024-06-03T09:55:00Z")
	wm := mustTime(t, "2024-06-03T10:00:00Z")
	env.store.watermark = wm

	sum, err := env.svc.DeltaSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Deals)
	assert.True(t, env.store.watermark.Equal(wm))
}

func TestParseRFC3339(t *testing.T) {
	got, err := parseRFC3339("2026-02-24T10:20:30Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, time.February, got.Month())

	_, err = parseRFC3339("")
	assert.Error(t, err)
}
