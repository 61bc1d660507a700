package syncer

import (
	"bonus_sync/internal/progress"
	"bonus_sync/internal/repo"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCompletesAndDeletesCheckpoint(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102, 103, 104, 105)

	sum, err := env.svc.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, progress.StatusCompleted, sum.Status)
	assert.False(t, sum.Resumed)
	assert.EqualValues(t, 5, sum.Processed)
	assert.EqualValues(t, 5, sum.Succeeded)
	assert.EqualValues(t, 0, sum.Failed)
	assert.Equal(t, 5, sum.Upserts.Inserted)
	assert.Equal(t, []int64{105, 104, 103, 102, 101}, env.store.order)

	cp, err := env.tracker.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)

	rec := env.store.rows[101]
	assert.Equal(t, "200.00", rec.TurnoverA.StringFixed(2))
	assert.Equal(t, "150.00", rec.TurnoverB.StringFixed(2))
	assert.Equal(t, "70.00", rec.BonusA.StringFixed(2))
	assert.Equal(t, "30.00", rec.BonusB.StringFixed(2))
	assert.Equal(t, "5.00", rec.Quantity.StringFixed(2))
	assert.False(t, rec.ClientBonus.Valid)
	require.NotNil(t, rec.StageName)
	assert.Equal(t, "New", *rec.StageName)
	require.NotNil(t, rec.DepartmentName)
	assert.Equal(t, "Sales", *rec.DepartmentName)
	require.NotNil(t, rec.ChannelName)
	assert.Equal(t, "Instagram", *rec.ChannelName)
	require.NotNil(t, rec.ContactResponsibleID)
	assert.EqualValues(t, 9, *rec.ContactResponsibleID)
	assert.Nil(t, rec.CloseDate)

	assert.Positive(t, env.remote.calls["catalog.product.sku.get"])
	assert.Zero(t, env.remote.updateCount())
}

func TestRunResumesBelowCheckpoint(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102, 103, 104, 105)
	require.NoError(t, env.tracker.Save(&progress.Checkpoint{
		RunID:           "previous",
		Status:          progress.StatusIdle,
		Direction:       progress.Descending,
		LastProcessedID: 103,
		Processed:       3,
		Succeeded:       3,
		Target:          5,
	}))

	sum, err := env.svc.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.True(t, sum.Resumed)
	assert.Equal(t, progress.StatusCompleted, sum.Status)
	assert.EqualValues(t, 2, sum.Processed)
	assert.Equal(t, []int64{102, 101}, env.store.order)
}

func TestRunFreshWalksAscendingFromMinimum(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102, 103, 104, 105)
	require.NoError(t, env.tracker.Save(&progress.Checkpoint{
		Status:          progress.StatusIdle,
		Direction:       progress.Descending,
		LastProcessedID: 103,
	}))

	sum, err := env.svc.Run(context.Background(), Options{Fresh: true})
	require.NoError(t, err)

	assert.False(t, sum.Resumed)
	assert.Equal(t, []int64{101, 102, 103, 104, 105}, env.store.order)
}

func TestRunLimitKeepsCheckpoint(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102, 103, 104, 105)

	sum, err := env.svc.Run(context.Background(), Options{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, progress.StatusIdle, sum.Status)
	assert.EqualValues(t, 3, sum.Processed)

	cp, err := env.tracker.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, progress.StatusIdle, cp.Status)
	assert.EqualValues(t, 103, cp.LastProcessedID)
	assert.EqualValues(t, 3, cp.Processed)
	assert.EqualValues(t, 3, cp.Target)

	sum, err = env.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, sum.Resumed)
	assert.Equal(t, []int64{105, 104, 103, 102, 101}, env.store.order)
}

func TestRunRefusesWhileLocked(t *testing.T) {
	env := newTestEnv(t, "batch", 101)
	require.NoError(t, env.tracker.Lock("other-run"))

	_, err := env.svc.Run(context.Background(), Options{})
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.Empty(t, env.store.order)
}

func TestRunWithResetRefusesWhileLocked(t *testing.T) {
	env := newTestEnv(t, "batch", 101)
	require.NoError(t, env.tracker.Save(&progress.Checkpoint{Status: progress.StatusIdle, LastProcessedID: 101}))
	require.NoError(t, env.tracker.Lock("other-run"))

	_, err := env.svc.Run(context.Background(), Options{Reset: true})
	require.ErrorIs(t, err, ErrRunInProgress)

	cp, err := env.tracker.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.EqualValues(t, 101, cp.LastProcessedID)
	assert.Zero(t, env.refs.cleared)
}

func TestRunWithResetStartsOver(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102, 103)
	require.NoError(t, env.tracker.Save(&progress.Checkpoint{
		Status:          progress.StatusIdle,
		Direction:       progress.Descending,
		LastProcessedID: 102,
	}))

	sum, err := env.svc.Run(context.Background(), Options{Reset: true})
	require.NoError(t, err)
	assert.False(t, sum.Resumed)
	assert.Equal(t, []int64{103, 102, 101}, env.store.order)
	assert.Equal(t, 1, env.refs.cleared)
}

func TestRunFailureKeepsCheckpointForResume(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102, 103, 104, 105)
	env.store.nextErr = errors.New("relation all_deals does not exist")
	env.store.nextOK = 1

	sum, err := env.svc.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, env.store.nextErr)
	assert.Equal(t, progress.StatusError, sum.Status)
	assert.EqualValues(t, 104, sum.LastProcessedID)
	assert.Equal(t, []int64{105, 104}, env.store.order)

	cp, err := env.tracker.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, progress.StatusError, cp.Status)
	assert.Contains(t, cp.LastError, "relation all_deals does not exist")
	assert.EqualValues(t, 104, cp.LastProcessedID)
	assert.EqualValues(t, 2, cp.Processed)

	env.store.nextErr = nil

	sum, err = env.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, sum.Resumed)
	assert.Equal(t, progress.StatusCompleted, sum.Status)
	assert.EqualValues(t, 3, sum.Processed)
	assert.Equal(t, []int64{105, 104, 103, 102, 101}, env.store.order)

	cp, err = env.tracker.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRunIDRangeFailureMarksCheckpoint(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102, 103)
	require.NoError(t, env.tracker.Save(&progress.Checkpoint{
		Status:          progress.StatusIdle,
		Direction:       progress.Descending,
		LastProcessedID: 102,
		Processed:       1,
	}))
	env.store.rangeErr = errors.New("permission denied for table all_deals")

	_, err := env.svc.Run(context.Background(), Options{})
	require.ErrorIs(t, err, env.store.rangeErr)
	assert.Empty(t, env.store.order)

	cp, err := env.tracker.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, progress.StatusError, cp.Status)
	assert.EqualValues(t, 102, cp.LastProcessedID)

	env.store.rangeErr = nil

	sum, err := env.svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, sum.Resumed)
	assert.Equal(t, []int64{101}, env.store.order)
}

func TestRunCountsMissingDealsAsFailed(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102)
	delete(env.remote.deals, 102)

	sum, err := env.svc.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, progress.StatusCompleted, sum.Status)
	assert.EqualValues(t, 2, sum.Processed)
	assert.EqualValues(t, 1, sum.Succeeded)
	assert.EqualValues(t, 1, sum.Failed)
	assert.Equal(t, []int64{101}, env.store.order)
}

func TestRunDirectTransport(t *testing.T) {
	env := newTestEnv(t, "direct", 101, 102, 103)

	sum, err := env.svc.Run(context.Background(), Options{Fast: true})
	require.NoError(t, err)

	assert.EqualValues(t, 3, sum.Succeeded)
	assert.Zero(t, env.remote.batches)
	assert.Equal(t, 3, env.remote.calls["crm.deal.get"])
	assert.Equal(t, "150.00", env.store.rows[102].TurnoverB.StringFixed(2))
}

func TestRunRetriesTransientBatchFailure(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102)
	env.remote.batchFail = 1

	sum, err := env.svc.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.EqualValues(t, 2, sum.Succeeded)
	assert.Equal(t, "200.00", env.store.rows[102].TurnoverA.StringFixed(2))
}

func TestRunCountsRowsOfFailedUpsertAsFailed(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102, 103)
	env.store.failWith = errors.New("connection refused")

	sum, err := env.svc.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, progress.StatusCompleted, sum.Status)
	assert.EqualValues(t, 3, sum.Processed)
	assert.EqualValues(t, 0, sum.Succeeded)
	assert.EqualValues(t, 3, sum.Failed)
}

func TestRunCancelKeepsCommittedProgress(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102, 103, 104, 105)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.store.onUpsert = cancel

	sum, err := env.svc.Run(ctx, Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, progress.StatusIdle, sum.Status)

	cp, err := env.tracker.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, progress.StatusIdle, cp.Status)
	assert.EqualValues(t, 104, cp.LastProcessedID)
	assert.EqualValues(t, 2, cp.Processed)
}

func TestRunBonusCalcPushesBackOnce(t *testing.T) {
	env := newTestEnv(t, "batch", 101, 102)

	sum, err := env.svc.Run(context.Background(), Options{BonusCalc: true})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.PushBack.Updated)
	assert.Equal(t, 2, env.remote.updateCount())
	assert.Equal(t, "35.00", env.store.rows[101].ClientBonus.Decimal.StringFixed(2))

	sum, err = env.svc.Run(context.Background(), Options{BonusCalc: true})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.PushBack.Updated)
	assert.Equal(t, 2, sum.PushBack.Unchanged)
	assert.Equal(t, 2, env.remote.updateCount())
}

func TestResetClearsProgressAndReferences(t *testing.T) {
	env := newTestEnv(t, "batch", 101)
	require.NoError(t, env.tracker.Save(&progress.Checkpoint{Status: progress.StatusIdle, LastProcessedID: 101}))

	require.NoError(t, env.svc.Reset())

	cp, err := env.tracker.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Equal(t, 1, env.refs.cleared)
}

func TestResetRefusesWhileLocked(t *testing.T) {
	env := newTestEnv(t, "batch", 101)
	require.NoError(t, env.tracker.Save(&progress.Checkpoint{Status: progress.StatusRunning, LastProcessedID: 101}))
	require.NoError(t, env.tracker.Lock("other-run"))

	require.ErrorIs(t, env.svc.Reset(), ErrRunInProgress)

	cp, err := env.tracker.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Zero(t, env.refs.cleared)

	require.NoError(t, env.tracker.ResetLock())
	require.NoError(t, env.svc.Reset())
	assert.Equal(t, 1, env.refs.cleared)
	require.NoError(t, env.tracker.Lock("next-run"))
}

func TestProcessDealWithBonusCalc(t *testing.T) {
	env := newTestEnv(t, "batch", 101)

	rec, err := env.svc.ProcessDeal(context.Background(), 101, true)
	require.NoError(t, err)

	assert.Equal(t, "35.00", rec.ClientBonus.Decimal.StringFixed(2))
	assert.Equal(t, "10.00", rec.ClientBonusRate.Decimal.StringFixed(2))
	assert.Equal(t, []repo.UpsertMode{repo.UpsertFull}, env.store.modes)

	require.Equal(t, 1, env.remote.updateCount())
	update := env.remote.updates[0]
	assert.Equal(t, "200.00", update["UF_TA"])
	assert.Equal(t, "30.00", update["UF_BB"])
	assert.Equal(t, "35.00", update["UF_CB"])
	assert.Equal(t, "9", update["UF_CR"])

	_, err = env.svc.ProcessDeal(context.Background(), 101, true)
	require.NoError(t, err)
	assert.Equal(t, 1, env.remote.updateCount())
}

func TestProcessDealWithoutBonusCalcIsPartial(t *testing.T) {
	env := newTestEnv(t, "direct", 101)

	rec, err := env.svc.ProcessDeal(context.Background(), 101, false)
	require.NoError(t, err)

	assert.False(t, rec.ClientBonus.Valid)
	assert.Equal(t, []repo.UpsertMode{repo.UpsertPartial}, env.store.modes)
	assert.Zero(t, env.remote.updateCount())
}

func TestProcessDealNotFound(t *testing.T) {
	env := newTestEnv(t, "batch")

	_, err := env.svc.ProcessDeal(context.Background(), 999, true)
	require.ErrorIs(t, err, ErrDealNotFound)
	assert.Empty(t, env.store.modes)
}
