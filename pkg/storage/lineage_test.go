package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

// ──────────────────────────────────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────────────────────────────────

func TestSaveCheckpoint_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveCheckpoint(ctx, &core.AWOCheckpoint{
			VJobID: "scan-1", StockCode: "005930", WindowMonths: 3, Alpha: 0.5, HitRate: 0.6, MAE: 0.02,
		}))
	}
	require.NoError(t, s.SaveCheckpoint(ctx, &core.AWOCheckpoint{
		VJobID: "scan-1", StockCode: "005930", WindowMonths: 3, Alpha: 1.0, HitRate: 0.55, MAE: 0.03,
	}))

	cps, err := s.GetCheckpoints(ctx, "scan-1")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, 0.5, cps[0].Alpha)
	assert.Equal(t, core.CheckpointCompleted, cps[0].Status)
}

func TestUpdateStabilityScores(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	cp := &core.AWOCheckpoint{VJobID: "scan-1", StockCode: "005930", WindowMonths: 6, Alpha: 0.1, HitRate: 0.6}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	score := 0.42
	cp.StabilityScore = &score
	require.NoError(t, s.UpdateStabilityScores(ctx, []core.AWOCheckpoint{*cp}))

	cps, err := s.GetCheckpoints(ctx, "scan-1")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.NotNil(t, cps[0].StabilityScore)
	assert.InDelta(t, 0.42, *cps[0].StabilityScore, 1e-9)
}

func TestSaveBacktestResult_UpsertsPerDay(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	row := core.BacktestResult{VJobID: "scan-1", StockCode: "005930", WindowMonths: 3, Alpha: 0.5, Date: day, PredictedDirection: 1}
	first := row
	require.NoError(t, s.SaveBacktestResult(ctx, &first))
	second := row
	second.Correct = true
	require.NoError(t, s.SaveBacktestResult(ctx, &second))

	n, err := s.CountBacktestResults(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// ──────────────────────────────────────────────────────────────────────────────
// Predictions
// ──────────────────────────────────────────────────────────────────────────────

func TestSettlePrediction(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SavePrediction(ctx, &core.Prediction{StockCode: "005930", Date: day, Direction: 1, Magnitude: 0.01}))
	require.NoError(t, s.SettlePrediction(ctx, "005930", day, -0.02))

	preds, err := s.ListSettledPredictions(ctx, "005930", 10)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	require.NotNil(t, preds[0].Correct)
	assert.False(t, *preds[0].Correct)
	assert.InDelta(t, -0.02, *preds[0].ActualReturn, 1e-12)

	err = s.SettlePrediction(ctx, "005930", day.AddDate(0, 0, 1), 0.01)
	assert.ErrorIs(t, err, core.ErrNoPrediction)
}

func TestSettleFromFeatures(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	day1 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	day3 := day1.AddDate(0, 0, 2)
	up, down := 0.01, -0.01

	require.NoError(t, s.SavePrediction(ctx, &core.Prediction{StockCode: "005930", Date: day1, Direction: 1}))
	require.NoError(t, s.SavePrediction(ctx, &core.Prediction{StockCode: "005930", Date: day2, Direction: 1}))
	require.NoError(t, s.SavePrediction(ctx, &core.Prediction{StockCode: "005930", Date: day3, Direction: -1}))
	require.NoError(t, s.UpsertFeatures(ctx, "005930", day1, []float64{1}, &up))
	require.NoError(t, s.UpsertFeatures(ctx, "005930", day2, []float64{1}, &down))
	// day3's outcome is not known yet.
	require.NoError(t, s.UpsertFeatures(ctx, "005930", day3, []float64{1}, nil))

	n, err := s.SettleFromFeatures(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	preds, err := s.ListSettledPredictions(ctx, "005930", 0)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.False(t, *preds[0].Correct)
	assert.True(t, *preds[1].Correct)

	n, err = s.SettleFromFeatures(ctx, "005930")
	require.NoError(t, err)
	assert.Zero(t, n, "settled predictions are not settled again")
}

func TestListSettledPredictions_SkipsUnsettledNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	base := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		day := base.AddDate(0, 0, i)
		require.NoError(t, s.SavePrediction(ctx, &core.Prediction{StockCode: "005930", Date: day, Direction: 1}))
		if i < 2 {
			require.NoError(t, s.SettlePrediction(ctx, "005930", day, 0.01))
		}
	}

	preds, err := s.ListSettledPredictions(ctx, "005930", 0)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.True(t, preds[0].Date.After(preds[1].Date))
}

// ──────────────────────────────────────────────────────────────────────────────
// Lineage
// ──────────────────────────────────────────────────────────────────────────────

func activeCount(t *testing.T, s *GormStorage, stock, source string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.DB().Model(&core.ModelVersionMeta{}).
		Where("stock_code = ? AND source = ? AND is_active = ?", stock, source, true).
		Count(&n).Error)
	return n
}

func TestPromoteVersion_RecordsParentAndGoldenParams(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	cp := &core.AWOCheckpoint{VJobID: "scan-1", StockCode: "005930", WindowMonths: 6, Alpha: 0.5, HitRate: 0.58}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	require.NoError(t, s.PromoteVersion(ctx, Promotion{
		Version: &core.ModelVersionMeta{StockCode: "005930", Source: "main", Version: "v1"},
		Target:  core.DailyTarget{StockCode: "005930", OptimalWindowMonths: 3, OptimalAlpha: 1, IsActive: true},
	}))
	require.NoError(t, s.PromoteVersion(ctx, Promotion{
		Version:      &core.ModelVersionMeta{StockCode: "005930", Source: "main", Version: "v2"},
		Target:       core.DailyTarget{StockCode: "005930", OptimalWindowMonths: 6, OptimalAlpha: 0.5, OptimalLag: 1, IsActive: true},
		CheckpointID: cp.ID,
	}))

	active, err := s.GetActiveVersion(ctx, "005930", "main")
	require.NoError(t, err)
	assert.Equal(t, "v2", active.Version)
	require.NotNil(t, active.ParentVersion)
	assert.Equal(t, "v1", *active.ParentVersion)
	assert.Equal(t, int64(1), activeCount(t, s, "005930", "main"))

	target, err := s.GetDailyTarget(ctx, "005930")
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, 6, target.OptimalWindowMonths)
	assert.Equal(t, 0.5, target.OptimalAlpha)

	cps, err := s.GetCheckpoints(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, core.CheckpointPromoted, cps[0].Status)
}

func TestPromoteVersion_RefusesTerminalJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	v := newVerificationJob(t, s)
	require.NoError(t, s.FailVerificationJob(ctx, v.VJobID, "reaped"))

	err := s.PromoteVersion(ctx, Promotion{
		Version: &core.ModelVersionMeta{StockCode: "005930", Source: "main", Version: "v1"},
		Target:  core.DailyTarget{StockCode: "005930", OptimalWindowMonths: 3, IsActive: true},
		VJobID:  v.VJobID,
	})
	assert.ErrorIs(t, err, core.ErrTerminalStatus)

	_, err = s.GetActiveVersion(ctx, "005930", "main")
	assert.ErrorIs(t, err, core.ErrNoActiveVersion)
	target, err := s.GetDailyTarget(ctx, "005930")
	require.NoError(t, err)
	assert.Nil(t, target)
}

func TestRollbackToParent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	for _, v := range []string{"v1", "v2"} {
		require.NoError(t, s.PromoteVersion(ctx, Promotion{
			Version: &core.ModelVersionMeta{StockCode: "005930", Source: "main", Version: v},
			Target:  core.DailyTarget{StockCode: "005930", IsActive: true},
		}))
	}

	parent, err := s.RollbackToParent(ctx, "005930", "main")
	require.NoError(t, err)
	assert.Equal(t, "v1", parent.Version)

	active, err := s.GetActiveVersion(ctx, "005930", "main")
	require.NoError(t, err)
	assert.Equal(t, "v1", active.Version)
	assert.Equal(t, int64(1), activeCount(t, s, "005930", "main"))
}

func TestRollbackToParent_NoParentLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.PromoteVersion(ctx, Promotion{
		Version: &core.ModelVersionMeta{StockCode: "005930", Source: "main", Version: "v1"},
		Target:  core.DailyTarget{StockCode: "005930", IsActive: true},
	}))

	_, err := s.RollbackToParent(ctx, "005930", "main")
	assert.ErrorIs(t, err, core.ErrNoParentVersion)

	active, err := s.GetActiveVersion(ctx, "005930", "main")
	require.NoError(t, err)
	assert.Equal(t, "v1", active.Version)
	assert.True(t, active.IsActive)
}

func TestRollbackToParent_NoActiveVersion(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.RollbackToParent(context.Background(), "005930", "main")
	assert.ErrorIs(t, err, core.ErrNoActiveVersion)
}

func TestGetDailyTarget_Missing(t *testing.T) {
	s := newTestStorage(t)
	target, err := s.GetDailyTarget(context.Background(), "NONE")
	require.NoError(t, err)
	assert.Nil(t, target)
}

func TestListActiveTargets(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.UpsertGoldenParams(ctx, &core.DailyTarget{StockCode: "B", IsActive: true}))
	require.NoError(t, s.UpsertGoldenParams(ctx, &core.DailyTarget{StockCode: "A", IsActive: true}))
	require.NoError(t, s.UpsertGoldenParams(ctx, &core.DailyTarget{StockCode: "C", IsActive: false}))

	targets, err := s.ListActiveTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "A", targets[0].StockCode)
}

// ──────────────────────────────────────────────────────────────────────────────
// Health events
// ──────────────────────────────────────────────────────────────────────────────

func TestHealthEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	ev, err := s.LatestHealthEvent(ctx)
	require.NoError(t, err)
	assert.Nil(t, ev)

	require.NoError(t, s.RecordHealthEvent(ctx, &core.HealthEvent{Status: core.HealthCritical, PreviousStatus: core.HealthHealthy, Issue: "zombie"}))
	require.NoError(t, s.RecordHealthEvent(ctx, &core.HealthEvent{Status: core.HealthHealthy, PreviousStatus: core.HealthCritical}))

	ev, err = s.LatestHealthEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, core.HealthHealthy, ev.Status)
	assert.Equal(t, core.HealthCritical, ev.PreviousStatus)
}
