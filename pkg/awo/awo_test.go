package awo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/modeling"
	"github.com/jdziat/backtest-orchestrator/pkg/storage"
	"github.com/jdziat/backtest-orchestrator/pkg/validator"
)

var fixedNow = time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *storage.GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.ConfigurePool(db, storage.SQLitePoolConfig()))
	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func ret(v float64) *float64 { return &v }

// signalSource serves a series whose feature sign predicts the next return,
// and counts fetches.
type signalSource struct {
	mu    sync.Mutex
	calls int
}

func (s *signalSource) FetchTrainingWindow(ctx context.Context, stockCode string, start, end time.Time) (*modeling.Dataset, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	ds := &modeling.Dataset{StockCode: stockCode, Start: start, End: end}
	pattern := []float64{-2, -1, 1, 2}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		x := pattern[d.YearDay()%len(pattern)]
		ds.Samples = append(ds.Samples, modeling.Sample{Date: d, Features: []float64{x}, NextReturn: ret(0.01 * x)})
	}
	return ds, nil
}

func (s *signalSource) fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// contrarianTrainer always calls the opposite of a rising market.
type contrarianTrainer struct{}

func (contrarianTrainer) Train(ctx context.Context, stockCode string, samples []modeling.Sample, alpha float64) (*modeling.Model, error) {
	return &modeling.Model{StockCode: stockCode, Alpha: alpha}, nil
}

func (contrarianTrainer) Predict(ctx context.Context, m *modeling.Model, features []float64) (modeling.Prediction, error) {
	return modeling.Prediction{Direction: -1, Magnitude: 0.01}, nil
}

// risingSource returns a positive next-day return every day.
type risingSource struct{}

func (risingSource) FetchTrainingWindow(ctx context.Context, stockCode string, start, end time.Time) (*modeling.Dataset, error) {
	ds := &modeling.Dataset{StockCode: stockCode, Start: start, End: end}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		ds.Samples = append(ds.Samples, modeling.Sample{Date: d, Features: []float64{1}, NextReturn: ret(0.01)})
	}
	return ds, nil
}

// stoppingStore stops the job right after the first checkpoint is written.
type stoppingStore struct {
	*storage.GormStorage
	saved int
}

func (s *stoppingStore) SaveCheckpoint(ctx context.Context, cp *core.AWOCheckpoint) error {
	if err := s.GormStorage.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	s.saved++
	if s.saved == 1 {
		return s.StopVerificationJob(ctx, cp.VJobID)
	}
	return nil
}

// failingStore marks the job failed, as the reaper would, once the
// configured step is reached.
type failingStore struct {
	*storage.GormStorage
	afterScores bool
	saved       int
}

func (s *failingStore) SaveCheckpoint(ctx context.Context, cp *core.AWOCheckpoint) error {
	if err := s.GormStorage.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	s.saved++
	if !s.afterScores && s.saved == 1 {
		return s.FailVerificationJob(ctx, cp.VJobID, "stale: worker lost")
	}
	return nil
}

func (s *failingStore) UpdateStabilityScores(ctx context.Context, cps []core.AWOCheckpoint) error {
	if err := s.GormStorage.UpdateStabilityScores(ctx, cps); err != nil {
		return err
	}
	if s.afterScores && len(cps) > 0 {
		return s.FailVerificationJob(ctx, cps[0].VJobID, "stale: worker lost")
	}
	return nil
}

type fixture struct {
	store    *storage.GormStorage
	source   *signalSource
	registry *modeling.MemoryRegistry
}

func newFixture(t *testing.T) *fixture {
	return &fixture{store: newTestStore(t), source: &signalSource{}, registry: modeling.NewMemoryRegistry()}
}

func (f *fixture) engine(store Store, opts ...Option) *Engine {
	v := validator.New(f.source, modeling.RidgeTrainer{}, f.store, zerolog.Nop())
	opts = append([]Option{
		WithGrid([]int{1, 2}, []float64{0.1, 1}),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	return NewEngine(store, v, f.source, modeling.RidgeTrainer{}, f.registry, zerolog.Nop(), opts...)
}

func createScanJob(t *testing.T, store *storage.GormStorage) string {
	t.Helper()
	job := &core.VerificationJob{StockCode: "005930", VType: core.VerificationAWOScan, Status: core.StatusRunning}
	require.NoError(t, store.CreateVerificationJob(context.Background(), job))
	return job.VJobID
}

func TestRunExhaustiveScan_PromotesStableWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	jobID := createScanJob(t, f.store)

	summary, err := f.engine(f.store).RunExhaustiveScan(ctx, "005930", 1, jobID)
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, 4, summary.Cells)
	assert.Equal(t, 4, summary.Computed)
	assert.Equal(t, DecisionPromoted, summary.Decision)
	require.NotNil(t, summary.Winner)
	assert.Greater(t, summary.Winner.HitRate, PromotionThreshold)
	assert.Empty(t, summary.ParentVersion, "first promotion has no parent")

	cps, err := f.store.GetCheckpoints(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, cps, 4)
	promoted := 0
	for _, cp := range cps {
		assert.NotNil(t, cp.StabilityScore)
		if cp.Status == core.CheckpointPromoted {
			promoted++
			assert.Equal(t, summary.Winner.WindowMonths, cp.WindowMonths)
			assert.Equal(t, summary.Winner.Alpha, cp.Alpha)
		}
	}
	assert.Equal(t, 1, promoted)

	active, err := f.store.GetActiveVersion(ctx, "005930", DefaultModelSource)
	require.NoError(t, err)
	assert.Equal(t, summary.Version, active.Version)
	_, ok := f.registry.Get(summary.Version)
	assert.True(t, ok)

	target, err := f.store.GetDailyTarget(ctx, "005930")
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, summary.Winner.WindowMonths, target.OptimalWindowMonths)
	assert.Equal(t, summary.Winner.Alpha, target.OptimalAlpha)
	assert.True(t, target.IsActive)

	// 2024-05-10 .. 2024-06-07 holds 21 trading days, one row per cell and day.
	n, err := f.store.CountBacktestResults(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(4*21), n)

	job, err := f.store.GetVerificationJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, job.Progress)
}

func TestRunExhaustiveScan_CheckpointsPreventRecomputation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	jobID := createScanJob(t, f.store)
	e := f.engine(f.store)

	first, err := e.RunExhaustiveScan(ctx, "005930", 1, jobID)
	require.NoError(t, err)
	fetches := f.source.fetches()
	rows, err := f.store.CountBacktestResults(ctx, jobID)
	require.NoError(t, err)

	second, err := e.RunExhaustiveScan(ctx, "005930", 1, jobID)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Zero(t, second.Computed)
	assert.Equal(t, fetches, f.source.fetches(), "no window is fetched again")
	assert.Equal(t, first.Winner.WindowMonths, second.Winner.WindowMonths)
	assert.Equal(t, first.Winner.Alpha, second.Winner.Alpha)
	assert.Equal(t, DecisionAlreadyPromoted, second.Decision)

	again, err := f.store.CountBacktestResults(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, rows, again)

	versions, err := f.store.ListVersions(ctx, "005930", DefaultModelSource)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestRunExhaustiveScan_StoppedMidGrid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	jobID := createScanJob(t, f.store)
	store := &stoppingStore{GormStorage: f.store}

	summary, err := f.engine(store).RunExhaustiveScan(ctx, "005930", 1, jobID)
	require.NoError(t, err)
	assert.Nil(t, summary)

	cps, err := f.store.GetCheckpoints(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, cps, 1, "no cell started after the stop has a checkpoint")
	assert.Equal(t, 1, cps[0].WindowMonths)
	assert.Equal(t, 0.1, cps[0].Alpha)

	n, err := f.store.CountBacktestResults(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(21), n)

	_, err = f.store.GetActiveVersion(ctx, "005930", DefaultModelSource)
	assert.ErrorIs(t, err, core.ErrNoActiveVersion)
}

func TestRunExhaustiveScan_FailedJobIsAbandoned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	jobID := createScanJob(t, f.store)

	summary, err := f.engine(&failingStore{GormStorage: f.store}).RunExhaustiveScan(ctx, "005930", 1, jobID)
	require.NoError(t, err)
	assert.Nil(t, summary)

	cps, err := f.store.GetCheckpoints(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, cps, 1)

	_, err = f.store.GetActiveVersion(ctx, "005930", DefaultModelSource)
	assert.ErrorIs(t, err, core.ErrNoActiveVersion)
	job, err := f.store.GetVerificationJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, job.Status)
}

func TestRunExhaustiveScan_NoPromotionAfterJobFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	jobID := createScanJob(t, f.store)

	summary, err := f.engine(&failingStore{GormStorage: f.store, afterScores: true}).RunExhaustiveScan(ctx, "005930", 1, jobID)
	require.NoError(t, err)
	assert.Nil(t, summary)

	cps, err := f.store.GetCheckpoints(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, cps, 4)
	for _, cp := range cps {
		assert.NotEqual(t, core.CheckpointPromoted, cp.Status)
	}

	_, err = f.store.GetActiveVersion(ctx, "005930", DefaultModelSource)
	assert.ErrorIs(t, err, core.ErrNoActiveVersion)
	target, err := f.store.GetDailyTarget(ctx, "005930")
	require.NoError(t, err)
	assert.Nil(t, target, "golden parameters are not written")
}

func TestRunExhaustiveScan_RejectsBelowThreshold(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	registry := modeling.NewMemoryRegistry()
	v := validator.New(risingSource{}, contrarianTrainer{}, store, zerolog.Nop())
	e := NewEngine(store, v, risingSource{}, contrarianTrainer{}, registry, zerolog.Nop(),
		WithGrid([]int{1}, []float64{1}),
		WithClock(func() time.Time { return fixedNow }),
	)

	summary, err := e.RunExhaustiveScan(ctx, "005930", 1, "")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, DecisionRejected, summary.Decision)
	assert.Contains(t, summary.Reason, "does not exceed")
	assert.Zero(t, summary.Winner.HitRate)

	_, err = store.GetActiveVersion(ctx, "005930", DefaultModelSource)
	assert.ErrorIs(t, err, core.ErrNoActiveVersion)

	// The engine created the job itself and completes it.
	job, err := store.GetVerificationJob(ctx, summary.VJobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, job.Status)
	assert.Contains(t, string(job.ResultSummary), DecisionRejected)
}

func TestRunExhaustiveScan_SecondPromotionRecordsParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(f.store)

	first, err := e.RunExhaustiveScan(ctx, "005930", 1, createScanJob(t, f.store))
	require.NoError(t, err)
	second, err := e.RunExhaustiveScan(ctx, "005930", 1, createScanJob(t, f.store))
	require.NoError(t, err)

	assert.Equal(t, DecisionPromoted, second.Decision)
	assert.Equal(t, first.Version, second.ParentVersion)

	versions, err := f.store.ListVersions(ctx, "005930", DefaultModelSource)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.False(t, versions[0].IsActive)
	assert.True(t, versions[1].IsActive)
}

func TestRunExhaustiveScan_InvalidInput(t *testing.T) {
	f := newFixture(t)
	e := f.engine(f.store)

	_, err := e.RunExhaustiveScan(context.Background(), "", 1, "")
	assert.ErrorIs(t, err, core.ErrInvalidStockCode)
	_, err = e.RunExhaustiveScan(context.Background(), "005930", 0, "")
	assert.ErrorIs(t, err, core.ErrInvalidParams)
}
