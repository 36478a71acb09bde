package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/backtest-orchestrator/pkg/broker"
	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/storage"
)

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

// runningJob creates a running backfill job whose last activity is age ago.
func runningJob(t *testing.T, s *storage.GormStorage, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	job := &core.Job{JobType: core.JobTypeBackfill, Status: core.StatusPending}
	require.NoError(t, s.CreateJob(ctx, job))
	_, err := s.StartJob(ctx, job.JobID, "worker-1")
	require.NoError(t, err)
	past := time.Now().Add(-age)
	require.NoError(t, s.DB().Model(&core.Job{}).Where("job_id = ?", job.JobID).
		UpdateColumns(map[string]any{"updated_at": past, "started_at": past}).Error)
	return job.JobID
}

func runningVerification(t *testing.T, s *storage.GormStorage, vType core.VerificationType, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	v := &core.VerificationJob{StockCode: "005930", VType: vType}
	require.NoError(t, s.CreateVerificationJob(ctx, v))
	_, err := s.StartVerificationJob(ctx, v.VJobID, "worker-1")
	require.NoError(t, err)
	past := time.Now().Add(-age)
	require.NoError(t, s.DB().Model(&core.VerificationJob{}).Where("v_job_id = ?", v.VJobID).
		UpdateColumns(map[string]any{"updated_at": past, "started_at": past}).Error)
	return v.VJobID
}

func subscribe(t *testing.T, b *broker.MemoryBroker, queue string) {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), queue, "c1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
}

type failingInspector struct{}

func (failingInspector) Stats(ctx context.Context, queue string) (broker.QueueStats, error) {
	return broker.QueueStats{}, errors.New("connection refused")
}

func TestCheckHealth_ZombieWithoutConsumers(t *testing.T) {
	s := newTestStore(t)
	b := broker.NewMemoryBroker()
	jobID := runningJob(t, s, 5*time.Minute)

	w := New(s, b, zerolog.Nop(), WithMemoryProbe(nil))
	report, err := w.CheckHealth(context.Background())
	require.NoError(t, err)

	assert.Equal(t, core.HealthCritical, report.Status)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], jobID)
	require.Len(t, report.Zombies, 1)
	assert.Equal(t, core.QueueBulkCollection, report.Zombies[0].Queue)
	assert.GreaterOrEqual(t, report.Zombies[0].Idle, 5*time.Minute)
}

func TestCheckHealth_StopRequestedWithoutConsumers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobID := runningJob(t, s, 5*time.Minute)
	require.NoError(t, s.RequestStop(ctx, jobID))
	past := time.Now().Add(-5 * time.Minute)
	require.NoError(t, s.DB().Model(&core.Job{}).Where("job_id = ?", jobID).
		UpdateColumn("updated_at", past).Error)

	report, err := New(s, broker.NewMemoryBroker(), zerolog.Nop(), WithMemoryProbe(nil)).CheckHealth(ctx)
	require.NoError(t, err)

	assert.Equal(t, core.HealthCritical, report.Status)
	require.Len(t, report.Zombies, 1)
	assert.Equal(t, jobID, report.Zombies[0].ID)
	assert.Equal(t, core.StatusStopRequested, report.Zombies[0].Status)
	assert.Contains(t, report.Issues[0], "stop_requested")
}

func TestCheckHealth_LiveConsumerIsNotZombie(t *testing.T) {
	s := newTestStore(t)
	b := broker.NewMemoryBroker()
	runningJob(t, s, 5*time.Minute)
	subscribe(t, b, core.QueueBulkCollection)

	report, err := New(s, b, zerolog.Nop(), WithMemoryProbe(nil)).CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.HealthHealthy, report.Status)
	assert.Empty(t, report.Issues)
}

func TestCheckHealth_WithinGrace(t *testing.T) {
	s := newTestStore(t)
	runningJob(t, s, 5*time.Second)

	report, err := New(s, broker.NewMemoryBroker(), zerolog.Nop(), WithMemoryProbe(nil)).CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.HealthHealthy, report.Status)
}

func TestCheckHealth_UsesTheJobsOwnQueue(t *testing.T) {
	s := newTestStore(t)
	b := broker.NewMemoryBroker()
	vJobID := runningVerification(t, s, core.VerificationDailyUpdate, time.Minute)
	// A consumer on the heavy queue does not serve DAILY_UPDATE jobs.
	subscribe(t, b, core.QueueHeavyVerification)

	report, err := New(s, b, zerolog.Nop(), WithMemoryProbe(nil)).CheckHealth(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Zombies, 1)
	assert.Equal(t, vJobID, report.Zombies[0].ID)
	assert.Equal(t, core.QueueLightVerification, report.Zombies[0].Queue)

	subscribe(t, b, core.QueueLightVerification)
	report, err = New(s, b, zerolog.Nop(), WithMemoryProbe(nil)).CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Zombies)
}

func TestCheckHealth_BacklogWarning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := broker.NewMemoryBroker()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, core.QueueDailyCollection, []byte(`{}`)))
	}

	report, err := New(s, b, zerolog.Nop(), WithMemoryProbe(nil), WithBacklogThreshold(2)).CheckHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.HealthWarning, report.Status)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], core.QueueDailyCollection)
}

func TestCheckHealth_BrokerErrorIsUnknown(t *testing.T) {
	s := newTestStore(t)
	report, err := New(s, failingInspector{}, zerolog.Nop(), WithMemoryProbe(nil)).CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.HealthUnknown, report.Status)
	assert.Len(t, report.Issues, len(core.AllQueues))
}

func TestCheckHealth_MemoryPressure(t *testing.T) {
	s := newTestStore(t)
	probe := func(ctx context.Context) (float64, error) { return 95.5, nil }

	report, err := New(s, broker.NewMemoryBroker(), zerolog.Nop(), WithMemoryProbe(probe)).CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.HealthWarning, report.Status)
	assert.Contains(t, report.Issues[0], "95.5%")
}

func TestCheckHealth_RecordsTransitionsOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := broker.NewMemoryBroker()
	runningJob(t, s, 5*time.Minute)
	w := New(s, b, zerolog.Nop(), WithMemoryProbe(nil))

	_, err := w.CheckHealth(ctx)
	require.NoError(t, err)
	_, err = w.CheckHealth(ctx)
	require.NoError(t, err)

	var count int64
	require.NoError(t, s.DB().Model(&core.HealthEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "a repeated status is not a transition")

	ev, err := s.LatestHealthEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.HealthCritical, ev.Status)
	assert.Equal(t, core.HealthHealthy, ev.PreviousStatus)
	assert.Contains(t, ev.Issue, "zombie")

	subscribe(t, b, core.QueueBulkCollection)
	report, err := w.CheckHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.HealthHealthy, report.Status)

	ev, err = s.LatestHealthEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.HealthHealthy, ev.Status)
	assert.Equal(t, core.HealthCritical, ev.PreviousStatus)

	// A new watchdog resumes from the stored status.
	_, err = New(s, b, zerolog.Nop(), WithMemoryProbe(nil)).CheckHealth(ctx)
	require.NoError(t, err)
	require.NoError(t, s.DB().Model(&core.HealthEvent{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}
