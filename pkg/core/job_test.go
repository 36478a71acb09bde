package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_Values(t *testing.T) {
	assert.Equal(t, JobStatus("pending"), StatusPending)
	assert.Equal(t, JobStatus("running"), StatusRunning)
	assert.Equal(t, JobStatus("completed"), StatusCompleted)
	assert.Equal(t, JobStatus("failed"), StatusFailed)
	assert.Equal(t, JobStatus("stop_requested"), StatusStopRequested)
	assert.Equal(t, JobStatus("stopped"), StatusStopped)
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusStopped.IsTerminal())

	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusStopRequested.IsTerminal())
}

func TestJob_Defaults(t *testing.T) {
	job := &Job{}
	assert.Empty(t, job.JobID)
	assert.Equal(t, JobStatus(""), job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Zero(t, job.Progress)
}

func TestJob_LastActivity(t *testing.T) {
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	started := updated.Add(time.Minute)

	job := &Job{UpdatedAt: updated}
	assert.Equal(t, updated, job.LastActivity())

	job.StartedAt = &started
	assert.Equal(t, started, job.LastActivity())
}

func TestQueueRouting(t *testing.T) {
	assert.Equal(t, QueueBulkCollection, QueueForJobType(JobTypeBackfill))
	assert.Equal(t, QueueDailyCollection, QueueForJobType(JobTypeDaily))

	assert.Equal(t, QueueHeavyVerification, QueueForVerificationType(VerificationAWOScan))
	assert.Equal(t, QueueHeavyVerification, QueueForVerificationType(VerificationWFCheck))
	assert.Equal(t, QueueLightVerification, QueueForVerificationType(VerificationDailyUpdate))

	assert.Equal(t, "collection.bulk.dlq", DeadLetterQueue(QueueBulkCollection))
}

func TestVerificationParams_Range(t *testing.T) {
	p, err := ParseVerificationParams([]byte(`{"start":"2024-01-02","end":"2024-02-01"}`))
	assert.NoError(t, err)

	start, end, err := p.Range()
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), end)

	p.End = p.Start
	_, _, err = p.Range()
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestSign(t *testing.T) {
	assert.Equal(t, 1, Sign(0.01))
	assert.Equal(t, -1, Sign(-2))
	assert.Equal(t, 0, Sign(0))
}
