// Package core provides the domain models and interfaces for the orchestration packages.
package core

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus represents the current state of a job or verification job.
type JobStatus string

const (
	StatusPending       JobStatus = "pending"
	StatusRunning       JobStatus = "running"
	StatusCompleted     JobStatus = "completed"
	StatusFailed        JobStatus = "failed"
	StatusStopRequested JobStatus = "stop_requested" // Operator asked the worker to stop at its next check
	StatusStopped       JobStatus = "stopped"        // Worker honoured a stop request
)

// IsTerminal reports whether no worker may transition a job out of this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// JobType distinguishes the collection job classes.
type JobType string

const (
	JobTypeBackfill JobType = "backfill"
	JobTypeDaily    JobType = "daily"
)

// CancellationPollEvery is how many loop iterations the validator and the AWO
// engine run between two status reads of their owning job.
const CancellationPollEvery = 2

// Job is a collection job. A backfill job holds two sub-tasks in Params.
type Job struct {
	JobID       string         `gorm:"column:job_id;primaryKey;size:36" json:"job_id"`
	JobType     JobType        `gorm:"index;size:20;not null" json:"job_type"`
	Status      JobStatus      `gorm:"index;size:20;default:'pending'" json:"status"`
	Progress    float64        `gorm:"default:0" json:"progress"`
	Params      datatypes.JSON `json:"params"`
	WorkerID    string         `gorm:"size:255" json:"worker_id"`
	RetryCount  int            `gorm:"default:0" json:"retry_count"`
	StartedAt   *time.Time     `json:"started_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"index;autoUpdateTime" json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	Message     string         `gorm:"type:text" json:"message"`
}

// TableName pins the table name.
func (Job) TableName() string { return "jobs" }

// CollectionParams decodes the job's params blob.
func (j *Job) CollectionParams() (CollectionParams, error) {
	return ParseCollectionParams(j.Params)
}

// LastActivity is the most recent of started_at and updated_at.
func (j *Job) LastActivity() time.Time {
	return lastActivity(j.StartedAt, j.UpdatedAt)
}

func lastActivity(startedAt *time.Time, updatedAt time.Time) time.Time {
	if startedAt != nil && startedAt.After(updatedAt) {
		return *startedAt
	}
	return updatedAt
}
