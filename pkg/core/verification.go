package core

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// VerificationType selects what a verification job runs.
type VerificationType string

const (
	VerificationAWOScan     VerificationType = "AWO_SCAN_2D"
	VerificationWFCheck     VerificationType = "WF_CHECK"
	VerificationDailyUpdate VerificationType = "DAILY_UPDATE"
)

// VerificationJob is a backtest / verification job record.
type VerificationJob struct {
	VJobID        string           `gorm:"column:v_job_id;primaryKey;size:36" json:"v_job_id"`
	StockCode     string           `gorm:"index;size:32;not null" json:"stock_code"`
	VType         VerificationType `gorm:"column:v_type;index;size:32;not null" json:"v_type"`
	Status        JobStatus        `gorm:"index;size:20;default:'pending'" json:"status"`
	Progress      float64          `gorm:"default:0" json:"progress"`
	Params        datatypes.JSON   `json:"params"`
	WorkerID      string           `gorm:"size:255" json:"worker_id"`
	RetryCount    int              `gorm:"default:0" json:"retry_count"`
	ResultSummary datatypes.JSON   `json:"result_summary"`
	ErrorMessage  string           `gorm:"type:text" json:"error_message"`
	StartedAt     *time.Time       `json:"started_at"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"index;autoUpdateTime" json:"updated_at"`
	CompletedAt   *time.Time       `json:"completed_at"`
}

// TableName pins the table name.
func (VerificationJob) TableName() string { return "verification_jobs" }

// LastActivity is the most recent of started_at and updated_at.
func (v *VerificationJob) LastActivity() time.Time {
	return lastActivity(v.StartedAt, v.UpdatedAt)
}

// VerificationParams is the typed form of a verification job's params blob.
type VerificationParams struct {
	ValidationMonths int    `json:"validation_months,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Start            string `json:"start,omitempty"` // YYYY-MM-DD
	End              string `json:"end,omitempty"`   // YYYY-MM-DD, exclusive
	RetrainFrequency string `json:"retrain_frequency,omitempty"`
}

// DateLayout is the calendar-date format used in params.
const DateLayout = "2006-01-02"

// ParseVerificationParams decodes a params blob. An empty blob yields zero params.
func ParseVerificationParams(raw []byte) (VerificationParams, error) {
	var p VerificationParams
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.ValidationMonths < 0 {
		return p, fmt.Errorf("%w: negative validation_months", ErrInvalidParams)
	}
	return p, nil
}

// Range parses Start and End. Both must be set.
func (p VerificationParams) Range() (time.Time, time.Time, error) {
	if p.Start == "" || p.End == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start and end required", ErrInvalidParams)
	}
	start, err := time.Parse(DateLayout, p.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start: %v", ErrInvalidParams, err)
	}
	end, err := time.Parse(DateLayout, p.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end: %v", ErrInvalidParams, err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start must be before end", ErrInvalidParams)
	}
	return start, end, nil
}
