package core

import (
	"time"

	"gorm.io/datatypes"
)

// CheckpointStatus tracks a grid cell's lifecycle.
type CheckpointStatus string

const (
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointPromoted  CheckpointStatus = "promoted"
)

// AWOCheckpoint is the persisted result of one (window, alpha) grid cell.
// A row's presence means the cell never needs recomputation.
type AWOCheckpoint struct {
	ID             uint             `gorm:"primaryKey" json:"id"`
	VJobID         string           `gorm:"column:v_job_id;size:36;not null;uniqueIndex:idx_awo_cell" json:"v_job_id"`
	StockCode      string           `gorm:"index;size:32;not null" json:"stock_code"`
	WindowMonths   int              `gorm:"column:window_months;not null;uniqueIndex:idx_awo_cell" json:"window_months"`
	Alpha          float64          `gorm:"column:alpha;not null;uniqueIndex:idx_awo_cell" json:"alpha"`
	HitRate        float64          `gorm:"column:hit_rate" json:"hit_rate"`
	MAE            float64          `gorm:"column:mae" json:"mae"`
	StabilityScore *float64         `gorm:"column:stability_score" json:"stability_score"`
	Status         CheckpointStatus `gorm:"size:20;default:'completed'" json:"status"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// TableName pins the table name.
func (AWOCheckpoint) TableName() string { return "awo_checkpoints" }

// ModelVersionMeta is one version of an entity's model lineage.
// At most one row per (stock_code, source) is active.
type ModelVersionMeta struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	StockCode        string         `gorm:"index:idx_model_lineage;size:32;not null" json:"stock_code"`
	Source           string         `gorm:"index:idx_model_lineage;size:32;not null" json:"source"`
	Version          string         `gorm:"size:64;not null" json:"version"`
	IsActive         bool           `gorm:"index" json:"is_active"`
	ParentVersion    *string        `gorm:"size:64" json:"parent_version"`
	PromotionStatus  string         `gorm:"size:32" json:"promotion_status"`
	PromotionMetrics datatypes.JSON `json:"promotion_metrics"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName pins the table name.
func (ModelVersionMeta) TableName() string { return "sentiment_dict_meta" }

// DailyTarget holds an entity's golden parameters.
type DailyTarget struct {
	StockCode           string    `gorm:"primaryKey;size:32" json:"stock_code"`
	OptimalWindowMonths int       `json:"optimal_window_months"`
	OptimalAlpha        float64   `json:"optimal_alpha"`
	OptimalLag          int       `json:"optimal_lag"`
	IsActive            bool      `gorm:"index" json:"is_active"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName pins the table name.
func (DailyTarget) TableName() string { return "daily_targets" }

// BacktestResult is one simulated day of a backtest cell.
type BacktestResult struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	VJobID             string    `gorm:"column:v_job_id;size:36;not null;uniqueIndex:idx_bt_day" json:"v_job_id"`
	StockCode          string    `gorm:"index;size:32;not null" json:"stock_code"`
	WindowMonths       int       `gorm:"column:window_months;uniqueIndex:idx_bt_day" json:"window_months"`
	Alpha              float64   `gorm:"column:alpha;uniqueIndex:idx_bt_day" json:"alpha"`
	Date               time.Time `gorm:"uniqueIndex:idx_bt_day" json:"date"`
	PredictedDirection int       `json:"predicted_direction"`
	PredictedMagnitude float64   `json:"predicted_magnitude"`
	ActualReturn       float64   `json:"actual_return"`
	Correct            bool      `json:"correct"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName pins the table name.
func (BacktestResult) TableName() string { return "backtest_results" }

// Prediction is a production prediction. Actual fields are filled when the
// outcome settles.
type Prediction struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	StockCode    string     `gorm:"size:32;not null;uniqueIndex:idx_pred_day" json:"stock_code"`
	Date         time.Time  `gorm:"uniqueIndex:idx_pred_day" json:"date"`
	Direction    int        `json:"direction"`
	Magnitude    float64    `json:"magnitude"`
	ModelVersion string     `gorm:"size:64" json:"model_version"`
	ActualReturn *float64   `json:"actual_return"`
	Correct      *bool      `json:"correct"`
	SettledAt    *time.Time `gorm:"index" json:"settled_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName pins the table name.
func (Prediction) TableName() string { return "predictions" }

// HealthStatus is the watchdog's overall verdict.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// HealthEvent records one watchdog status transition.
type HealthEvent struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	Status         HealthStatus `gorm:"size:20;not null" json:"status"`
	PreviousStatus HealthStatus `gorm:"size:20" json:"previous_status"`
	Issue          string       `gorm:"type:text" json:"issue"`
	CreatedAt      time.Time    `gorm:"index;autoCreateTime" json:"created_at"`
}

// TableName pins the table name.
func (HealthEvent) TableName() string { return "health_events" }

// Sign returns the direction of x as +1, -1 or 0.
func Sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// FeatureRow is one trading day of model input for an entity, written by
// the collectors. NextReturn is the realized return of the following trading
// day and stays nil until that day settles.
type FeatureRow struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	StockCode  string         `gorm:"size:32;not null;uniqueIndex:idx_feature_day" json:"stock_code"`
	Date       time.Time      `gorm:"uniqueIndex:idx_feature_day" json:"date"`
	Features   datatypes.JSON `json:"features"`
	NextReturn *float64       `json:"next_return"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName pins the table name.
func (FeatureRow) TableName() string { return "daily_features" }
