package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/coral-monitor/internal/retry"
)

// RunLog is one processed image of a run batch.
type RunLog struct {
	ID        uint      `gorm:"primaryKey"`
	RunID     string    `gorm:"column:run_id;index;size:64"`
	SessionID string    `gorm:"column:session_id;index;size:64"`
	ImageName string    `gorm:"column:image_name;size:512"`
	Position  int       `gorm:"column:position"`
	Total     int       `gorm:"column:total"`
	Success   bool      `gorm:"column:success"`
	Error     string    `gorm:"column:error;type:text"`
	LatencyMs int64     `gorm:"column:latency_ms"`
	Details   string    `gorm:"column:details;type:text"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (RunLog) TableName() string {
	return "run_logs"
}

// Aggregation is the raw summary over all run logs.
type Aggregation struct {
	TotalCount       int64
	SuccessCount     int64
	RunCount         int64
	SessionCount     int64
	AverageLatencyMs float64
}

// RunRepository persists the run history.
type RunRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewRunRepository creates a new repository instance.
func NewRunRepository(db *gorm.DB, logger *zap.Logger) *RunRepository {
	return &RunRepository{
		db:     db,
		logger: logger.Named("run_repository"),
		policy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *RunRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&RunLog{})
	})
}

// SaveLog persists one run log entry.
func (r *RunRepository) SaveLog(ctx context.Context, log *RunLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.SessionID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRun returns the entries of one run in processing order.
func (r *RunRepository) FindByRun(ctx context.Context, sessionID, runID string) ([]*RunLog, error) {
	var logs []*RunLog
	err := r.executeWithRetry(ctx, "repository.find_by_run", sessionID, func() error {
		return r.db.WithContext(ctx).
			Where("session_id = ? AND run_id = ?", sessionID, runID).
			Order("position ASC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics summarizes every run log.
func (r *RunRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var row struct {
		TotalCount       int64
		SuccessCount     int64
		RunCount         int64
		SessionCount     int64
		AverageLatencyMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&RunLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COUNT(DISTINCT run_id) AS run_count,
				COUNT(DISTINCT session_id) AS session_count,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &Aggregation{
		TotalCount:       row.TotalCount,
		SuccessCount:     row.SuccessCount,
		RunCount:         row.RunCount,
		SessionCount:     row.SessionCount,
		AverageLatencyMs: row.AverageLatencyMs,
	}, nil
}

func (r *RunRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	return retry.Do(ctx, r.policy, r.logger, operation, sessionID, fn)
}
