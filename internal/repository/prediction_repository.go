package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/glof-monitor/internal/logging"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// PredictionLog represents one persisted risk assessment.
type PredictionLog struct {
	ID                  uint      `gorm:"primaryKey"`
	RequestID           string    `gorm:"column:request_id;uniqueIndex;size:64"`
	ImageURL            string    `gorm:"column:image_url;type:text"`
	Latitude            float64   `gorm:"column:latitude"`
	Longitude           float64   `gorm:"column:longitude"`
	RiskLevel           float64   `gorm:"column:risk_level"`
	Confidence          float64   `gorm:"column:confidence"`
	Severity            string    `gorm:"column:severity;size:16"`
	ContourCount        int       `gorm:"column:contour_count"`
	TotalArea           float64   `gorm:"column:total_area"`
	MaxContourArea      float64   `gorm:"column:max_contour_area"`
	AlertFired          bool      `gorm:"column:alert_fired"`
	ProcessingLatencyMs float64   `gorm:"column:processing_latency_ms"`
	ObservedAt          time.Time `gorm:"column:observed_at"`
	CreatedAt           time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// Alert is a fired alert for a location.
type Alert struct {
	ID        string    `gorm:"primaryKey;size:36"`
	RequestID string    `gorm:"column:request_id;index;size:64"`
	Latitude  float64   `gorm:"column:latitude"`
	Longitude float64   `gorm:"column:longitude"`
	RiskScore float64   `gorm:"column:risk_score"`
	Severity  string    `gorm:"column:severity;size:16"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

func (Alert) TableName() string {
	return "alerts"
}

// MetricsAggregation holds raw aggregates over prediction logs.
type MetricsAggregation struct {
	TotalCount                 int64
	AlertCount                 int64
	AverageRisk                float64
	AverageProcessingLatencyMs float64
}

// PredictionRepository provides persistence APIs for assessments and alerts.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Dialector picks the gorm driver for a DATABASE_URL value. postgres:// URLs
// and key=value DSNs go to postgres, everything else is a sqlite path with an
// optional sqlite:// prefix.
func Dialector(dsn string) gorm.Dialector {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.HasPrefix(dsn, "host="):
		return postgres.Open(dsn)
	default:
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string, debug bool) (*gorm.DB, error) {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(Dialector(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{}, &Alert{})
}

// SaveAssessment persists a prediction log and, when non-nil, its alert in
// one transaction.
func (r *PredictionRepository) SaveAssessment(ctx context.Context, log *PredictionLog, alert *Alert) error {
	return r.executeWithRetry(ctx, "repository.save_assessment", log.RequestID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(log).Error; err != nil {
				return err
			}
			if alert != nil {
				return tx.Create(alert).Error
			}
			return nil
		})
	})
}

// FindByRequestID retrieves the prediction log for a request.
func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, logging.NewOperationError("repository.find_prediction", requestID, err)
	}
	return &log, nil
}

// ListAlerts returns the most recent alerts, newest first.
func (r *PredictionRepository) ListAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	var alerts []*Alert
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&alerts).Error
	if err != nil {
		return nil, logging.NewOperationError("repository.list_alerts", "", err)
	}
	return alerts, nil
}

// AggregateMetrics summarises all stored prediction logs.
func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.db.WithContext(ctx).Model(&PredictionLog{}).Select(
		"COUNT(*) AS total_count, " +
			"COALESCE(SUM(CASE WHEN alert_fired THEN 1 ELSE 0 END), 0) AS alert_count, " +
			"COALESCE(AVG(risk_level), 0) AS average_risk, " +
			"COALESCE(AVG(processing_latency_ms), 0) AS average_processing_latency_ms",
	).Scan(&agg).Error
	if err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	return &agg, nil
}

// DeleteOlderThan removes prediction logs and alerts created before cutoff.
func (r *PredictionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (logs int64, alerts int64, err error) {
	err = r.executeWithRetry(ctx, "repository.delete_older_than", "", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Where("created_at < ?", cutoff).Delete(&PredictionLog{})
			if res.Error != nil {
				return res.Error
			}
			logs = res.RowsAffected
			res = tx.Where("created_at < ?", cutoff).Delete(&Alert{})
			if res.Error != nil {
				return res.Error
			}
			alerts = res.RowsAffected
			return nil
		})
	})
	return logs, alerts, err
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
