package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetentionRepository deletes rows older than a cutoff.
type RetentionRepository interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (logs int64, alerts int64, err error)
}

// Sweep removes expired in-process state and reports how many entries went.
type Sweep func(now time.Time) int

// RetentionService purges old prediction logs and alerts.
type RetentionService struct {
	repo          RetentionRepository
	retentionDays int
	sweeps        map[string]Sweep
	logger        *zap.Logger
	now           func() time.Time
}

// NewRetentionService keeps rows for days (90 when not positive).
func NewRetentionService(repo RetentionRepository, days int, logger *zap.Logger) *RetentionService {
	if days <= 0 {
		days = 90
	}
	return &RetentionService{
		repo:          repo,
		retentionDays: days,
		sweeps:        make(map[string]Sweep),
		logger:        logger.Named("retention"),
		now:           time.Now,
	}
}

// AddSweep registers an extra cleanup run alongside the database purge.
func (s *RetentionService) AddSweep(name string, fn Sweep) {
	s.sweeps[name] = fn
}

// Run performs one cleanup pass.
func (s *RetentionService) Run(ctx context.Context) error {
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -s.retentionDays)
	logs, alerts, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention cleanup failed", zap.Error(err), zap.Time("cutoff", cutoff))
		return err
	}
	fields := []zap.Field{zap.Time("cutoff", cutoff), zap.Int64("prediction_logs", logs), zap.Int64("alerts", alerts)}
	for name, sweep := range s.sweeps {
		fields = append(fields, zap.Int(name, sweep(now)))
	}
	s.logger.Info("retention cleanup completed", fields...)
	return nil
}
