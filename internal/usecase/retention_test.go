package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubRetentionRepo struct {
	cutoff time.Time
	err    error
}

func (s *stubRetentionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	s.cutoff = cutoff
	return 3, 1, s.err
}

func TestRetentionRunUsesConfiguredDays(t *testing.T) {
	repo := &stubRetentionRepo{}
	svc := NewRetentionService(repo, 30, zap.NewNop())
	now := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	swept := false
	svc.AddSweep("cache_entries", func(at time.Time) int {
		swept = at.Equal(now)
		return 2
	})

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := now.AddDate(0, 0, -30); !repo.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %v, got %v", want, repo.cutoff)
	}
	if !swept {
		t.Fatal("expected sweep to run with the current time")
	}
}

func TestRetentionRunReportsFailure(t *testing.T) {
	repo := &stubRetentionRepo{err: errors.New("db down")}
	svc := NewRetentionService(repo, 0, zap.NewNop())
	if svc.retentionDays != 90 {
		t.Fatalf("expected default of 90 days, got %d", svc.retentionDays)
	}
	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
