// Package alerting decides when a risk assessment should raise an alert and
// suppresses repeats for the same location within a cooldown window.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks the coordinate ranges.
func (l Location) Validate() error {
	switch {
	case math.IsNaN(l.Lat) || math.IsInf(l.Lat, 0) || l.Lat < -90 || l.Lat > 90:
		return fmt.Errorf("latitude %v outside [-90,90]", l.Lat)
	case math.IsNaN(l.Lon) || math.IsInf(l.Lon, 0) || l.Lon < -180 || l.Lon > 180:
		return fmt.Errorf("longitude %v outside [-180,180]", l.Lon)
	}
	return nil
}

// Key quantises the location to two decimal places (roughly 1 km) so nearby
// requests share one cooldown.
func (l Location) Key() string {
	return fmt.Sprintf("%.2f:%.2f", quantise(l.Lat), quantise(l.Lon))
}

func quantise(v float64) float64 {
	q := math.Round(v*100) / 100
	if q == 0 {
		return 0 // avoid "-0.00"
	}
	return q
}

// Severity buckets a risk level for display.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a risk level in [0,1] to a severity.
func SeverityFor(risk float64) Severity {
	switch {
	case risk >= 0.9:
		return SeverityCritical
	case risk >= 0.7:
		return SeverityHigh
	case risk >= 0.4:
		return SeverityModerate
	default:
		return SeverityLow
	}
}

// ShouldAlert is the alert rule: the risk reaches the threshold and the last
// alert for the location, if any, is at least cooldown old.
func ShouldAlert(risk, threshold float64, lastAlert, now time.Time, cooldown time.Duration) bool {
	return risk >= threshold && cooledDown(lastAlert, now, cooldown)
}

func cooledDown(lastAlert, now time.Time, cooldown time.Duration) bool {
	return lastAlert.IsZero() || now.Sub(lastAlert) >= cooldown
}

// CooldownStore holds the last alert time per location key.
type CooldownStore interface {
	// Acquire records now for key and returns true unless an alert for key
	// fired less than cooldown ago. Check and update happen atomically.
	Acquire(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, error)
	// Release forgets key so the next qualifying assessment fires again.
	Release(ctx context.Context, key string) error
}

// Decision is the outcome of evaluating one assessment.
type Decision struct {
	Fire     bool     `json:"fire"`
	Severity Severity `json:"severity"`
	Key      string   `json:"key"`
	Reason   string   `json:"reason"`
}

const (
	ReasonFired          = "fired"
	ReasonBelowThreshold = "below_threshold"
	ReasonCoolingDown    = "cooldown"
)

// Evaluator applies ShouldAlert against a shared CooldownStore.
type Evaluator struct {
	threshold float64
	cooldown  time.Duration
	store     CooldownStore
	now       func() time.Time
}

// NewEvaluator builds an evaluator with the configured threshold and cooldown.
func NewEvaluator(threshold float64, cooldown time.Duration, store CooldownStore) *Evaluator {
	return &Evaluator{threshold: threshold, cooldown: cooldown, store: store, now: time.Now}
}

// Threshold returns the configured alert threshold.
func (e *Evaluator) Threshold() float64 {
	return e.threshold
}

func (e *Evaluator) Cooldown() time.Duration {
	return e.cooldown
}

// Evaluate decides whether risk at loc fires an alert now.
func (e *Evaluator) Evaluate(ctx context.Context, loc Location, risk float64) (Decision, error) {
	d := Decision{Severity: SeverityFor(risk), Key: loc.Key(), Reason: ReasonBelowThreshold}
	if risk < e.threshold {
		return d, nil
	}
	if e.store == nil {
		return d, errors.New("alerting: no cooldown store configured")
	}
	ok, err := e.store.Acquire(ctx, d.Key, e.now().UTC(), e.cooldown)
	if err != nil {
		return d, fmt.Errorf("acquire cooldown %s: %w", d.Key, err)
	}
	if !ok {
		d.Reason = ReasonCoolingDown
		return d, nil
	}
	d.Fire = true
	d.Reason = ReasonFired
	return d, nil
}

// Release hands back the cooldown slot taken by a fired decision whose alert
// was never recorded. Decisions that did not fire are left alone.
func (e *Evaluator) Release(ctx context.Context, d Decision) error {
	if !d.Fire || e.store == nil {
		return nil
	}
	if err := e.store.Release(ctx, d.Key); err != nil {
		return fmt.Errorf("release cooldown %s: %w", d.Key, err)
	}
	return nil
}
