package usecase

import "context"

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalPredictions           int64   `json:"total_predictions"`
	AlertsFired                int64   `json:"alerts_fired"`
	AlertRate                  float64 `json:"alert_rate"`
	AverageRisk                float64 `json:"average_risk"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates prediction metrics from persisted logs.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalPredictions:           aggregation.TotalCount,
		AlertsFired:                aggregation.AlertCount,
		AverageRisk:                aggregation.AverageRisk,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.AlertRate = float64(aggregation.AlertCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
