package usecase

import "context"

// MetricsSummary represents aggregated run insights.
type MetricsSummary struct {
	TotalItems              int64   `json:"total_items"`
	SuccessfulItems         int64   `json:"successful_items"`
	SuccessRate             float64 `json:"success_rate"`
	Runs                    int64   `json:"runs"`
	Sessions                int64   `json:"sessions"`
	AverageAdapterLatencyMs float64 `json:"average_adapter_latency_ms"`
}

// GetMetricsSummary aggregates run metrics from persisted logs.
func (uc *ReviewUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.history == nil {
		return nil, ErrHistoryDisabled
	}
	aggregation, err := uc.history.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalItems:              aggregation.TotalCount,
		SuccessfulItems:         aggregation.SuccessCount,
		Runs:                    aggregation.RunCount,
		Sessions:                aggregation.SessionCount,
		AverageAdapterLatencyMs: aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
