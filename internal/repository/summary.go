package repository

import "context"

// ActionSummary represents aggregated outcomes of one action kind.
type ActionSummary struct {
	Action             string  `json:"action"`
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AverageDurationMs  float64 `json:"average_duration_ms"`
}

type actionAggregation struct {
	Action            string
	TotalCount        int64
	SuccessCount      int64
	AverageDurationMs float64
}

// Summarize aggregates action logs per action for userID (all users when empty).
func (r *HistoryRepository) Summarize(ctx context.Context, userID string) ([]ActionSummary, error) {
	var rows []actionAggregation
	err := r.executeWithRetry(ctx, "repository.summarize", "", func() error {
		query := r.db.WithContext(ctx).Model(&ActionLog{}).
			Select("action, COUNT(*) AS total_count, " +
				"SUM(CASE WHEN success THEN 1 ELSE 0 END) AS success_count, " +
				"COALESCE(AVG(duration_ms), 0) AS average_duration_ms").
			Group("action").
			Order("action")
		if userID != "" {
			query = query.Where("user_id = ?", userID)
		}
		return query.Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return summarize(rows), nil
}

func summarize(rows []actionAggregation) []ActionSummary {
	out := make([]ActionSummary, 0, len(rows))
	for _, row := range rows {
		summary := ActionSummary{
			Action:             row.Action,
			TotalRequests:      row.TotalCount,
			SuccessfulRequests: row.SuccessCount,
			AverageDurationMs:  row.AverageDurationMs,
		}
		if row.TotalCount > 0 {
			summary.SuccessRate = float64(row.SuccessCount) / float64(row.TotalCount)
		}
		out = append(out, summary)
	}
	return out
}
