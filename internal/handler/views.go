package handler

import (
	"time"

	"metaculus/internal/models"
)

func questionView(q *models.Question) map[string]any {
	if q == nil {
		return nil
	}
	out := map[string]any{
		"id":                         q.ID,
		"type":                       q.Type,
		"open_time":                  q.OpenTime,
		"scheduled_close_time":       q.ScheduledCloseTime,
		"actual_close_time":          q.ActualCloseTime,
		"default_aggregation_method": q.DefaultAggregationMethod,
		"include_bots_in_aggregates": q.IncludeBotsInAggregates,
		"updated_at":                 q.UpdatedAt,
	}
	switch {
	case q.Type == models.QuestionTypeMultipleChoice:
		out["options"] = []string(q.Options)
		out["options_history"] = []models.OptionsHistoryEntry(q.OptionsHistory)
	case q.Type.IsContinuous():
		out["cdf_size"] = q.CDFSize
	}
	return out
}

func forecastView(f models.Forecast) map[string]any {
	out := map[string]any{
		"id":            f.ID,
		"question_id":   f.QuestionID,
		"author_id":     f.AuthorID,
		"author_is_bot": f.AuthorIsBot,
		"start_time":    f.StartTime,
		"end_time":      f.EndTime,
		"source":        f.Source,
	}
	if f.ProbabilityYes != nil {
		out["probability_yes"] = *f.ProbabilityYes
	}
	if len(f.ProbabilityYesPerCategory) > 0 {
		out["probability_yes_per_category"] = []*float64(f.ProbabilityYesPerCategory)
	}
	if len(f.ContinuousCDF) > 0 {
		out["continuous_cdf"] = []float64(f.ContinuousCDF)
	}
	return out
}

func forecastViews(items []models.Forecast) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, f := range items {
		out = append(out, forecastView(f))
	}
	return out
}

func aggregateView(a models.AggregateForecast) map[string]any {
	return map[string]any{
		"start_time":       a.StartTime,
		"end_time":         a.EndTime,
		"method":           a.Method,
		"forecast_values":  []*float64(a.ForecastValues),
		"centers":          []*float64(a.Centers),
		"means":            []*float64(a.Means),
		"lower_quartiles":  []*float64(a.LowerQuartiles),
		"upper_quartiles":  []*float64(a.UpperQuartiles),
		"histogram":        []float64(a.Histogram),
		"forecaster_count": a.ForecasterCount,
	}
}

func taskView(t models.Task) map[string]any {
	out := map[string]any{
		"id":           t.ID,
		"name":         t.Name,
		"key":          t.Key,
		"status":       t.Status,
		"run_at":       t.RunAt,
		"attempts":     t.Attempts,
		"deferrals":    t.Deferrals,
		"max_attempts": t.MaxAttempts,
		"created_at":   t.CreatedAt,
		"finished_at":  t.FinishedAt,
	}
	if t.LastError != "" {
		out["last_error"] = t.LastError
	}
	return out
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
