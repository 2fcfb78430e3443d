package service

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"metaculus/internal/config"
	"metaculus/internal/metrics"
	"metaculus/internal/models"
	"metaculus/internal/options"
	"metaculus/internal/repository"
)

const (
	minProbability = 0.001
	maxProbability = 0.999
)

type ForecastService struct {
	Repo      repository.Repository
	Scheduler Scheduler
	Settings  *SystemSettingsService
	Logger    *zap.Logger
	Config    config.ForecastingConfig
	Now       func() time.Time
}

type Forecaster struct {
	ID    uint64
	IsBot bool
}

// Distribution carries exactly one of the three shapes.
type Distribution struct {
	ProbabilityYes            *float64
	ProbabilityYesPerCategory []*float64
	ContinuousCDF             []float64
}

type SubmitParams struct {
	QuestionID   uint64
	Forecaster   Forecaster
	Distribution Distribution
	// StartTime defaults to now.
	StartTime time.Time
	EndTime   *time.Time
	Source    models.ForecastSource
}

type WithdrawParams struct {
	QuestionID   uint64
	ForecasterID uint64
	// At defaults to now.
	At time.Time
}

func (s *ForecastService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *ForecastService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Submit records a new forecast interval and repairs the forecaster's timeline
// so that at most one of their intervals is active at any instant.
func (s *ForecastService) Submit(ctx context.Context, params SubmitParams) (*models.Forecast, error) {
	start := params.StartTime.UTC()
	if params.StartTime.IsZero() {
		start = s.now()
	}
	if params.Forecaster.ID == 0 {
		return nil, invalid("author_id", "required")
	}
	if params.EndTime != nil && !params.EndTime.After(start) {
		return nil, invalid("end_time", "must be after start_time")
	}
	source := params.Source
	switch source {
	case "":
		source = models.ForecastSourceAPI
	case models.ForecastSourceUI, models.ForecastSourceAPI:
	default:
		return nil, invalid("source", "unsupported source %q", source)
	}

	item := &models.Forecast{
		QuestionID:  params.QuestionID,
		AuthorID:    params.Forecaster.ID,
		AuthorIsBot: params.Forecaster.IsBot,
		StartTime:   start,
		EndTime:     params.EndTime,
		Source:      source,
	}

	err := s.Repo.InTx(ctx, func(repo repository.Repository) error {
		// The question row lock orders this write against option changes and
		// other writes to the same timeline.
		q, err := repo.GetQuestionForUpdate(ctx, params.QuestionID)
		if err != nil {
			return err
		}
		if q == nil {
			return notFound("question %d not found", params.QuestionID)
		}
		if err := s.applyDistribution(q, params.Distribution, item); err != nil {
			return err
		}

		authorID := params.Forecaster.ID
		existing, err := repo.ListForecasts(ctx, repository.ListForecastsParams{
			QuestionID: params.QuestionID,
			AuthorID:   &authorID,
		})
		if err != nil {
			return err
		}
		if err := healTimeline(ctx, repo, existing, item); err != nil {
			return err
		}
		return repo.CreateForecast(ctx, item)
	})
	if err != nil {
		if IsValidation(err) {
			metrics.ForecastsRejectedTotal.Inc()
		}
		return nil, err
	}
	metrics.ForecastsSubmittedTotal.WithLabelValues(string(source)).Inc()
	s.logger().Debug("forecast submitted",
		zap.Uint64("question_id", item.QuestionID),
		zap.Uint64("author_id", item.AuthorID),
		zap.Uint64("forecast_id", item.ID),
	)

	scheduleRebuild(ctx, s.Scheduler, s.logger(), s.Config.RebuildDelay, item.QuestionID)
	s.replaceReminder(ctx, item)
	return item, nil
}

// healTimeline walks the forecaster's intervals plus the new one from the most
// recent start backwards, clamping each interval that overlaps its successor.
// Intervals left with no length are deleted. The new interval wins ties on
// start time.
func healTimeline(ctx context.Context, repo repository.Repository, existing []models.Forecast, fresh *models.Forecast) error {
	type entry struct {
		f     *models.Forecast
		fresh bool
	}
	all := make([]entry, 0, len(existing)+1)
	for i := range existing {
		all = append(all, entry{f: &existing[i]})
	}
	all = append(all, entry{f: fresh, fresh: true})
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.f.StartTime.Equal(b.f.StartTime) {
			return a.f.StartTime.After(b.f.StartTime)
		}
		if a.fresh != b.fresh {
			return a.fresh
		}
		return a.f.ID > b.f.ID
	})

	var next *time.Time
	var stale []uint64
	for _, e := range all {
		f := e.f
		if next != nil && (f.EndTime == nil || f.EndTime.After(*next)) {
			end := *next
			f.EndTime = &end
			if !e.fresh {
				if !end.After(f.StartTime) {
					stale = append(stale, f.ID)
				} else if err := repo.SetForecastEndTime(ctx, f.ID, &end); err != nil {
					return err
				}
			}
		}
		start := f.StartTime
		next = &start
	}
	if len(stale) > 0 {
		if _, err := repo.DeleteForecasts(ctx, stale); err != nil {
			return err
		}
	}
	return nil
}

func (s *ForecastService) replaceReminder(ctx context.Context, f *models.Forecast) {
	refreshExpiryReminder(ctx, s.Scheduler, s.Settings, s.logger(), s.Config.ExpiryReminderLead, s.now(), f)
}

// WithdrawResult reports what a withdrawal changed.
type WithdrawResult struct {
	// Truncated is the interval active at the withdrawal instant, now ending
	// there. Nil when the forecaster only had intervals starting later.
	Truncated *models.Forecast
	Removed   int64
}

// Withdraw ends the forecaster's active interval at the given instant and
// removes every interval of theirs that starts at or after it.
func (s *ForecastService) Withdraw(ctx context.Context, params WithdrawParams) (*WithdrawResult, error) {
	at := params.At.UTC()
	if params.At.IsZero() {
		at = s.now()
	}
	res := &WithdrawResult{}
	err := s.Repo.InTx(ctx, func(repo repository.Repository) error {
		q, err := repo.GetQuestionForUpdate(ctx, params.QuestionID)
		if err != nil {
			return err
		}
		if q == nil {
			return notFound("question %d not found", params.QuestionID)
		}
		authorID := params.ForecasterID
		matching, err := repo.ListForecasts(ctx, repository.ListForecastsParams{
			QuestionID: params.QuestionID,
			AuthorID:   &authorID,
			EndsAfter:  &at,
		})
		if err != nil {
			return err
		}
		if len(matching) == 0 {
			return notFound("no active forecast to withdraw")
		}
		var drop []uint64
		for i := range matching {
			f := matching[i]
			if i > 0 || !f.StartTime.Before(at) {
				drop = append(drop, f.ID)
				continue
			}
			end := at
			if err := repo.SetForecastEndTime(ctx, f.ID, &end); err != nil {
				return err
			}
			f.EndTime = &end
			res.Truncated = &f
		}
		if len(drop) > 0 {
			n, err := repo.DeleteForecasts(ctx, drop)
			if err != nil {
				return err
			}
			res.Removed = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ForecastsWithdrawnTotal.Inc()
	s.logger().Debug("forecast withdrawn",
		zap.Uint64("question_id", params.QuestionID),
		zap.Uint64("author_id", params.ForecasterID),
		zap.Time("at", at),
		zap.Bool("truncated", res.Truncated != nil),
		zap.Int64("removed", res.Removed),
	)

	cancelTasks(ctx, s.Scheduler, s.logger(), expiryKey(params.QuestionID, params.ForecasterID))
	scheduleRebuild(ctx, s.Scheduler, s.logger(), s.Config.RebuildDelay, params.QuestionID)
	return res, nil
}

func (s *ForecastService) List(ctx context.Context, questionID uint64, authorID *uint64, activeAt *time.Time) ([]models.Forecast, error) {
	items, err := s.Repo.ListForecasts(ctx, repository.ListForecastsParams{
		QuestionID: questionID,
		AuthorID:   authorID,
		EndsAfter:  activeAt,
	})
	if err != nil {
		return nil, err
	}
	if activeAt == nil {
		return items, nil
	}
	out := items[:0]
	for _, f := range items {
		if f.ActiveAt(*activeAt) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Forecasters returns the distinct authors with an active forecast on the
// question.
func (s *ForecastService) Forecasters(ctx context.Context, questionID uint64) ([]uint64, error) {
	now := s.now()
	items, err := s.List(ctx, questionID, nil, &now)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]struct{}, len(items))
	var out []uint64
	for _, f := range items {
		if _, ok := seen[f.AuthorID]; ok {
			continue
		}
		seen[f.AuthorID] = struct{}{}
		out = append(out, f.AuthorID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *ForecastService) applyDistribution(q *models.Question, d Distribution, f *models.Forecast) error {
	switch {
	case q.Type == models.QuestionTypeBinary:
		if d.ProbabilityYes == nil {
			return invalid("probability_yes", "required for binary questions")
		}
		if len(d.ProbabilityYesPerCategory) > 0 || len(d.ContinuousCDF) > 0 {
			return invalid("probability_yes", "binary forecasts take only probability_yes")
		}
		if err := checkProbability("probability_yes", *d.ProbabilityYes); err != nil {
			return err
		}
		p := *d.ProbabilityYes
		f.ProbabilityYes = &p
	case q.Type == models.QuestionTypeMultipleChoice:
		if len(d.ProbabilityYesPerCategory) == 0 {
			return invalid("probability_yes_per_category", "required for multiple choice questions")
		}
		if d.ProbabilityYes != nil || len(d.ContinuousCDF) > 0 {
			return invalid("probability_yes_per_category", "multiple choice forecasts take only probability_yes_per_category")
		}
		vec, err := s.validateCategorical(q, d.ProbabilityYesPerCategory)
		if err != nil {
			return err
		}
		f.ProbabilityYesPerCategory = vec
	case q.Type.IsContinuous():
		if len(d.ContinuousCDF) == 0 {
			return invalid("continuous_cdf", "required for %s questions", q.Type)
		}
		if d.ProbabilityYes != nil || len(d.ProbabilityYesPerCategory) > 0 {
			return invalid("continuous_cdf", "continuous forecasts take only continuous_cdf")
		}
		if err := validateCDF(q, d.ContinuousCDF); err != nil {
			return err
		}
		f.ContinuousCDF = append([]float64(nil), d.ContinuousCDF...)
	default:
		return invalid("question", "unsupported question type %q", q.Type)
	}
	return nil
}

// validateCategorical checks a vector ordered by the all-options-ever set:
// live options carry a probability, retired options are null.
func (s *ForecastService) validateCategorical(q *models.Question, vec []*float64) ([]*float64, error) {
	const field = "probability_yes_per_category"
	all := options.AllOptionsEver(ledgerOf(q))
	if len(vec) != len(all) {
		return nil, invalid(field, "expected %d entries, got %d", len(all), len(vec))
	}
	live := make(map[string]struct{}, len(q.Options))
	for _, label := range q.Options {
		live[label] = struct{}{}
	}
	out := make([]*float64, len(vec))
	var total float64
	for i, label := range all {
		_, isLive := live[label]
		switch {
		case isLive && vec[i] == nil:
			return nil, invalid(field, "option %q needs a probability", label)
		case !isLive && vec[i] != nil:
			return nil, invalid(field, "option %q is no longer available and must be null", label)
		case isLive:
			if err := checkProbability(field, *vec[i]); err != nil {
				return nil, err
			}
			v := *vec[i]
			out[i] = &v
			total += v
		}
	}
	tol := s.Config.SumTolerance
	if tol <= 0 {
		tol = 1e-6
	}
	if math.Abs(total-1) > tol {
		return nil, invalid(field, "probabilities sum to %.6f, expected 1", total)
	}
	return out, nil
}

func validateCDF(q *models.Question, cdf []float64) error {
	const field = "continuous_cdf"
	size := q.CDFSize
	if size <= 0 {
		size = models.DefaultCDFSize
	}
	if len(cdf) != size {
		return invalid(field, "expected %d points, got %d", size, len(cdf))
	}
	for i, v := range cdf {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return invalid(field, "point %d is outside [0, 1]", i)
		}
		if i > 0 && v < cdf[i-1] {
			return invalid(field, "must be non-decreasing (point %d)", i)
		}
	}
	return nil
}

func checkProbability(field string, p float64) error {
	if math.IsNaN(p) || p < minProbability || p > maxProbability {
		return invalid(field, "probability %v outside [%v, %v]", p, minProbability, maxProbability)
	}
	return nil
}
