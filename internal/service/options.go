package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"metaculus/internal/config"
	"metaculus/internal/metrics"
	"metaculus/internal/models"
	"metaculus/internal/notify"
	"metaculus/internal/options"
	"metaculus/internal/repository"
)

// OptionsService changes the option set of multiple-choice questions. Every
// operation locks the question row and rewrites the ledger and all affected
// forecast vectors in one transaction.
type OptionsService struct {
	Repo      repository.Repository
	Scheduler Scheduler
	Settings  *SystemSettingsService
	Logger    *zap.Logger
	Config    config.ForecastingConfig
	Now       func() time.Time
}

type RenameParams struct {
	QuestionID uint64
	OldLabel   string
	NewLabel   string
	ActorID    uint64
}

type ReorderParams struct {
	QuestionID uint64
	Order      []string
	ActorID    uint64
}

type AddParams struct {
	QuestionID     uint64
	Labels         []string
	GracePeriodEnd time.Time
	// At defaults to now.
	At      time.Time
	ActorID uint64
}

type DeleteParams struct {
	QuestionID uint64
	Labels     []string
	// At defaults to now.
	At      time.Time
	ActorID uint64
}

func (s *OptionsService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *OptionsService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func lockMultipleChoice(ctx context.Context, repo repository.Repository, id uint64) (*models.Question, error) {
	q, err := repo.GetQuestionForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, notFound("question %d not found", id)
	}
	if q.Type != models.QuestionTypeMultipleChoice {
		return nil, invalid("question", "question %d is %s, not multiple_choice", id, q.Type)
	}
	if len(q.Options) < 2 {
		return nil, violation("question %d has %d options", id, len(q.Options))
	}
	return q, nil
}

// Rename relabels one option everywhere in the ledger. Stored vectors are
// positional, so no forecast is touched.
func (s *OptionsService) Rename(ctx context.Context, params RenameParams) (*models.Question, error) {
	oldLabel := strings.TrimSpace(params.OldLabel)
	newLabel := strings.TrimSpace(params.NewLabel)
	if oldLabel == "" || newLabel == "" {
		return nil, invalid("label", "old and new labels are required")
	}
	var out *models.Question
	err := s.Repo.InTx(ctx, func(repo repository.Repository) error {
		q, err := lockMultipleChoice(ctx, repo, params.QuestionID)
		if err != nil {
			return err
		}
		if !contains(q.Options, oldLabel) {
			return invalid("old_label", "%q is not a current option", oldLabel)
		}
		history := ledgerOf(q)
		if contains(options.AllOptionsEver(history), newLabel) {
			return invalid("new_label", "%q is already used by this question", newLabel)
		}
		history = options.RenameInHistory(history, oldLabel, newLabel)
		opts := options.RenameLabel(q.Options, oldLabel, newLabel)
		if err := repo.UpdateQuestionOptions(ctx, q.ID, opts, history); err != nil {
			return err
		}
		q.Options = opts
		q.OptionsHistory = history
		out = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OptionChangesTotal.WithLabelValues("rename").Inc()
	s.logger().Info("option renamed",
		zap.Uint64("question_id", params.QuestionID),
		zap.String("from", oldLabel),
		zap.String("to", newLabel),
		zap.Uint64("actor_id", params.ActorID),
	)
	return out, nil
}

// Reorder permutes the options of a question whose option set never changed,
// permuting every stored vector the same way.
func (s *OptionsService) Reorder(ctx context.Context, params ReorderParams) (*models.Question, error) {
	var out *models.Question
	var touched int
	err := s.Repo.InTx(ctx, func(repo repository.Repository) error {
		q, err := lockMultipleChoice(ctx, repo, params.QuestionID)
		if err != nil {
			return err
		}
		history := ledgerOf(q)
		if len(history) != 1 {
			return invalid("order", "options were added or deleted; reorder is no longer possible")
		}
		current := history[0].Options
		if err := checkPermutation(current, params.Order); err != nil {
			return err
		}
		if params.Order[len(params.Order)-1] != current[len(current)-1] {
			return invalid("order", "the catch-all option %q must stay last", current[len(current)-1])
		}

		forecasts, err := repo.ListForecasts(ctx, repository.ListForecastsParams{QuestionID: q.ID})
		if err != nil {
			return err
		}
		for i := range forecasts {
			f := &forecasts[i]
			if len(f.ProbabilityYesPerCategory) != len(current) {
				return s.vectorMismatch(q.ID, f, len(current))
			}
			vec, err := options.Permute(f.ProbabilityYesPerCategory, current, params.Order)
			if err != nil {
				return violation("forecast %d: %v", f.ID, err)
			}
			f.ProbabilityYesPerCategory = vec
			if err := repo.UpdateForecast(ctx, f); err != nil {
				return err
			}
		}
		touched = len(forecasts)

		order := append([]string(nil), params.Order...)
		history = []models.OptionsHistoryEntry{{Timestamp: history[0].Timestamp, Options: order}}
		if err := repo.UpdateQuestionOptions(ctx, q.ID, order, history); err != nil {
			return err
		}
		q.Options = order
		q.OptionsHistory = history
		out = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OptionChangesTotal.WithLabelValues("reorder").Inc()
	s.logger().Info("options reordered",
		zap.Uint64("question_id", params.QuestionID),
		zap.Int("forecasts", touched),
		zap.Uint64("actor_id", params.ActorID),
	)
	scheduleRebuild(ctx, s.Scheduler, s.logger(), s.Config.RebuildDelay, params.QuestionID)
	return out, nil
}

// Add introduces new options effective from GracePeriodEnd. Existing vectors
// get null at the new positions and every interval still running at the end
// of the grace period is closed there, so forecasters must resubmit.
func (s *OptionsService) Add(ctx context.Context, params AddParams) (*models.Question, error) {
	at := params.At.UTC()
	if params.At.IsZero() {
		at = s.now()
	}
	grace := params.GracePeriodEnd.UTC()
	if len(params.Labels) == 0 {
		return nil, invalid("labels", "at least one label is required")
	}
	if err := validateLabels("labels", params.Labels); err != nil {
		return nil, err
	}
	if !grace.After(at) {
		return nil, invalid("grace_period_end", "must be after %s", at.Format(time.RFC3339))
	}

	var out *models.Question
	var touched int
	var reminders []models.Forecast
	err := s.Repo.InTx(ctx, func(repo repository.Repository) error {
		q, err := lockMultipleChoice(ctx, repo, params.QuestionID)
		if err != nil {
			return err
		}
		history := ledgerOf(q)
		if last, _ := options.LastTimestamp(history); last.After(at) {
			return invalid("at", "the last option change takes effect at %s", last.Format(time.RFC3339))
		}
		oldIdx := options.IndexFromHistory(history)
		for _, label := range params.Labels {
			if oldIdx.Contains(label) {
				return invalid("labels", "%q is already used by this question", label)
			}
		}

		opts := options.InsertBeforeCatchAll(q.Options, params.Labels)
		history = append(append([]models.OptionsHistoryEntry(nil), history...), models.OptionsHistoryEntry{Timestamp: grace, Options: opts})
		newIdx := options.IndexFromHistory(history)

		forecasts, err := repo.ListForecasts(ctx, repository.ListForecastsParams{QuestionID: q.ID})
		if err != nil {
			return err
		}
		truncated := map[uint64]struct{}{}
		for i := range forecasts {
			f := &forecasts[i]
			if len(f.ProbabilityYesPerCategory) != oldIdx.Len() {
				return s.vectorMismatch(q.ID, f, oldIdx.Len())
			}
			vec, err := options.Expand(f.ProbabilityYesPerCategory, oldIdx, newIdx)
			if err != nil {
				return violation("forecast %d: %v", f.ID, err)
			}
			f.ProbabilityYesPerCategory = vec
			if f.StartTime.Before(grace) && f.EndsAfter(grace) {
				end := grace
				f.EndTime = &end
				truncated[f.AuthorID] = struct{}{}
			}
			if err := repo.UpdateForecast(ctx, f); err != nil {
				return err
			}
		}
		touched = len(forecasts)
		reminders = latestPerAuthor(forecasts, truncated)

		if err := repo.UpdateQuestionOptions(ctx, q.ID, opts, history); err != nil {
			return err
		}
		q.Options = opts
		q.OptionsHistory = history
		out = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OptionChangesTotal.WithLabelValues("add").Inc()
	s.logger().Info("options added",
		zap.Uint64("question_id", params.QuestionID),
		zap.Strings("labels", params.Labels),
		zap.Time("grace_period_end", grace),
		zap.Int("forecasts", touched),
		zap.Uint64("actor_id", params.ActorID),
	)
	scheduleRebuild(ctx, s.Scheduler, s.logger(), s.Config.RebuildDelay, params.QuestionID)
	s.refreshReminders(ctx, reminders)
	s.notifyChanged(ctx, notify.Event{
		Kind:       notify.KindOptionsAdded,
		QuestionID: params.QuestionID,
		Labels:     append([]string(nil), params.Labels...),
		ActorID:    params.ActorID,
		At:         at,
		GraceEnd:   &grace,
	})
	return out, nil
}

// Delete retires options at At. Mass held by a deleted option moves into the
// catch-all; intervals that started earlier are split at At so the history
// before the deletion is kept as it was.
func (s *OptionsService) Delete(ctx context.Context, params DeleteParams) (*models.Question, error) {
	at := params.At.UTC()
	if params.At.IsZero() {
		at = s.now()
	}
	if len(params.Labels) == 0 {
		return nil, invalid("labels", "at least one label is required")
	}
	if err := validateLabels("labels", params.Labels); err != nil {
		return nil, err
	}

	var out *models.Question
	var rewritten, split int
	var reminders []models.Forecast
	err := s.Repo.InTx(ctx, func(repo repository.Repository) error {
		q, err := lockMultipleChoice(ctx, repo, params.QuestionID)
		if err != nil {
			return err
		}
		catchAll := q.CatchAll()
		for _, label := range params.Labels {
			if label == catchAll {
				return invalid("labels", "the catch-all option %q cannot be deleted", label)
			}
			if !contains(q.Options, label) {
				return invalid("labels", "%q is not a current option", label)
			}
		}
		if len(q.Options)-len(params.Labels) < 2 {
			return invalid("labels", "at least two options must remain")
		}
		history := ledgerOf(q)
		if last, _ := options.LastTimestamp(history); last.After(at) {
			return invalid("at", "the last option change takes effect at %s", last.Format(time.RFC3339))
		}

		opts := without(q.Options, params.Labels)
		history = append(append([]models.OptionsHistoryEntry(nil), history...), models.OptionsHistoryEntry{Timestamp: at, Options: opts})
		idx := options.IndexFromHistory(history)
		deleted := make([]int, 0, len(params.Labels))
		for _, label := range params.Labels {
			pos, ok := idx.Position(label)
			if !ok {
				return violation("option %q missing from the all-options index", label)
			}
			deleted = append(deleted, pos)
		}

		active, err := repo.ListForecasts(ctx, repository.ListForecastsParams{QuestionID: q.ID, EndsAfter: &at})
		if err != nil {
			return err
		}
		splitAuthors := map[uint64]struct{}{}
		var tails []models.Forecast
		for i := range active {
			f := &active[i]
			if len(f.ProbabilityYesPerCategory) != idx.Len() {
				return s.vectorMismatch(q.ID, f, idx.Len())
			}
			vec, err := options.MergeIntoCatchAll(f.ProbabilityYesPerCategory, deleted, idx.CatchAll())
			if err != nil {
				return violation("forecast %d: %v", f.ID, err)
			}
			if !f.StartTime.Before(at) {
				f.ProbabilityYesPerCategory = vec
				if err := repo.UpdateForecast(ctx, f); err != nil {
					return err
				}
				rewritten++
				continue
			}
			priorEnd := f.EndTime
			end := at
			if err := repo.SetForecastEndTime(ctx, f.ID, &end); err != nil {
				return err
			}
			f.EndTime = &end
			tail := &models.Forecast{
				QuestionID:                f.QuestionID,
				AuthorID:                  f.AuthorID,
				AuthorIsBot:               f.AuthorIsBot,
				StartTime:                 at,
				EndTime:                   priorEnd,
				ProbabilityYesPerCategory: vec,
				Source:                    models.ForecastSourceAutomatic,
			}
			if err := repo.CreateForecast(ctx, tail); err != nil {
				return err
			}
			tails = append(tails, *tail)
			splitAuthors[f.AuthorID] = struct{}{}
			split++
		}
		reminders = latestPerAuthor(append(active, tails...), splitAuthors)

		if err := repo.UpdateQuestionOptions(ctx, q.ID, opts, history); err != nil {
			return err
		}
		q.Options = opts
		q.OptionsHistory = history
		out = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OptionChangesTotal.WithLabelValues("delete").Inc()
	s.logger().Info("options deleted",
		zap.Uint64("question_id", params.QuestionID),
		zap.Strings("labels", params.Labels),
		zap.Time("at", at),
		zap.Int("rewritten", rewritten),
		zap.Int("split", split),
		zap.Uint64("actor_id", params.ActorID),
	)
	scheduleRebuild(ctx, s.Scheduler, s.logger(), s.Config.RebuildDelay, params.QuestionID)
	s.refreshReminders(ctx, reminders)
	s.notifyChanged(ctx, notify.Event{
		Kind:       notify.KindOptionsDeleted,
		QuestionID: params.QuestionID,
		Labels:     append([]string(nil), params.Labels...),
		ActorID:    params.ActorID,
		At:         at,
	})
	return out, nil
}

func (s *OptionsService) notifyChanged(ctx context.Context, ev notify.Event) {
	if !s.Settings.IsEnabled(ctx, FeatureOptionNotifications, true) {
		return
	}
	scheduleNotification(ctx, s.Scheduler, s.logger(), TaskNotifyOptionsChanged, optionsKey(ev.QuestionID), 0, ev)
}

// refreshReminders points each forecaster's expiry reminder at the interval
// that now ends their timeline.
func (s *OptionsService) refreshReminders(ctx context.Context, latest []models.Forecast) {
	for i := range latest {
		refreshExpiryReminder(ctx, s.Scheduler, s.Settings, s.logger(), s.Config.ExpiryReminderLead, s.now(), &latest[i])
	}
}

func (s *OptionsService) vectorMismatch(questionID uint64, f *models.Forecast, want int) error {
	err := violation("forecast %d has %d entries, the options ledger has %d", f.ID, len(f.ProbabilityYesPerCategory), want)
	s.logger().Error("forecast vector does not match options ledger",
		zap.Uint64("question_id", questionID),
		zap.Uint64("forecast_id", f.ID),
		zap.Int("entries", len(f.ProbabilityYesPerCategory)),
		zap.Int("expected", want),
	)
	return err
}

func checkPermutation(current, order []string) error {
	if len(order) != len(current) {
		return invalid("order", "expected %d labels, got %d", len(current), len(order))
	}
	if err := validateLabels("order", order); err != nil {
		return err
	}
	for _, label := range order {
		if !contains(current, label) {
			return invalid("order", "%q is not an option of this question", label)
		}
	}
	return nil
}

func contains(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func without(labels, drop []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if !contains(drop, l) {
			out = append(out, l)
		}
	}
	return out
}
