package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"metaculus/internal/models"
	"metaculus/internal/notify"
	"metaculus/internal/tasks"
)

const (
	TaskRebuildAggregates      = "aggregates.rebuild"
	TaskNotifyOptionsChanged   = "notify.options_changed"
	TaskNotifyForecastExpiring = "notify.forecast_expiring"
)

// Scheduler is the post-commit boundary to the task executor.
type Scheduler interface {
	Schedule(ctx context.Context, req tasks.Request) (*models.Task, error)
	Cancel(ctx context.Context, key string) (int64, error)
}

type RebuildArgs struct {
	QuestionID uint64 `json:"question_id"`
}

func rebuildKey(questionID uint64) string {
	return fmt.Sprintf("rebuild:question:%d", questionID)
}

func optionsKey(questionID uint64) string {
	return fmt.Sprintf("options:question:%d", questionID)
}

func expiryKey(questionID, forecasterID uint64) string {
	return fmt.Sprintf("expiry:question:%d:forecaster:%d", questionID, forecasterID)
}

// scheduleRebuild is fire-and-forget: the transaction has committed and the
// caller's result must not depend on the executor.
func scheduleRebuild(ctx context.Context, s Scheduler, logger *zap.Logger, delay time.Duration, questionID uint64) {
	if s == nil {
		return
	}
	_, err := s.Schedule(ctx, tasks.Request{
		Name:     TaskRebuildAggregates,
		Key:      rebuildKey(questionID),
		Args:     RebuildArgs{QuestionID: questionID},
		Delay:    delay,
		Coalesce: true,
	})
	if err != nil {
		logger.Error("schedule rebuild failed", zap.Uint64("question_id", questionID), zap.Error(err))
	}
}

func scheduleNotification(ctx context.Context, s Scheduler, logger *zap.Logger, name, key string, delay time.Duration, ev notify.Event) {
	if s == nil {
		return
	}
	_, err := s.Schedule(ctx, tasks.Request{
		Name:  name,
		Key:   key,
		Args:  ev,
		Delay: delay,
	})
	if err != nil {
		logger.Error("schedule notification failed",
			zap.String("kind", string(ev.Kind)),
			zap.Uint64("question_id", ev.QuestionID),
			zap.Error(err),
		)
	}
}

func cancelTasks(ctx context.Context, s Scheduler, logger *zap.Logger, key string) {
	if s == nil {
		return
	}
	if _, err := s.Cancel(ctx, key); err != nil {
		logger.Error("cancel tasks failed", zap.String("key", key), zap.Error(err))
	}
}

// refreshExpiryReminder replaces the forecaster's pending expiry reminder with
// one for f. An open interval only cancels the old reminder.
func refreshExpiryReminder(ctx context.Context, s Scheduler, settings *SystemSettingsService, logger *zap.Logger, lead time.Duration, now time.Time, f *models.Forecast) {
	key := expiryKey(f.QuestionID, f.AuthorID)
	cancelTasks(ctx, s, logger, key)
	if f.EndTime == nil || !settings.IsEnabled(ctx, FeatureExpiryReminders, true) {
		return
	}
	delay := f.EndTime.Add(-lead).Sub(now)
	if delay < 0 {
		delay = 0
	}
	end := *f.EndTime
	scheduleNotification(ctx, s, logger, TaskNotifyForecastExpiring, key, delay, notify.Event{
		Kind:         notify.KindForecastExpiring,
		QuestionID:   f.QuestionID,
		ForecasterID: f.AuthorID,
		EndTime:      &end,
		At:           now,
	})
}

// latestPerAuthor picks the most recently started interval of each listed
// author, ordered by author id.
func latestPerAuthor(items []models.Forecast, authors map[uint64]struct{}) []models.Forecast {
	latest := make(map[uint64]models.Forecast, len(authors))
	for _, f := range items {
		if _, ok := authors[f.AuthorID]; !ok {
			continue
		}
		if prev, ok := latest[f.AuthorID]; ok && !f.StartTime.After(prev.StartTime) {
			continue
		}
		latest[f.AuthorID] = f
	}
	out := make([]models.Forecast, 0, len(latest))
	for _, f := range latest {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AuthorID < out[j].AuthorID })
	return out
}
