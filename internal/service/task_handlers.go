package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"metaculus/internal/models"
	"metaculus/internal/notify"
	"metaculus/internal/tasks"
)

// RegisterTaskHandlers wires the forecast-core task names to their handlers.
func RegisterTaskHandlers(exec *tasks.Executor, builder *AggregationBuilder, dispatcher *notify.Dispatcher, settings *SystemSettingsService, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	exec.Register(TaskRebuildAggregates, rebuildHandler(builder, settings, logger))
	exec.Register(TaskNotifyOptionsChanged, notifyHandler(dispatcher, settings, FeatureOptionNotifications, logger))
	exec.Register(TaskNotifyForecastExpiring, notifyHandler(dispatcher, settings, FeatureExpiryReminders, logger))
}

func rebuildHandler(builder *AggregationBuilder, settings *SystemSettingsService, logger *zap.Logger) tasks.Handler {
	return func(ctx context.Context, task models.Task) error {
		var args RebuildArgs
		if err := tasks.DecodeArgs(task, &args); err != nil {
			return fmt.Errorf("decode rebuild args: %w", err)
		}
		if !settings.IsEnabled(ctx, FeatureAggregateRebuild, true) {
			logger.Info("aggregate rebuild disabled, skipping", zap.Uint64("question_id", args.QuestionID))
			return nil
		}
		_, err := builder.RebuildAll(ctx, args.QuestionID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrLeaseHeld):
			return tasks.ErrDeferred
		case IsNotFound(err):
			logger.Warn("rebuild for missing question dropped", zap.Uint64("question_id", args.QuestionID))
			return nil
		default:
			return err
		}
	}
}

func notifyHandler(dispatcher *notify.Dispatcher, settings *SystemSettingsService, feature string, logger *zap.Logger) tasks.Handler {
	return func(ctx context.Context, task models.Task) error {
		var ev notify.Event
		if err := tasks.DecodeArgs(task, &ev); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		if !settings.IsEnabled(ctx, feature, true) {
			logger.Debug("notification disabled, skipping", zap.String("kind", string(ev.Kind)))
			return nil
		}
		return dispatcher.Dispatch(ctx, ev)
	}
}
