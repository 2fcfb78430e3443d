package service

import (
	"context"
	"strings"
	"time"

	"metaculus/internal/models"
	"metaculus/internal/repository"
)

const (
	FeatureAggregateRebuild    = "feature.aggregate_rebuild"
	FeatureOptionNotifications = "feature.notify.options_changed"
	FeatureExpiryReminders     = "feature.notify.forecast_expiring"
	FeatureTaskExecutor        = "feature.task_executor"
)

var featureDescriptions = map[string]string{
	FeatureAggregateRebuild:    "run scheduled aggregate rebuilds",
	FeatureOptionNotifications: "notify forecasters when options are added or deleted",
	FeatureExpiryReminders:     "remind forecasters before a forecast expires",
	FeatureTaskExecutor:        "poll and run due tasks",
}

func DefaultFeatureSwitches() map[string]bool {
	return map[string]bool{
		FeatureAggregateRebuild:    true,
		FeatureOptionNotifications: true,
		FeatureExpiryReminders:     true,
		FeatureTaskExecutor:        true,
	}
}

type SystemSettingsService struct {
	Repo repository.Repository
}

// EnsureDefaultSwitches creates missing switches. Existing values are left as
// operators set them.
func (s *SystemSettingsService) EnsureDefaultSwitches(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	now := time.Now().UTC()
	for key, enabled := range DefaultFeatureSwitches() {
		existing, err := s.Repo.GetSystemSettingByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		item := models.NewSwitch(key, enabled, featureDescriptions[key], "")
		item.CreatedAt = now
		item.UpdatedAt = now
		if err := s.Repo.UpsertSystemSetting(ctx, &item); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	if s == nil || s.Repo == nil {
		return fallback
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fallback
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, key)
	if err != nil || item == nil {
		return fallback
	}
	enabled, ok := item.Enabled()
	if !ok {
		return fallback
	}
	return enabled
}

// SetEnabled flips a known switch and records who did it.
func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool, actor string) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return invalid("key", "required")
	}
	if _, known := DefaultFeatureSwitches()[key]; !known {
		return invalid("key", "unknown feature switch %q", key)
	}
	item := models.NewSwitch(key, enabled, featureDescriptions[key], strings.TrimSpace(actor))
	item.UpdatedAt = time.Now().UTC()
	return s.Repo.UpsertSystemSetting(ctx, &item)
}

func (s *SystemSettingsService) List(ctx context.Context) ([]models.SystemSetting, error) {
	if s == nil || s.Repo == nil {
		return nil, nil
	}
	prefix := "feature."
	asc := true
	return s.Repo.ListSystemSettings(ctx, repository.ListSystemSettingsParams{Prefix: &prefix, Asc: &asc})
}
