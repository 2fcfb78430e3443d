package service

import (
	"context"
	"testing"

	"gorm.io/datatypes"

	"metaculus/internal/models"
	"metaculus/internal/repository/memory"
)

func TestSystemSettings_Switches(t *testing.T) {
	ctx := context.Background()
	s := &SystemSettingsService{Repo: memory.New()}

	if !s.IsEnabled(ctx, FeatureTaskExecutor, true) {
		t.Fatalf("missing switch should use fallback")
	}
	if err := s.SetEnabled(ctx, FeatureTaskExecutor, false, "alice"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.EnsureDefaultSwitches(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if s.IsEnabled(ctx, FeatureTaskExecutor, true) {
		t.Fatalf("defaults must not overwrite an operator's value")
	}
	if !s.IsEnabled(ctx, FeatureAggregateRebuild, false) {
		t.Fatalf("default switch should be created enabled")
	}

	items, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != len(DefaultFeatureSwitches()) {
		t.Fatalf("switches=%d want %d", len(items), len(DefaultFeatureSwitches()))
	}
	for _, it := range items {
		want := ""
		if it.Key == FeatureTaskExecutor {
			want = "alice"
		}
		if it.UpdatedBy != want || it.Description == "" {
			t.Fatalf("switch %s: updated_by=%q description=%q", it.Key, it.UpdatedBy, it.Description)
		}
	}

	if err := s.SetEnabled(ctx, "feature.unknown", true, "alice"); !IsValidation(err) {
		t.Fatalf("err=%v want ValidationError", err)
	}

	var nilSvc *SystemSettingsService
	if !nilSvc.IsEnabled(ctx, FeatureTaskExecutor, true) {
		t.Fatalf("nil service should use fallback")
	}
}

func TestSystemSetting_NonBooleanValueUsesFallback(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	s := &SystemSettingsService{Repo: repo}
	item := models.NewSwitch(FeatureExpiryReminders, true, "", "")
	item.Value = datatypes.JSON(`{"enabled":true}`)
	if err := repo.UpsertSystemSetting(ctx, &item); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if s.IsEnabled(ctx, FeatureExpiryReminders, false) {
		t.Fatalf("non-boolean value should use the fallback")
	}
	if enabled, ok := models.NewSwitch("k", false, "", "").Enabled(); enabled || !ok {
		t.Fatalf("NewSwitch(false).Enabled()=%v,%v", enabled, ok)
	}
}
