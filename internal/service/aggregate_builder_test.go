package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"metaculus/internal/aggregation"
	"metaculus/internal/models"
	"metaculus/internal/repository"
)

func TestRebuild_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.binaryQuestion(t, 1)
	h.submitBinary(t, 1, 7, 0.4, t0)
	h.submitBinary(t, 1, 8, 0.6, t0.Add(time.Hour))

	first, err := h.builder.Rebuild(ctx, 1, aggregation.MethodUnweighted)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if first.Created != 2 || first.Updated != 0 {
		t.Fatalf("first rebuild=%+v", first)
	}
	before, _ := h.builder.History(ctx, 1, "unweighted")

	second, err := h.builder.Rebuild(ctx, 1, aggregation.MethodUnweighted)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if second.Updated != 2 || second.Created != 0 || second.Deleted != 0 {
		t.Fatalf("second rebuild=%+v", second)
	}
	after, _ := h.builder.History(ctx, 1, "unweighted")
	if len(after) != len(before) {
		t.Fatalf("points %d -> %d", len(before), len(after))
	}
	for i := range before {
		if after[i].ID != before[i].ID || !after[i].StartTime.Equal(before[i].StartTime) {
			t.Fatalf("row %d moved: %+v -> %+v", i, before[i], after[i])
		}
		if *after[i].ForecastValues[1] != *before[i].ForecastValues[1] {
			t.Fatalf("row %d value changed", i)
		}
	}
	if after[1].ForecasterCount != 2 || !near(*after[1].ForecastValues[1], 0.5) {
		t.Fatalf("second point=%+v", after[1])
	}
}

func TestRebuild_ShrinkingHistoryDeletesRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.binaryQuestion(t, 1)
	h.submitBinary(t, 1, 7, 0.4, t0)
	h.submitBinary(t, 1, 7, 0.6, t0.Add(time.Hour))
	if _, err := h.builder.Rebuild(ctx, 1, aggregation.MethodUnweighted); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	all := h.timeline(t, 1, nil)
	if _, err := h.repo.DeleteForecasts(ctx, []uint64{all[1].ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, err := h.builder.Rebuild(ctx, 1, aggregation.MethodUnweighted)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if res.Points != 1 || res.Updated != 1 || res.Deleted != 1 {
		t.Fatalf("rebuild=%+v", res)
	}
}

func TestRebuild_ExcludesBots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.binaryQuestion(t, 1)
	h.submitBinary(t, 1, 7, 0.4, t0)
	if _, err := h.forecasts.Submit(ctx, SubmitParams{
		QuestionID:   1,
		Forecaster:   Forecaster{ID: 8, IsBot: true},
		Distribution: Distribution{ProbabilityYes: fp(0.9)},
		StartTime:    t0,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.builder.Rebuild(ctx, 1, aggregation.MethodUnweighted); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	points, _ := h.builder.History(ctx, 1, "")
	if len(points) != 1 || points[0].ForecasterCount != 1 || !near(*points[0].ForecastValues[1], 0.4) {
		t.Fatalf("bot leaked into aggregate: %+v", points)
	}
}

func TestRebuildAll_LeaseContention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.binaryQuestion(t, 1)
	h.submitBinary(t, 1, 7, 0.4, t0)

	token, ok, err := h.locker.Acquire(ctx, "aggregates:question:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, err := h.builder.RebuildAll(ctx, 1); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("err=%v want ErrLeaseHeld", err)
	}

	if err := h.exec.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	tasks := h.pending(t, TaskRebuildAggregates)
	if len(tasks) != 1 || tasks[0].Deferrals != 1 || tasks[0].Attempts != 0 {
		t.Fatalf("rebuild task=%+v want one deferral and no attempts", tasks)
	}

	if err := h.locker.Release(ctx, "aggregates:question:1", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	results, err := h.builder.RebuildAll(ctx, 1)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(results) != 1 || results[0].Method != "unweighted" {
		t.Fatalf("results=%+v", results)
	}
	if _, ok, _ := h.locker.Acquire(ctx, "aggregates:question:1", time.Minute); !ok {
		t.Fatalf("lease should be released after rebuild")
	}
}

func TestRebuildAll_MissingQuestion(t *testing.T) {
	h := newHarness(t)
	if _, err := h.builder.RebuildAll(context.Background(), 42); !IsNotFound(err) {
		t.Fatalf("err=%v want NotFound", err)
	}
}

func TestMethods_IncludesQuestionDefault(t *testing.T) {
	b := &AggregationBuilder{}
	b.Config.Methods = []string{"unweighted"}
	got, err := b.Methods(&models.Question{DefaultAggregationMethod: "recency_weighted"})
	if err != nil {
		t.Fatalf("methods: %v", err)
	}
	if len(got) != 2 || got[1] != aggregation.MethodRecencyWeighted {
		t.Fatalf("methods=%v", got)
	}
	if _, err := b.Methods(&models.Question{DefaultAggregationMethod: "geometric"}); err == nil {
		t.Fatalf("expected error for unknown method")
	}
}

func TestRebuildTask_SkippedWhenDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.binaryQuestion(t, 1)
	if err := h.settings.SetEnabled(ctx, FeatureAggregateRebuild, false, "ops"); err != nil {
		t.Fatalf("set: %v", err)
	}
	h.submitBinary(t, 1, 7, 0.4, t0)
	if err := h.exec.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	points, err := h.repo.ListAggregateForecasts(ctx, 1, "unweighted")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("disabled rebuild wrote %d points", len(points))
	}
	status := models.TaskStatusDone
	done, err := h.repo.ListTasks(ctx, repository.ListTasksParams{Status: &status})
	if err != nil || len(done) != 1 {
		t.Fatalf("done tasks=%d err=%v", len(done), err)
	}
}
