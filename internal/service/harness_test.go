package service

import (
	"context"
	"testing"
	"time"

	"metaculus/internal/config"
	"metaculus/internal/lease"
	"metaculus/internal/models"
	"metaculus/internal/notify"
	"metaculus/internal/repository"
	"metaculus/internal/repository/memory"
	"metaculus/internal/tasks"
)

type harness struct {
	repo      *memory.Store
	exec      *tasks.Executor
	locker    *lease.MemoryLocker
	settings  *SystemSettingsService
	forecasts *ForecastService
	options   *OptionsService
	builder   *AggregationBuilder
	sent      *captureSender
}

type captureSender struct {
	msgs []notify.Message
}

func (c *captureSender) Send(_ context.Context, msg notify.Message) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := memory.New()
	exec := tasks.New(repo, config.TasksConfig{BatchSize: 50, MaxAttempts: 3, LockTTL: time.Minute}, nil, nil)
	settings := &SystemSettingsService{Repo: repo}
	fcfg := config.ForecastingConfig{RebuildDelay: 0, ExpiryReminderLead: time.Hour, SumTolerance: 1e-6}
	locker := lease.NewMemoryLocker()
	h := &harness{
		repo:     repo,
		exec:     exec,
		locker:   locker,
		settings: settings,
		forecasts: &ForecastService{
			Repo: repo, Scheduler: exec, Settings: settings, Config: fcfg,
			Now: func() time.Time { return t0.Add(30 * 24 * time.Hour) },
		},
		options: &OptionsService{
			Repo: repo, Scheduler: exec, Settings: settings, Config: fcfg,
			Now: func() time.Time { return t0.Add(30 * 24 * time.Hour) },
		},
		builder: &AggregationBuilder{
			Repo:     repo,
			Locker:   locker,
			Config:   config.AggregationConfig{Methods: []string{"unweighted"}},
			LeaseTTL: time.Minute,
		},
		sent: &captureSender{},
	}
	dispatcher := notify.NewDispatcher(h.sent, h.forecasts, nil)
	RegisterTaskHandlers(exec, h.builder, dispatcher, settings, nil)
	return h
}

func (h *harness) binaryQuestion(t *testing.T, id uint64) *models.Question {
	t.Helper()
	q := &models.Question{ID: id, Type: models.QuestionTypeBinary, DefaultAggregationMethod: "unweighted"}
	if err := h.repo.UpsertQuestion(context.Background(), q); err != nil {
		t.Fatalf("seed question: %v", err)
	}
	return q
}

func (h *harness) mcQuestion(t *testing.T, id uint64, labels ...string) *models.Question {
	t.Helper()
	q := &models.Question{
		ID:                       id,
		Type:                     models.QuestionTypeMultipleChoice,
		DefaultAggregationMethod: "unweighted",
		Options:                  labels,
		OptionsHistory:           []models.OptionsHistoryEntry{{Timestamp: t0, Options: labels}},
	}
	if err := h.repo.UpsertQuestion(context.Background(), q); err != nil {
		t.Fatalf("seed question: %v", err)
	}
	return q
}

func (h *harness) submitBinary(t *testing.T, qid, author uint64, p float64, at time.Time) *models.Forecast {
	t.Helper()
	f, err := h.forecasts.Submit(context.Background(), SubmitParams{
		QuestionID:   qid,
		Forecaster:   Forecaster{ID: author},
		Distribution: Distribution{ProbabilityYes: fp(p)},
		StartTime:    at,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return f
}

func (h *harness) submitMC(t *testing.T, qid, author uint64, at time.Time, vec ...*float64) *models.Forecast {
	t.Helper()
	f, err := h.forecasts.Submit(context.Background(), SubmitParams{
		QuestionID:   qid,
		Forecaster:   Forecaster{ID: author},
		Distribution: Distribution{ProbabilityYesPerCategory: vec},
		StartTime:    at,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return f
}

func (h *harness) timeline(t *testing.T, qid uint64, author *uint64) []models.Forecast {
	t.Helper()
	items, err := h.repo.ListForecasts(context.Background(), repository.ListForecastsParams{QuestionID: qid, AuthorID: author})
	if err != nil {
		t.Fatalf("list forecasts: %v", err)
	}
	return items
}

func (h *harness) pending(t *testing.T, name string) []models.Task {
	t.Helper()
	status := models.TaskStatusPending
	items, err := h.repo.ListTasks(context.Background(), repository.ListTasksParams{Status: &status, Name: &name, Limit: 500})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return items
}

func fp(v float64) *float64 { return &v }

func tp(t time.Time) *time.Time { return &t }

func u64(v uint64) *uint64 { return &v }

func near(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func sum(vec []*float64) float64 {
	var total float64
	for _, v := range vec {
		if v != nil {
			total += *v
		}
	}
	return total
}
