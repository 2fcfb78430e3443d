// Package tasks is a durable, at-least-once delayed job executor backed by the
// tasks table. Handlers must be idempotent: a task whose worker dies is
// reclaimed once its lock expires and runs again.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"metaculus/internal/config"
	"metaculus/internal/metrics"
	"metaculus/internal/models"
	"metaculus/internal/repository"
)

// ErrDeferred asks the executor to run the task again later without spending
// an attempt, e.g. when a lease is held by another worker.
var ErrDeferred = errors.New("task deferred")

type Handler func(ctx context.Context, task models.Task) error

// FailureReporter is told about tasks that exhausted their attempts.
type FailureReporter interface {
	TaskFailed(ctx context.Context, task models.Task, err error)
}

type Request struct {
	Name string
	Key  string
	Args any
	// Delay before the task becomes due.
	Delay time.Duration
	// Coalesce reuses a pending task with the same name and key instead of
	// inserting a new one.
	Coalesce bool
}

type Executor struct {
	Repo     repository.Repository
	Logger   *zap.Logger
	Config   config.TasksConfig
	Reporter FailureReporter

	mu       sync.RWMutex
	handlers map[string]Handler
	now      func() time.Time
}

func New(repo repository.Repository, cfg config.TasksConfig, logger *zap.Logger, reporter FailureReporter) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Executor{
		Repo:     repo,
		Logger:   logger,
		Config:   cfg,
		Reporter: reporter,
		handlers: map[string]Handler{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Executor) Register(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

func (e *Executor) handler(name string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

// Schedule persists a task. With Coalesce set, a pending task with the same
// name and key absorbs the request and is returned unchanged.
func (e *Executor) Schedule(ctx context.Context, req Request) (*models.Task, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.New("schedule: task name required")
	}
	if req.Coalesce {
		existing, err := e.Repo.FindPendingTask(ctx, name, req.Key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			metrics.RecordScheduled(name, true)
			return existing, nil
		}
	}
	var args datatypes.JSON
	if req.Args != nil {
		b, err := json.Marshal(req.Args)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: encode args: %w", name, err)
		}
		args = b
	}
	delay := req.Delay
	if delay < 0 {
		delay = 0
	}
	task := &models.Task{
		Name:        name,
		Key:         req.Key,
		Args:        args,
		Status:      models.TaskStatusPending,
		RunAt:       e.now().Add(delay),
		MaxAttempts: e.Config.MaxAttempts,
	}
	if err := e.Repo.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	metrics.RecordScheduled(name, false)
	return task, nil
}

// Cancel drops every pending task with the given key.
func (e *Executor) Cancel(ctx context.Context, key string) (int64, error) {
	return e.Repo.CancelPendingTasks(ctx, key)
}

// RunDue claims one batch of due tasks and runs them sequentially. It returns
// the number of tasks processed.
func (e *Executor) RunDue(ctx context.Context) (int, error) {
	claimed, err := e.Repo.ClaimDueTasks(ctx, e.now(), e.Config.BatchSize, e.Config.LockTTL)
	if err != nil {
		return 0, err
	}
	for i := range claimed {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		e.run(ctx, claimed[i])
	}
	return len(claimed), nil
}

// Drain runs due tasks until none remain or ctx is done.
func (e *Executor) Drain(ctx context.Context) error {
	for {
		n, err := e.RunDue(ctx)
		if err != nil || n == 0 {
			return err
		}
	}
}

// Prune removes finished tasks older than the retention window.
func (e *Executor) Prune(ctx context.Context) (int64, error) {
	if e.Config.Retention <= 0 {
		return 0, nil
	}
	return e.Repo.DeleteFinishedTasks(ctx, e.now().Add(-e.Config.Retention))
}

func (e *Executor) run(ctx context.Context, task models.Task) {
	log := e.Logger.With(zap.Uint64("task_id", task.ID), zap.String("name", task.Name), zap.String("key", task.Key))
	h, ok := e.handler(task.Name)
	if !ok {
		task.Attempts++
		e.fail(ctx, log, task, fmt.Errorf("no handler registered for %q", task.Name))
		return
	}

	err := invoke(ctx, h, task)
	now := e.now()
	switch {
	case err == nil:
		task.Attempts++
		task.Status = models.TaskStatusDone
		task.LockedUntil = nil
		task.LastError = ""
		task.FinishedAt = &now
		metrics.RecordTask(task.Name, "done")
		log.Debug("task done", zap.Int("attempts", task.Attempts))
	case errors.Is(err, ErrDeferred):
		task.Deferrals++
		task.Status = models.TaskStatusPending
		task.LockedUntil = nil
		task.RunAt = now.Add(e.delay(task.Deferrals))
		task.LastError = err.Error()
		metrics.RecordTask(task.Name, "deferred")
		log.Debug("task deferred", zap.Int("deferrals", task.Deferrals), zap.Time("run_at", task.RunAt))
	default:
		task.Attempts++
		limit := task.MaxAttempts
		if limit <= 0 {
			limit = e.Config.MaxAttempts
		}
		if task.Attempts >= limit {
			e.fail(ctx, log, task, err)
			return
		}
		task.Status = models.TaskStatusPending
		task.LockedUntil = nil
		task.RunAt = now.Add(e.delay(task.Attempts))
		task.LastError = err.Error()
		metrics.RecordTask(task.Name, "retry")
		log.Warn("task failed, retrying", zap.Int("attempts", task.Attempts), zap.Time("run_at", task.RunAt), zap.Error(err))
	}
	if uerr := e.Repo.UpdateTask(ctx, &task); uerr != nil {
		log.Error("task update failed", zap.Error(uerr))
	}
}

func (e *Executor) fail(ctx context.Context, log *zap.Logger, task models.Task, err error) {
	now := e.now()
	task.Status = models.TaskStatusFailed
	task.LockedUntil = nil
	task.LastError = err.Error()
	task.FinishedAt = &now
	metrics.RecordTask(task.Name, "failed")
	log.Error("task exhausted", zap.Int("attempts", task.Attempts), zap.Error(err))
	if uerr := e.Repo.UpdateTask(ctx, &task); uerr != nil {
		log.Error("task update failed", zap.Error(uerr))
	}
	if e.Reporter != nil {
		e.Reporter.TaskFailed(ctx, task, err)
	}
}

// delay returns the n-th exponential backoff interval (n starts at 1).
func (e *Executor) delay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.Config.InitialBackoff
	b.MaxInterval = e.Config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.InitialInterval
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

func invoke(ctx context.Context, h Handler, task models.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return h(ctx, task)
}

// DecodeArgs unmarshals the task's JSON args into v.
func DecodeArgs(task models.Task, v any) error {
	if len(task.Args) == 0 {
		return errors.New("task has no args")
	}
	return json.Unmarshal(task.Args, v)
}

func (e *Executor) List(ctx context.Context, params repository.ListTasksParams) ([]models.Task, int64, error) {
	items, err := e.Repo.ListTasks(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.Repo.CountTasks(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
