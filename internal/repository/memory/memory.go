// Package memory is an in-process Repository used when no database DSN is
// configured and by service tests.
package memory

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"metaculus/internal/models"
	"metaculus/internal/repository"
)

type state struct {
	questions  map[uint64]models.Question
	forecasts  map[uint64]models.Forecast
	aggregates map[uint64]models.AggregateForecast
	tasks      map[uint64]models.Task
	settings   map[string]models.SystemSetting
}

type Store struct {
	// txMu serializes transactions, standing in for row locks.
	txMu sync.Mutex
	mu   sync.Mutex
	st   state
	// seq is shared with transaction working copies so ids never collide.
	seq *atomic.Uint64
}

func New() *Store {
	return &Store{
		st: state{
			questions:  map[uint64]models.Question{},
			forecasts:  map[uint64]models.Forecast{},
			aggregates: map[uint64]models.AggregateForecast{},
			tasks:      map[uint64]models.Task{},
			settings:   map[string]models.SystemSetting{},
		},
		seq: new(atomic.Uint64),
	}
}

// txStore is the Repository handed to InTx callbacks. It works on a private
// copy of the store; nested InTx calls join it.
type txStore struct {
	*Store
}

func (t txStore) InTx(_ context.Context, fn func(repo repository.Repository) error) error {
	return fn(t)
}

// InTx runs fn against a working copy. On success only the rows fn changed
// are written back, so writes made outside the transaction meanwhile
// survive both commit and rollback.
func (s *Store) InTx(_ context.Context, fn func(repo repository.Repository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	base := s.st.clone()
	s.mu.Unlock()

	work := &Store{st: base.clone(), seq: s.seq}
	if err := fn(txStore{work}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	mergeRows(s.st.questions, base.questions, work.st.questions)
	mergeRows(s.st.forecasts, base.forecasts, work.st.forecasts)
	mergeRows(s.st.aggregates, base.aggregates, work.st.aggregates)
	mergeRows(s.st.tasks, base.tasks, work.st.tasks)
	mergeRows(s.st.settings, base.settings, work.st.settings)
	return nil
}

// mergeRows applies the difference between base and work onto live.
func mergeRows[K comparable, V any](live, base, work map[K]V) {
	for k, v := range work {
		if prev, ok := base[k]; ok && reflect.DeepEqual(prev, v) {
			continue
		}
		live[k] = v
	}
	for k := range base {
		if _, ok := work[k]; !ok {
			delete(live, k)
		}
	}
}

func (st state) clone() state {
	out := state{
		questions:  make(map[uint64]models.Question, len(st.questions)),
		forecasts:  make(map[uint64]models.Forecast, len(st.forecasts)),
		aggregates: make(map[uint64]models.AggregateForecast, len(st.aggregates)),
		tasks:      make(map[uint64]models.Task, len(st.tasks)),
		settings:   make(map[string]models.SystemSetting, len(st.settings)),
	}
	for k, v := range st.questions {
		out.questions[k] = cloneQuestion(v)
	}
	for k, v := range st.forecasts {
		out.forecasts[k] = cloneForecast(v)
	}
	for k, v := range st.aggregates {
		out.aggregates[k] = cloneAggregate(v)
	}
	for k, v := range st.tasks {
		out.tasks[k] = cloneTask(v)
	}
	for k, v := range st.settings {
		out.settings[k] = v
	}
	return out
}

func (s *Store) id() uint64 {
	return s.seq.Add(1)
}

// --- questions ---------------------------------------------------------------

func (s *Store) UpsertQuestion(_ context.Context, item *models.Question) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if item.ID == 0 {
		item.ID = s.id()
	}
	if prev, ok := s.st.questions[item.ID]; ok {
		item.CreatedAt = prev.CreatedAt
	} else if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	s.st.questions[item.ID] = cloneQuestion(*item)
	return nil
}

func (s *Store) GetQuestion(_ context.Context, id uint64) (*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.st.questions[id]
	if !ok {
		return nil, nil
	}
	out := cloneQuestion(q)
	return &out, nil
}

func (s *Store) GetQuestionForUpdate(ctx context.Context, id uint64) (*models.Question, error) {
	return s.GetQuestion(ctx, id)
}

func (s *Store) UpdateQuestionOptions(_ context.Context, id uint64, options []string, history []models.OptionsHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.st.questions[id]
	if !ok {
		return nil
	}
	q.Options = append([]string(nil), options...)
	q.OptionsHistory = cloneHistory(history)
	q.UpdatedAt = time.Now().UTC()
	s.st.questions[id] = q
	return nil
}

// --- forecasts ---------------------------------------------------------------

func (s *Store) CreateForecast(_ context.Context, item *models.Forecast) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	item.ID = s.id()
	item.CreatedAt = now
	item.UpdatedAt = now
	s.st.forecasts[item.ID] = cloneForecast(*item)
	return nil
}

func (s *Store) UpdateForecast(_ context.Context, item *models.Forecast) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.st.forecasts[item.ID]
	if !ok {
		return nil
	}
	prev.EndTime = copyTime(item.EndTime)
	prev.ProbabilityYes = copyFloat(item.ProbabilityYes)
	prev.ProbabilityYesPerCategory = clonePtrs(item.ProbabilityYesPerCategory)
	prev.ContinuousCDF = append([]float64(nil), item.ContinuousCDF...)
	prev.UpdatedAt = time.Now().UTC()
	s.st.forecasts[item.ID] = prev
	return nil
}

func (s *Store) SetForecastEndTime(_ context.Context, id uint64, end *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.st.forecasts[id]
	if !ok {
		return nil
	}
	prev.EndTime = copyTime(end)
	prev.UpdatedAt = time.Now().UTC()
	s.st.forecasts[id] = prev
	return nil
}

func (s *Store) DeleteForecasts(_ context.Context, ids []uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := s.st.forecasts[id]; ok {
			delete(s.st.forecasts, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListForecasts(_ context.Context, params repository.ListForecastsParams) ([]models.Forecast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Forecast
	for _, f := range s.st.forecasts {
		if f.QuestionID != params.QuestionID {
			continue
		}
		if params.AuthorID != nil && f.AuthorID != *params.AuthorID {
			continue
		}
		if params.EndsAfter != nil && !f.EndsAfter(*params.EndsAfter) {
			continue
		}
		if params.StartsBefore != nil && !f.StartTime.Before(*params.StartsBefore) {
			continue
		}
		if params.ExcludeBots && f.AuthorIsBot {
			continue
		}
		out = append(out, cloneForecast(f))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if params.Desc {
			a, b = b, a
		}
		if a.StartTime.Equal(b.StartTime) {
			return a.ID < b.ID
		}
		return a.StartTime.Before(b.StartTime)
	})
	return out, nil
}

// --- aggregates --------------------------------------------------------------

func (s *Store) ListAggregateForecasts(_ context.Context, questionID uint64, method string) ([]models.AggregateForecast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AggregateForecast
	for _, a := range s.st.aggregates {
		if a.QuestionID != questionID {
			continue
		}
		if method != "" && a.Method != method {
			continue
		}
		out = append(out, cloneAggregate(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (s *Store) UpdateAggregateForecast(_ context.Context, item *models.AggregateForecast) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.aggregates[item.ID]; !ok {
		return nil
	}
	s.st.aggregates[item.ID] = cloneAggregate(*item)
	return nil
}

func (s *Store) CreateAggregateForecasts(_ context.Context, items []models.AggregateForecast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range items {
		items[i].ID = s.id()
		s.st.aggregates[items[i].ID] = cloneAggregate(items[i])
	}
	return nil
}

func (s *Store) DeleteAggregateForecasts(_ context.Context, ids []uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := s.st.aggregates[id]; ok {
			delete(s.st.aggregates, id)
			n++
		}
	}
	return n, nil
}

// --- tasks -------------------------------------------------------------------

func (s *Store) InsertTask(_ context.Context, item *models.Task) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	item.ID = s.id()
	if item.Status == "" {
		item.Status = models.TaskStatusPending
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	s.st.tasks[item.ID] = cloneTask(*item)
	return nil
}

func (s *Store) FindPendingTask(_ context.Context, name, key string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Task
	for _, t := range s.st.tasks {
		if t.Name != name || t.Key != key || t.Status != models.TaskStatusPending {
			continue
		}
		if found == nil || t.RunAt.Before(found.RunAt) {
			c := cloneTask(t)
			found = &c
		}
	}
	return found, nil
}

func (s *Store) ClaimDueTasks(_ context.Context, now time.Time, limit int, lockTTL time.Duration) ([]models.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Task
	for _, t := range s.st.tasks {
		pending := t.Status == models.TaskStatusPending && !t.RunAt.After(now)
		stale := t.Status == models.TaskStatusRunning && t.LockedUntil != nil && t.LockedUntil.Before(now)
		if pending || stale {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	lockedUntil := now.Add(lockTTL)
	out := make([]models.Task, len(due))
	for i, t := range due {
		t.Status = models.TaskStatusRunning
		t.LockedUntil = copyTime(&lockedUntil)
		t.UpdatedAt = now
		s.st.tasks[t.ID] = t
		out[i] = cloneTask(t)
	}
	return out, nil
}

func (s *Store) UpdateTask(_ context.Context, item *models.Task) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.st.tasks[item.ID]
	if !ok {
		return nil
	}
	prev.Status = item.Status
	prev.RunAt = item.RunAt
	prev.Attempts = item.Attempts
	prev.Deferrals = item.Deferrals
	prev.LockedUntil = copyTime(item.LockedUntil)
	prev.LastError = item.LastError
	prev.FinishedAt = copyTime(item.FinishedAt)
	prev.UpdatedAt = time.Now().UTC()
	s.st.tasks[item.ID] = prev
	return nil
}

func (s *Store) CancelPendingTasks(_ context.Context, key string) (int64, error) {
	if strings.TrimSpace(key) == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for id, t := range s.st.tasks {
		if t.Key != key || t.Status != models.TaskStatusPending {
			continue
		}
		t.Status = models.TaskStatusCancelled
		t.FinishedAt = copyTime(&now)
		t.UpdatedAt = now
		s.st.tasks[id] = t
		n++
	}
	return n, nil
}

func (s *Store) ListTasks(_ context.Context, params repository.ListTasksParams) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.filterTasks(params)
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil, nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) CountTasks(_ context.Context, params repository.ListTasksParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.filterTasks(params))), nil
}

func (s *Store) filterTasks(params repository.ListTasksParams) []models.Task {
	var out []models.Task
	for _, t := range s.st.tasks {
		if params.Status != nil && *params.Status != "" && t.Status != *params.Status {
			continue
		}
		if params.Name != nil && *params.Name != "" && t.Name != *params.Name {
			continue
		}
		if params.Key != nil && *params.Key != "" && t.Key != *params.Key {
			continue
		}
		out = append(out, cloneTask(t))
	}
	return out
}

func (s *Store) DeleteFinishedTasks(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.st.tasks {
		if t.Status != models.TaskStatusDone && t.Status != models.TaskStatusCancelled {
			continue
		}
		if t.FinishedAt == nil || !t.FinishedAt.Before(before) {
			continue
		}
		delete(s.st.tasks, id)
		n++
	}
	return n, nil
}

// --- system settings ---------------------------------------------------------

func (s *Store) UpsertSystemSetting(_ context.Context, item *models.SystemSetting) error {
	if item == nil {
		return nil
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.st.settings[item.Key]; ok {
		item.ID = prev.ID
		item.CreatedAt = prev.CreatedAt
	} else {
		item.ID = s.id()
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	s.st.settings[item.Key] = *item
	return nil
}

func (s *Store) GetSystemSettingByKey(_ context.Context, key string) (*models.SystemSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.st.settings[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) ListSystemSettings(_ context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SystemSetting
	for k, v := range s.st.settings {
		if params.Prefix != nil && !strings.HasPrefix(k, strings.TrimSpace(*params.Prefix)) {
			continue
		}
		out = append(out, v)
	}
	asc := params.Asc != nil && *params.Asc
	sort.Slice(out, func(i, j int) bool {
		if asc {
			return out[i].Key < out[j].Key
		}
		return out[i].Key > out[j].Key
	})
	return out, nil
}

func (s *Store) CountSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) (int64, error) {
	items, err := s.ListSystemSettings(ctx, params)
	return int64(len(items)), err
}

// --- copies ------------------------------------------------------------------

func cloneQuestion(q models.Question) models.Question {
	q.OpenTime = copyTime(q.OpenTime)
	q.ScheduledCloseTime = copyTime(q.ScheduledCloseTime)
	q.ActualCloseTime = copyTime(q.ActualCloseTime)
	q.Options = append([]string(nil), q.Options...)
	q.OptionsHistory = cloneHistory(q.OptionsHistory)
	return q
}

func cloneHistory(in []models.OptionsHistoryEntry) []models.OptionsHistoryEntry {
	if in == nil {
		return nil
	}
	out := make([]models.OptionsHistoryEntry, len(in))
	for i, e := range in {
		out[i] = models.OptionsHistoryEntry{
			Timestamp: e.Timestamp,
			Options:   append([]string(nil), e.Options...),
		}
	}
	return out
}

func cloneForecast(f models.Forecast) models.Forecast {
	f.EndTime = copyTime(f.EndTime)
	f.ProbabilityYes = copyFloat(f.ProbabilityYes)
	f.ProbabilityYesPerCategory = clonePtrs(f.ProbabilityYesPerCategory)
	if f.ContinuousCDF != nil {
		f.ContinuousCDF = append([]float64(nil), f.ContinuousCDF...)
	}
	return f
}

func cloneAggregate(a models.AggregateForecast) models.AggregateForecast {
	a.EndTime = copyTime(a.EndTime)
	a.ForecastValues = clonePtrs(a.ForecastValues)
	a.Centers = clonePtrs(a.Centers)
	a.Means = clonePtrs(a.Means)
	a.LowerQuartiles = clonePtrs(a.LowerQuartiles)
	a.UpperQuartiles = clonePtrs(a.UpperQuartiles)
	if a.Histogram != nil {
		a.Histogram = append([]float64(nil), a.Histogram...)
	}
	return a
}

func cloneTask(t models.Task) models.Task {
	t.LockedUntil = copyTime(t.LockedUntil)
	t.FinishedAt = copyTime(t.FinishedAt)
	if t.Args != nil {
		t.Args = append([]byte(nil), t.Args...)
	}
	return t
}

func clonePtrs(in []*float64) []*float64 {
	if in == nil {
		return nil
	}
	out := make([]*float64, len(in))
	for i, v := range in {
		out[i] = copyFloat(v)
	}
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
