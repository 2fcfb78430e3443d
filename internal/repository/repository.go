package repository

import (
	"context"
	"time"

	"metaculus/internal/models"
)

// Repository is the storage boundary of the forecast core. Get* methods return
// (nil, nil) when the row does not exist.
type Repository interface {
	// InTx runs fn inside one transaction; any error rolls everything back.
	InTx(ctx context.Context, fn func(repo Repository) error) error

	// Questions (owned by the post subsystem; only options fields are written here)
	UpsertQuestion(ctx context.Context, item *models.Question) error
	GetQuestion(ctx context.Context, id uint64) (*models.Question, error)
	GetQuestionForUpdate(ctx context.Context, id uint64) (*models.Question, error)
	UpdateQuestionOptions(ctx context.Context, id uint64, options []string, history []models.OptionsHistoryEntry) error

	// Forecast timeline
	CreateForecast(ctx context.Context, item *models.Forecast) error
	UpdateForecast(ctx context.Context, item *models.Forecast) error
	// SetForecastEndTime writes only end_time, leaving the vector columns alone.
	SetForecastEndTime(ctx context.Context, id uint64, end *time.Time) error
	DeleteForecasts(ctx context.Context, ids []uint64) (int64, error)
	ListForecasts(ctx context.Context, params ListForecastsParams) ([]models.Forecast, error)

	// Aggregate history
	ListAggregateForecasts(ctx context.Context, questionID uint64, method string) ([]models.AggregateForecast, error)
	UpdateAggregateForecast(ctx context.Context, item *models.AggregateForecast) error
	CreateAggregateForecasts(ctx context.Context, items []models.AggregateForecast) error
	DeleteAggregateForecasts(ctx context.Context, ids []uint64) (int64, error)

	// Tasks
	InsertTask(ctx context.Context, item *models.Task) error
	FindPendingTask(ctx context.Context, name, key string) (*models.Task, error)
	ClaimDueTasks(ctx context.Context, now time.Time, limit int, lockTTL time.Duration) ([]models.Task, error)
	UpdateTask(ctx context.Context, item *models.Task) error
	CancelPendingTasks(ctx context.Context, key string) (int64, error)
	ListTasks(ctx context.Context, params ListTasksParams) ([]models.Task, error)
	CountTasks(ctx context.Context, params ListTasksParams) (int64, error)
	DeleteFinishedTasks(ctx context.Context, before time.Time) (int64, error)

	// System settings
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	ListSystemSettings(ctx context.Context, params ListSystemSettingsParams) ([]models.SystemSetting, error)
	CountSystemSettings(ctx context.Context, params ListSystemSettingsParams) (int64, error)
}

// ListForecastsParams filters forecast intervals of one question. Results are
// ordered by start_time then id, ascending unless Desc is set.
type ListForecastsParams struct {
	QuestionID uint64
	AuthorID   *uint64
	// EndsAfter keeps intervals that are open or end strictly after the time.
	EndsAfter *time.Time
	// StartsBefore keeps intervals starting strictly before the time.
	StartsBefore *time.Time
	ExcludeBots  bool
	Desc         bool
}

type ListTasksParams struct {
	Limit  int
	Offset int
	Status *string
	Name   *string
	Key    *string
}

type ListSystemSettingsParams struct {
	Limit   int
	Offset  int
	Prefix  *string
	OrderBy string
	Asc     *bool
}
