package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"metaculus/internal/models"
	"metaculus/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(repo repository.Repository) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// --- questions ---------------------------------------------------------------

func (s *Store) UpsertQuestion(ctx context.Context, item *models.Question) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"type",
			"open_time",
			"scheduled_close_time",
			"actual_close_time",
			"default_aggregation_method",
			"include_bots_in_aggregates",
			"options",
			"options_history",
			"cdf_size",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetQuestion(ctx context.Context, id uint64) (*models.Question, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return firstOrNil[models.Question](s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *Store) GetQuestionForUpdate(ctx context.Context, id uint64) (*models.Question, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return firstOrNil[models.Question](s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (s *Store) UpdateQuestionOptions(ctx context.Context, id uint64, options []string, history []models.OptionsHistoryEntry) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Question{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"options":         models.Question{Options: options}.Options,
			"options_history": models.Question{OptionsHistory: history}.OptionsHistory,
			"updated_at":      time.Now().UTC(),
		}).Error
}

// --- forecasts ---------------------------------------------------------------

func (s *Store) CreateForecast(ctx context.Context, item *models.Forecast) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) UpdateForecast(ctx context.Context, item *models.Forecast) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if item.ID == 0 {
		return errors.New("update forecast: missing id")
	}
	return s.db.WithContext(ctx).
		Model(item).
		Select("end_time", "probability_yes", "probability_yes_per_category", "continuous_cdf", "updated_at").
		Updates(item).Error
}

func (s *Store) SetForecastEndTime(ctx context.Context, id uint64, end *time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	if id == 0 {
		return errors.New("set forecast end time: missing id")
	}
	return s.db.WithContext(ctx).
		Model(&models.Forecast{}).
		Where("id = ?", id).
		Updates(map[string]any{"end_time": end, "updated_at": time.Now().UTC()}).Error
}

func (s *Store) DeleteForecasts(ctx context.Context, ids []uint64) (int64, error) {
	if s == nil || s.db == nil || len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.Forecast{})
	return res.RowsAffected, res.Error
}

func (s *Store) ListForecasts(ctx context.Context, params repository.ListForecastsParams) ([]models.Forecast, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Model(&models.Forecast{}).
		Where("question_id = ?", params.QuestionID)
	if params.AuthorID != nil {
		query = query.Where("author_id = ?", *params.AuthorID)
	}
	if params.EndsAfter != nil {
		query = query.Where("end_time IS NULL OR end_time > ?", *params.EndsAfter)
	}
	if params.StartsBefore != nil {
		query = query.Where("start_time < ?", *params.StartsBefore)
	}
	if params.ExcludeBots {
		query = query.Where("author_is_bot = ?", false)
	}
	if params.Desc {
		query = query.Order("start_time desc, id desc")
	} else {
		query = query.Order("start_time asc, id asc")
	}
	var items []models.Forecast
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- aggregates --------------------------------------------------------------

func (s *Store) ListAggregateForecasts(ctx context.Context, questionID uint64, method string) ([]models.AggregateForecast, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Model(&models.AggregateForecast{}).
		Where("question_id = ?", questionID)
	if strings.TrimSpace(method) != "" {
		query = query.Where("method = ?", strings.TrimSpace(method))
	}
	var items []models.AggregateForecast
	if err := query.Order("start_time asc, id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateAggregateForecast(ctx context.Context, item *models.AggregateForecast) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if item.ID == 0 {
		return errors.New("update aggregate: missing id")
	}
	return s.db.WithContext(ctx).Model(item).Select("*").Omit("id").Updates(item).Error
}

func (s *Store) CreateAggregateForecasts(ctx context.Context, items []models.AggregateForecast) error {
	if s == nil || s.db == nil {
		return nil
	}
	return createInBatches(s.db.WithContext(ctx), items, 500)
}

func (s *Store) DeleteAggregateForecasts(ctx context.Context, ids []uint64) (int64, error) {
	if s == nil || s.db == nil || len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.AggregateForecast{})
	return res.RowsAffected, res.Error
}

// --- tasks -------------------------------------------------------------------

func (s *Store) InsertTask(ctx context.Context, item *models.Task) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) FindPendingTask(ctx context.Context, name, key string) (*models.Task, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return firstOrNil[models.Task](s.db.WithContext(ctx).
		Where("name = ? AND key = ? AND status = ?", name, key, models.TaskStatusPending).
		Order("run_at asc"))
}

// ClaimDueTasks locks due pending tasks, plus running tasks whose lock
// expired, and marks them running until now+lockTTL.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, limit int, lockTTL time.Duration) ([]models.Task, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 20)
	var claimed []models.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var items []models.Task
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND run_at <= ?) OR (status = ? AND locked_until < ?)",
				models.TaskStatusPending, now, models.TaskStatusRunning, now).
			Order("run_at asc, id asc").
			Limit(limit).
			Find(&items).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		ids := make([]uint64, len(items))
		for i := range items {
			ids[i] = items[i].ID
		}
		lockedUntil := now.Add(lockTTL)
		if err := tx.Model(&models.Task{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":       models.TaskStatusRunning,
				"locked_until": lockedUntil,
				"updated_at":   now,
			}).Error; err != nil {
			return err
		}
		for i := range items {
			items[i].Status = models.TaskStatusRunning
			items[i].LockedUntil = &lockedUntil
		}
		claimed = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) UpdateTask(ctx context.Context, item *models.Task) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(item).
		Select("status", "run_at", "attempts", "deferrals", "locked_until", "last_error", "finished_at", "updated_at").
		Updates(item).Error
}

func (s *Store) CancelPendingTasks(ctx context.Context, key string) (int64, error) {
	if s == nil || s.db == nil || strings.TrimSpace(key) == "" {
		return 0, nil
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.Task{}).
		Where("key = ? AND status = ?", key, models.TaskStatusPending).
		Updates(map[string]any{
			"status":      models.TaskStatusCancelled,
			"finished_at": now,
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) ListTasks(ctx context.Context, params repository.ListTasksParams) ([]models.Task, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyTaskFilters(s.db.WithContext(ctx).Model(&models.Task{}), params)
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.Task
	if err := query.Order("id desc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountTasks(ctx context.Context, params repository.ListTasksParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := applyTaskFilters(s.db.WithContext(ctx).Model(&models.Task{}), params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) DeleteFinishedTasks(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.TaskStatusDone, models.TaskStatusCancelled}).
		Where("finished_at IS NOT NULL AND finished_at < ?", before).
		Delete(&models.Task{})
	return res.RowsAffected, res.Error
}

func applyTaskFilters(query *gorm.DB, params repository.ListTasksParams) *gorm.DB {
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Name != nil && strings.TrimSpace(*params.Name) != "" {
		query = query.Where("name = ?", strings.TrimSpace(*params.Name))
	}
	if params.Key != nil && strings.TrimSpace(*params.Key) != "" {
		query = query.Where("key = ?", strings.TrimSpace(*params.Key))
	}
	return query
}

// --- system settings ---------------------------------------------------------

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value",
			"description",
			"updated_by",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	return firstOrNil[models.SystemSetting](s.db.WithContext(ctx).Where("key = ?", key))
}

func (s *Store) ListSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SystemSetting{})
	if params.Prefix != nil && strings.TrimSpace(*params.Prefix) != "" {
		query = query.Where("key LIKE ?", strings.TrimSpace(*params.Prefix)+"%")
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "key")
	limit := normalizeLimit(params.Limit, 500)
	offset := normalizeOffset(params.Offset)
	var items []models.SystemSetting
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SystemSetting{})
	if params.Prefix != nil && strings.TrimSpace(*params.Prefix) != "" {
		query = query.Where("key LIKE ?", strings.TrimSpace(*params.Prefix)+"%")
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// --- helpers -----------------------------------------------------------------

func firstOrNil[T any](query *gorm.DB) (*T, error) {
	var item T
	err := query.First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func createInBatches[T any](db *gorm.DB, items []T, batchSize int) error {
	if len(items) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return db.CreateInBatches(&items, batchSize).Error
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
