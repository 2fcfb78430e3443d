package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"metaculus/internal/aggregation"
	"metaculus/internal/models"
	"metaculus/internal/repository"
)

// QuestionService syncs questions from the owning subsystem. Options and the
// options ledger of an existing question belong to OptionsService and are
// never overwritten by a sync.
type QuestionService struct {
	Repo   repository.Repository
	Logger *zap.Logger
}

func (s *QuestionService) Get(ctx context.Context, id uint64) (*models.Question, error) {
	q, err := s.Repo.GetQuestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, notFound("question %d not found", id)
	}
	return q, nil
}

func (s *QuestionService) Upsert(ctx context.Context, item *models.Question) (*models.Question, error) {
	if item == nil || item.ID == 0 {
		return nil, invalid("id", "required")
	}
	if !item.Type.Valid() {
		return nil, invalid("type", "unknown question type %q", item.Type)
	}
	if strings.TrimSpace(item.DefaultAggregationMethod) == "" {
		item.DefaultAggregationMethod = string(aggregation.MethodRecencyWeighted)
	}
	if _, err := aggregation.ParseMethod(item.DefaultAggregationMethod); err != nil {
		return nil, invalid("default_aggregation_method", "%v", err)
	}
	if item.CDFSize <= 0 {
		item.CDFSize = models.DefaultCDFSize
	}

	err := s.Repo.InTx(ctx, func(repo repository.Repository) error {
		existing, err := repo.GetQuestionForUpdate(ctx, item.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Type != item.Type {
			return invalid("type", "cannot change question type from %s to %s", existing.Type, item.Type)
		}
		if item.Type == models.QuestionTypeMultipleChoice {
			if existing != nil {
				item.Options = existing.Options
				item.OptionsHistory = existing.OptionsHistory
			} else {
				if err := validateInitialOptions(item.Options); err != nil {
					return err
				}
				start := time.Now().UTC()
				if item.OpenTime != nil {
					start = *item.OpenTime
				}
				item.OptionsHistory = []models.OptionsHistoryEntry{{Timestamp: start, Options: append([]string(nil), item.Options...)}}
			}
		} else {
			item.Options = nil
			item.OptionsHistory = nil
		}
		return repo.UpsertQuestion(ctx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func validateInitialOptions(labels []string) error {
	if len(labels) < 2 {
		return invalid("options", "multiple choice questions need at least two options")
	}
	return validateLabels("options", labels)
}

func validateLabels(field string, labels []string) error {
	seen := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		if strings.TrimSpace(label) == "" {
			return invalid(field, "labels must not be empty")
		}
		if label != strings.TrimSpace(label) {
			return invalid(field, "label %q has surrounding whitespace", label)
		}
		if _, dup := seen[label]; dup {
			return invalid(field, "duplicate label %q", label)
		}
		seen[label] = struct{}{}
	}
	return nil
}

// ledgerOf returns the options ledger, treating a multiple-choice question
// without history as a single entry holding its current options.
func ledgerOf(q *models.Question) []models.OptionsHistoryEntry {
	if len(q.OptionsHistory) > 0 {
		return q.OptionsHistory
	}
	if len(q.Options) == 0 {
		return nil
	}
	var ts time.Time
	if q.OpenTime != nil {
		ts = *q.OpenTime
	}
	return []models.OptionsHistoryEntry{{Timestamp: ts, Options: append([]string(nil), q.Options...)}}
}
