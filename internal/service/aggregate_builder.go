package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"metaculus/internal/aggregation"
	"metaculus/internal/config"
	"metaculus/internal/lease"
	"metaculus/internal/metrics"
	"metaculus/internal/models"
	"metaculus/internal/repository"
)

// ErrLeaseHeld means another worker is rebuilding the question right now.
var ErrLeaseHeld = errors.New("aggregate rebuild already running for question")

type AggregationBuilder struct {
	Repo     repository.Repository
	Locker   lease.Locker
	Logger   *zap.Logger
	Config   config.AggregationConfig
	LeaseTTL time.Duration
}

type RebuildResult struct {
	Method  string `json:"method"`
	Points  int    `json:"points"`
	Updated int    `json:"updated"`
	Created int    `json:"created"`
	Deleted int    `json:"deleted"`
}

func (b *AggregationBuilder) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

// Methods returns the configured methods plus the question's default.
func (b *AggregationBuilder) Methods(q *models.Question) ([]aggregation.Method, error) {
	var out []aggregation.Method
	seen := map[aggregation.Method]struct{}{}
	add := func(raw string) error {
		m, err := aggregation.ParseMethod(raw)
		if err != nil {
			return err
		}
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			out = append(out, m)
		}
		return nil
	}
	for _, raw := range b.Config.Methods {
		if err := add(raw); err != nil {
			return nil, err
		}
	}
	if q != nil && q.DefaultAggregationMethod != "" {
		if err := add(q.DefaultAggregationMethod); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RebuildAll rebuilds every method of the question while holding the
// question's lease, renewing it between methods.
func (b *AggregationBuilder) RebuildAll(ctx context.Context, questionID uint64) ([]RebuildResult, error) {
	q, err := b.Repo.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, notFound("question %d not found", questionID)
	}
	methods, err := b.Methods(q)
	if err != nil {
		return nil, err
	}

	var held *lease.Held
	if b.Locker != nil {
		ttl := b.LeaseTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		held, err = lease.Try(ctx, b.Locker, fmt.Sprintf("aggregates:question:%d", questionID), ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire lease: %w", err)
		}
		if held == nil {
			metrics.LeaseContentionTotal.Inc()
			return nil, ErrLeaseHeld
		}
		defer func() {
			if rerr := held.Release(context.WithoutCancel(ctx)); rerr != nil && !errors.Is(rerr, lease.ErrNotHeld) {
				b.logger().Warn("release lease failed", zap.Uint64("question_id", questionID), zap.Error(rerr))
			}
		}()
	}

	results := make([]RebuildResult, 0, len(methods))
	for i, m := range methods {
		if i > 0 && held != nil {
			if err := held.Renew(ctx); err != nil {
				return results, fmt.Errorf("renew lease: %w", err)
			}
		}
		res, err := b.Rebuild(ctx, questionID, m)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Rebuild recomputes one method's history and reconciles it positionally with
// the stored rows: the first min(old, new) rows are overwritten in place, the
// rest is deleted or inserted. Rebuilding an unchanged timeline rewrites the
// same values into the same rows.
func (b *AggregationBuilder) Rebuild(ctx context.Context, questionID uint64, method aggregation.Method) (RebuildResult, error) {
	start := time.Now()
	res := RebuildResult{Method: string(method)}
	err := b.Repo.InTx(ctx, func(repo repository.Repository) error {
		q, err := repo.GetQuestionForUpdate(ctx, questionID)
		if err != nil {
			return err
		}
		if q == nil {
			return notFound("question %d not found", questionID)
		}
		forecasts, err := repo.ListForecasts(ctx, repository.ListForecastsParams{
			QuestionID:  questionID,
			ExcludeBots: !q.IncludeBotsInAggregates,
		})
		if err != nil {
			return err
		}
		points, err := aggregation.BuildHistory(q, forecasts, method, b.Config.RecencyHalfLife)
		if err != nil {
			return violation("question %d: %v", questionID, err)
		}
		res.Points = len(points)

		existing, err := repo.ListAggregateForecasts(ctx, questionID, string(method))
		if err != nil {
			return err
		}
		n := len(points)
		if len(existing) < n {
			n = len(existing)
		}
		for i := 0; i < n; i++ {
			points[i].ID = existing[i].ID
			if err := repo.UpdateAggregateForecast(ctx, &points[i]); err != nil {
				return err
			}
		}
		res.Updated = n
		if len(existing) > n {
			ids := make([]uint64, 0, len(existing)-n)
			for _, a := range existing[n:] {
				ids = append(ids, a.ID)
			}
			if _, err := repo.DeleteAggregateForecasts(ctx, ids); err != nil {
				return err
			}
			res.Deleted = len(ids)
		}
		if len(points) > n {
			if err := repo.CreateAggregateForecasts(ctx, points[n:]); err != nil {
				return err
			}
			res.Created = len(points) - n
		}
		return nil
	})
	if err != nil {
		return RebuildResult{}, err
	}
	took := time.Since(start)
	metrics.RecordAggregateRebuild(string(method), took, res.Updated, res.Created, res.Deleted)
	b.logger().Debug("aggregates rebuilt",
		zap.Uint64("question_id", questionID),
		zap.String("method", string(method)),
		zap.Int("points", res.Points),
		zap.Int("updated", res.Updated),
		zap.Int("created", res.Created),
		zap.Int("deleted", res.Deleted),
		zap.Duration("took", took),
	)
	return res, nil
}

func (b *AggregationBuilder) History(ctx context.Context, questionID uint64, method string) ([]models.AggregateForecast, error) {
	q, err := b.Repo.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, notFound("question %d not found", questionID)
	}
	if method == "" {
		method = q.DefaultAggregationMethod
	}
	if _, err := aggregation.ParseMethod(method); err != nil {
		return nil, invalid("method", "%v", err)
	}
	return b.Repo.ListAggregateForecasts(ctx, questionID, method)
}
