package aggregation

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"metaculus/internal/models"
)

// Stored values are rounded to this many decimals so rebuilding an unchanged
// timeline writes identical rows.
const storePrecision = 10

func ShapeOf(q *models.Question) Shape {
	switch {
	case q.Type == models.QuestionTypeBinary:
		return ShapeBinary
	case q.Type.IsContinuous():
		return ShapeContinuous
	default:
		return ShapeCategorical
	}
}

// VectorOf extracts the forecast vector in the question's shape.
func VectorOf(q *models.Question, f *models.Forecast) ([]*float64, error) {
	switch ShapeOf(q) {
	case ShapeBinary:
		if f.ProbabilityYes == nil {
			return nil, fmt.Errorf("forecast %d has no probability_yes", f.ID)
		}
		p := *f.ProbabilityYes
		return []*float64{ptr(1 - p), ptr(p)}, nil
	case ShapeContinuous:
		if len(f.ContinuousCDF) == 0 {
			return nil, fmt.Errorf("forecast %d has no continuous_cdf", f.ID)
		}
		out := make([]*float64, len(f.ContinuousCDF))
		for i, v := range f.ContinuousCDF {
			out[i] = ptr(v)
		}
		return out, nil
	default:
		if len(f.ProbabilityYesPerCategory) == 0 {
			return nil, fmt.Errorf("forecast %d has no probability_yes_per_category", f.ID)
		}
		return copyVec(f.ProbabilityYesPerCategory), nil
	}
}

// BuildHistory computes the aggregate history of q from its forecast intervals.
// One point is produced for every instant at which the set of active intervals
// changes, covering [change, next change). Instants with no active forecaster
// produce no point. When q has closed, intervals are cut at the close time.
func BuildHistory(q *models.Question, forecasts []models.Forecast, method Method, halfLife time.Duration) ([]models.AggregateForecast, error) {
	if q == nil {
		return nil, fmt.Errorf("build history: nil question")
	}
	closeAt := q.ActualCloseTime

	items := make([]models.Forecast, 0, len(forecasts))
	for _, f := range forecasts {
		if closeAt != nil && !f.StartTime.Before(*closeAt) {
			continue
		}
		if f.EndTime != nil && !f.EndTime.After(f.StartTime) {
			continue
		}
		items = append(items, f)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].StartTime.Equal(items[j].StartTime) {
			return items[i].ID < items[j].ID
		}
		return items[i].StartTime.Before(items[j].StartTime)
	})

	vectors := make(map[uint64][]*float64, len(items))
	for i := range items {
		vec, err := VectorOf(q, &items[i])
		if err != nil {
			return nil, err
		}
		vectors[items[i].ID] = vec
	}

	times := changeTimes(items, closeAt)
	shape := ShapeOf(q)
	var out []models.AggregateForecast
	for i, t := range times {
		if closeAt != nil && !t.Before(*closeAt) {
			break
		}
		active := activeAt(items, t)
		if len(active) == 0 {
			continue
		}
		inputs := make([]Input, len(active))
		for k, f := range active {
			inputs[k] = Input{Values: vectors[f.ID], StartTime: f.StartTime}
		}
		res, err := Aggregate(shape, inputs, Weights(method, t, inputs, halfLife))
		if err != nil {
			return nil, fmt.Errorf("aggregate at %s: %w", t.Format(time.RFC3339), err)
		}

		var end *time.Time
		if i+1 < len(times) {
			next := times[i+1]
			end = &next
		} else if closeAt != nil {
			c := *closeAt
			end = &c
		}
		out = append(out, models.AggregateForecast{
			QuestionID:      q.ID,
			Method:          string(method),
			StartTime:       t,
			EndTime:         end,
			ForecastValues:  quantize(res.Values),
			Centers:         quantize(res.Centers),
			Means:           quantize(res.Means),
			LowerQuartiles:  quantize(res.LowerQuartiles),
			UpperQuartiles:  quantize(res.UpperQuartiles),
			Histogram:       quantizeDense(res.Histogram),
			ForecasterCount: res.ForecasterCount,
		})
	}
	return out, nil
}

func changeTimes(items []models.Forecast, closeAt *time.Time) []time.Time {
	seen := make(map[int64]struct{}, len(items)*2)
	var times []time.Time
	add := func(t time.Time) {
		key := t.UnixNano()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		times = append(times, t)
	}
	for _, f := range items {
		add(f.StartTime)
		if f.EndTime != nil {
			if closeAt != nil && f.EndTime.After(*closeAt) {
				continue
			}
			add(*f.EndTime)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times
}

// activeAt returns the intervals covering t, keeping only the latest-starting
// one per forecaster so a corrupted overlap cannot double count.
func activeAt(items []models.Forecast, t time.Time) []models.Forecast {
	latest := make(map[uint64]int)
	for i := range items {
		if !items[i].ActiveAt(t) {
			continue
		}
		if j, ok := latest[items[i].AuthorID]; !ok || !items[j].StartTime.After(items[i].StartTime) {
			latest[items[i].AuthorID] = i
		}
	}
	idx := make([]int, 0, len(latest))
	for _, i := range latest {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]models.Forecast, len(idx))
	for k, i := range idx {
		out[k] = items[i]
	}
	return out
}

func quantize(vec []*float64) []*float64 {
	if vec == nil {
		return nil
	}
	out := make([]*float64, len(vec))
	for i, v := range vec {
		if v == nil {
			continue
		}
		r, _ := decimal.NewFromFloat(*v).Round(storePrecision).Float64()
		out[i] = &r
	}
	return out
}

func quantizeDense(vec []float64) []float64 {
	if vec == nil {
		return nil
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i], _ = decimal.NewFromFloat(v).Round(storePrecision).Float64()
	}
	return out
}
