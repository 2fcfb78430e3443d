// Package aggregation combines individual forecast vectors into the community
// aggregate and builds the aggregate history of a question from its forecast
// intervals.
package aggregation

import (
	"fmt"
	"math"
	"sort"
	"time"
)

type Method string

const (
	MethodUnweighted      Method = "unweighted"
	MethodRecencyWeighted Method = "recency_weighted"
)

func ParseMethod(raw string) (Method, error) {
	switch Method(raw) {
	case MethodUnweighted, MethodRecencyWeighted:
		return Method(raw), nil
	}
	return "", fmt.Errorf("unknown aggregation method %q", raw)
}

// Shape describes how a forecast vector is read.
type Shape int

const (
	// ShapeBinary vectors are [1-p, p].
	ShapeBinary Shape = iota
	// ShapeCategorical vectors are per-option probabilities, possibly with nils.
	ShapeCategorical
	// ShapeContinuous vectors are CDF samples on an evenly spaced grid.
	ShapeContinuous
)

const HistogramBins = 100

// Input is one active forecast at the aggregation instant.
type Input struct {
	Values    []*float64
	StartTime time.Time
}

type Result struct {
	Values          []*float64
	Centers         []*float64
	Means           []*float64
	LowerQuartiles  []*float64
	UpperQuartiles  []*float64
	Histogram       []float64
	ForecasterCount int
}

// Weights returns one weight per input for the given method at time at.
// Recency weights halve every halfLife of forecast age; a non-positive
// halfLife degrades to equal weights.
func Weights(method Method, at time.Time, inputs []Input, halfLife time.Duration) []float64 {
	out := make([]float64, len(inputs))
	for i, in := range inputs {
		out[i] = 1
		if method != MethodRecencyWeighted || halfLife <= 0 {
			continue
		}
		age := at.Sub(in.StartTime)
		if age < 0 {
			age = 0
		}
		out[i] = math.Pow(0.5, float64(age)/float64(halfLife))
	}
	return out
}

// Aggregate combines inputs with the given weights. All input vectors must
// have the same length.
func Aggregate(shape Shape, inputs []Input, weights []float64) (Result, error) {
	if len(inputs) == 0 {
		return Result{}, fmt.Errorf("aggregate: no inputs")
	}
	if len(weights) != len(inputs) {
		return Result{}, fmt.Errorf("aggregate: %d weights for %d inputs", len(weights), len(inputs))
	}
	n := len(inputs[0].Values)
	for i, in := range inputs {
		if len(in.Values) != n {
			return Result{}, fmt.Errorf("aggregate: input %d has %d values, expected %d", i, len(in.Values), n)
		}
	}

	res := Result{
		Means:           make([]*float64, n),
		ForecasterCount: len(inputs),
	}
	medians := make([]*float64, n)
	lower := make([]*float64, n)
	upper := make([]*float64, n)
	for j := 0; j < n; j++ {
		var samples []weighted
		for i, in := range inputs {
			if in.Values[j] == nil || weights[i] <= 0 {
				continue
			}
			samples = append(samples, weighted{v: *in.Values[j], w: weights[i]})
		}
		if len(samples) == 0 {
			continue
		}
		res.Means[j] = ptr(weightedMean(samples))
		medians[j] = ptr(weightedPercentile(samples, 0.5))
		lower[j] = ptr(weightedPercentile(samples, 0.25))
		upper[j] = ptr(weightedPercentile(samples, 0.75))
	}

	switch shape {
	case ShapeContinuous:
		res.Values = copyVec(res.Means)
		res.LowerQuartiles = []*float64{cdfCrossing(res.Values, 0.25)}
		res.Centers = []*float64{cdfCrossing(res.Values, 0.5)}
		res.UpperQuartiles = []*float64{cdfCrossing(res.Values, 0.75)}
	default:
		res.Values = normalize(res.Means)
		res.Centers = medians
		res.LowerQuartiles = lower
		res.UpperQuartiles = upper
	}
	if shape == ShapeBinary && n == 2 {
		res.Histogram = histogram(inputs, weights)
	}
	return res, nil
}

type weighted struct {
	v float64
	w float64
}

func weightedMean(samples []weighted) float64 {
	var num, den float64
	for _, s := range samples {
		num += s.v * s.w
		den += s.w
	}
	return num / den
}

// weightedPercentile uses midpoint cumulative weights with linear interpolation
// between neighbouring samples.
func weightedPercentile(samples []weighted, p float64) float64 {
	sorted := make([]weighted, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].v < sorted[j].v })

	var total float64
	for _, s := range sorted {
		total += s.w
	}
	positions := make([]float64, len(sorted))
	var cum float64
	for i, s := range sorted {
		positions[i] = (cum + s.w/2) / total
		cum += s.w
	}
	if p <= positions[0] {
		return sorted[0].v
	}
	last := len(sorted) - 1
	if p >= positions[last] {
		return sorted[last].v
	}
	for i := 1; i <= last; i++ {
		if p > positions[i] {
			continue
		}
		span := positions[i] - positions[i-1]
		if span <= 0 {
			return sorted[i].v
		}
		frac := (p - positions[i-1]) / span
		return sorted[i-1].v + frac*(sorted[i].v-sorted[i-1].v)
	}
	return sorted[last].v
}

// normalize rescales the non-nil entries to sum to one.
func normalize(vec []*float64) []*float64 {
	var total float64
	for _, v := range vec {
		if v != nil {
			total += *v
		}
	}
	out := make([]*float64, len(vec))
	for i, v := range vec {
		if v == nil {
			continue
		}
		if total <= 0 {
			out[i] = ptr(*v)
			continue
		}
		out[i] = ptr(*v / total)
	}
	return out
}

// cdfCrossing returns the location in [0,1] at which the CDF first reaches q,
// interpolating between grid points.
func cdfCrossing(cdf []*float64, q float64) *float64 {
	if len(cdf) < 2 {
		return nil
	}
	step := 1 / float64(len(cdf)-1)
	var prevX, prevY float64
	havePrev := false
	for i, v := range cdf {
		if v == nil {
			continue
		}
		x := float64(i) * step
		if *v >= q {
			if !havePrev || *v == prevY {
				return ptr(x)
			}
			return ptr(prevX + (q-prevY)/(*v-prevY)*(x-prevX))
		}
		prevX, prevY, havePrev = x, *v, true
	}
	return ptr(1)
}

func histogram(inputs []Input, weights []float64) []float64 {
	out := make([]float64, HistogramBins)
	for i, in := range inputs {
		if in.Values[1] == nil {
			continue
		}
		bin := int(*in.Values[1] * HistogramBins)
		if bin >= HistogramBins {
			bin = HistogramBins - 1
		}
		if bin < 0 {
			bin = 0
		}
		out[bin] += weights[i]
	}
	return out
}

func ptr(v float64) *float64 { return &v }

func copyVec(vec []*float64) []*float64 {
	out := make([]*float64, len(vec))
	for i, v := range vec {
		if v != nil {
			out[i] = ptr(*v)
		}
	}
	return out
}
