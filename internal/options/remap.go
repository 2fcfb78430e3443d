package options

import "fmt"

// Permute reorders vec (ordered by from) into the order of to. Both orderings
// must be permutations of the same label set.
func Permute(vec []*float64, from, to []string) ([]*float64, error) {
	if len(vec) != len(from) || len(from) != len(to) {
		return nil, fmt.Errorf("permute: vector has %d entries, orderings have %d and %d", len(vec), len(from), len(to))
	}
	src := NewIndex(from)
	out := make([]*float64, len(to))
	for i, label := range to {
		j, ok := src.Position(label)
		if !ok {
			return nil, fmt.Errorf("permute: label %q missing from source ordering", label)
		}
		out[i] = copyPtr(vec[j])
	}
	return out, nil
}

// Expand maps vec from the from superset onto the larger to superset, leaving
// nil at positions of labels absent from from.
func Expand(vec []*float64, from, to Index) ([]*float64, error) {
	if len(vec) != from.Len() {
		return nil, fmt.Errorf("expand: vector has %d entries, expected %d", len(vec), from.Len())
	}
	out := make([]*float64, to.Len())
	for i, label := range to.labels {
		if j, ok := from.Position(label); ok {
			out[i] = copyPtr(vec[j])
		}
	}
	return out, nil
}

// MergeIntoCatchAll moves the mass at the deleted positions into catchAll and
// nils the deleted positions. A nil contribution adds nothing and a nil
// catch-all only becomes non-nil when real mass is merged in.
func MergeIntoCatchAll(vec []*float64, deleted []int, catchAll int) ([]*float64, error) {
	if catchAll < 0 || catchAll >= len(vec) {
		return nil, fmt.Errorf("merge: catch-all position %d out of range for %d entries", catchAll, len(vec))
	}
	out := make([]*float64, len(vec))
	for i, v := range vec {
		out[i] = copyPtr(v)
	}
	for _, i := range deleted {
		if i < 0 || i >= len(out) {
			return nil, fmt.Errorf("merge: position %d out of range for %d entries", i, len(out))
		}
		if i == catchAll {
			return nil, fmt.Errorf("merge: cannot delete the catch-all position")
		}
		if out[i] == nil {
			continue
		}
		mass := *out[i]
		if out[catchAll] == nil {
			out[catchAll] = &mass
		} else {
			sum := *out[catchAll] + mass
			out[catchAll] = &sum
		}
		out[i] = nil
	}
	return out, nil
}

// Sum adds the non-nil entries of vec.
func Sum(vec []*float64) float64 {
	var total float64
	for _, v := range vec {
		if v != nil {
			total += *v
		}
	}
	return total
}

func copyPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
