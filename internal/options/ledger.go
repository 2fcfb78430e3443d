// Package options holds the pure bookkeeping behind multiple-choice option
// changes: the options-history ledger, the all-options-ever index and the
// probability vector remaps applied when options are renamed, reordered, added
// or deleted.
//
// Probability vectors are always ordered by the all-options-ever superset.
// Labels are never removed from the superset, so a remap is an index lookup.
package options

import (
	"time"

	"metaculus/internal/models"
)

// AllOptionsEver returns the superset of labels ever present in history.
// Ordering is fixed by entry zero; labels first seen later are inserted before
// the catch-all, which always stays last.
func AllOptionsEver(history []models.OptionsHistoryEntry) []string {
	if len(history) == 0 {
		return nil
	}
	first := history[0].Options
	all := make([]string, len(first))
	copy(all, first)
	seen := make(map[string]struct{}, len(all))
	for _, label := range all {
		seen[label] = struct{}{}
	}
	for _, entry := range history[1:] {
		var added []string
		for _, label := range entry.Options {
			if _, ok := seen[label]; ok {
				continue
			}
			seen[label] = struct{}{}
			added = append(added, label)
		}
		if len(added) > 0 {
			all = InsertBeforeCatchAll(all, added)
		}
	}
	return all
}

// InsertBeforeCatchAll returns a copy of labels with added placed just before
// the last (catch-all) label.
func InsertBeforeCatchAll(labels []string, added []string) []string {
	if len(labels) == 0 {
		out := make([]string, len(added))
		copy(out, added)
		return out
	}
	out := make([]string, 0, len(labels)+len(added))
	out = append(out, labels[:len(labels)-1]...)
	out = append(out, added...)
	out = append(out, labels[len(labels)-1])
	return out
}

// Index is an immutable label -> position table over a superset ordering.
type Index struct {
	labels []string
	pos    map[string]int
}

func NewIndex(labels []string) Index {
	idx := Index{
		labels: make([]string, len(labels)),
		pos:    make(map[string]int, len(labels)),
	}
	copy(idx.labels, labels)
	for i, label := range labels {
		idx.pos[label] = i
	}
	return idx
}

// IndexFromHistory builds the index of AllOptionsEver(history).
func IndexFromHistory(history []models.OptionsHistoryEntry) Index {
	return NewIndex(AllOptionsEver(history))
}

func (x Index) Len() int { return len(x.labels) }

func (x Index) Position(label string) (int, bool) {
	i, ok := x.pos[label]
	return i, ok
}

func (x Index) Contains(label string) bool {
	_, ok := x.pos[label]
	return ok
}

// Labels returns a copy of the ordered labels.
func (x Index) Labels() []string {
	out := make([]string, len(x.labels))
	copy(out, x.labels)
	return out
}

// CatchAll is the position of the catch-all label.
func (x Index) CatchAll() int {
	return len(x.labels) - 1
}

// LastTimestamp returns the effective time of the newest ledger entry.
func LastTimestamp(history []models.OptionsHistoryEntry) (time.Time, bool) {
	if len(history) == 0 {
		return time.Time{}, false
	}
	return history[len(history)-1].Timestamp, true
}

// RenameInHistory returns a copy of history with old replaced by new in every entry.
func RenameInHistory(history []models.OptionsHistoryEntry, oldLabel, newLabel string) []models.OptionsHistoryEntry {
	out := make([]models.OptionsHistoryEntry, len(history))
	for i, entry := range history {
		out[i] = models.OptionsHistoryEntry{
			Timestamp: entry.Timestamp,
			Options:   RenameLabel(entry.Options, oldLabel, newLabel),
		}
	}
	return out
}

func RenameLabel(labels []string, oldLabel, newLabel string) []string {
	out := make([]string, len(labels))
	for i, label := range labels {
		if label == oldLabel {
			label = newLabel
		}
		out[i] = label
	}
	return out
}
