package checkpoint

import (
	"iter"
	"slices"
)

// Timeline is the reduced checkpoint list of one volume. It is owned by a
// single session; concurrent mutation is not supported.
type Timeline struct {
	entries []Record
}

// MergeStats describes what a Merge or Reconcile changed.
type MergeStats struct {
	Appended int `json:"appended"`
	Replaced int `json:"replaced"` // tail entry superseded by a same-instant record
	Removed  int `json:"removed"`
	Promoted int `json:"promoted"`
	Demoted  int `json:"demoted"`
}

// Changed reports whether anything was modified.
func (s MergeStats) Changed() bool {
	return s != MergeStats{}
}

// NewTimeline builds a timeline from a raw listing.
func NewTimeline(raw []Record) (*Timeline, error) {
	t := &Timeline{}
	if err := t.Reset(raw); err != nil {
		return nil, err
	}
	return t, nil
}

// Reset replaces the cached entries with Reduce(raw).
func (t *Timeline) Reset(raw []Record) error {
	if err := Validate(raw); err != nil {
		return err
	}
	t.entries = Reduce(raw)
	return nil
}

// Len returns the number of cached entries.
func (t *Timeline) Len() int { return len(t.entries) }

// Empty reports whether nothing is cached.
func (t *Timeline) Empty() bool { return len(t.entries) == 0 }

// First returns the oldest cached entry.
func (t *Timeline) First() (Record, bool) {
	if len(t.entries) == 0 {
		return Record{}, false
	}
	return t.entries[0], true
}

// Last returns the newest cached entry.
func (t *Timeline) Last() (Record, bool) {
	if len(t.entries) == 0 {
		return Record{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Records returns a copy of the cached entries, oldest first.
func (t *Timeline) Records() []Record {
	return slices.Clone(t.entries)
}

// Find returns the cached entry with the given number.
func (t *Timeline) Find(number uint64) (Record, bool) {
	i, ok := t.index(number)
	if !ok {
		return Record{}, false
	}
	return t.entries[i], true
}

// All yields cached entries oldest first. The sequence reads the live
// slice, so it must not be held across a mutation.
func (t *Timeline) All() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, rec := range t.entries {
			if !yield(rec) {
				return
			}
		}
	}
}

// Backward yields cached entries newest first.
func (t *Timeline) Backward() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for i := len(t.entries) - 1; i >= 0; i-- {
			if !yield(t.entries[i]) {
				return
			}
		}
	}
}

// SetSnapshot updates the snapshot flag of a cached entry in place.
func (t *Timeline) SetSnapshot(number uint64, snapshot bool) bool {
	i, ok := t.index(number)
	if !ok {
		return false
	}
	t.entries[i].Snapshot = snapshot
	return true
}

func (t *Timeline) index(number uint64) (int, bool) {
	return slices.BinarySearchFunc(t.entries, number, func(r Record, n uint64) int {
		switch {
		case r.Number < n:
			return -1
		case r.Number > n:
			return 1
		}
		return 0
	})
}

// Merge extends the timeline with records listed from the last cached
// checkpoint onwards. Records at or below the last cached number are ignored.
func (t *Timeline) Merge(fresh []Record) (MergeStats, error) {
	if err := Validate(fresh); err != nil {
		return MergeStats{}, err
	}
	return t.join(fresh), nil
}

func (t *Timeline) join(fresh []Record) MergeStats {
	var stats MergeStats

	if len(t.entries) == 0 {
		t.entries = Reduce(fresh)
		stats.Appended = len(t.entries)
		return stats
	}

	last := t.entries[len(t.entries)-1]
	start := 0
	for start < len(fresh) && fresh[start].Number <= last.Number {
		start++
	}

	reduced := Reduce(fresh[start:])
	if len(reduced) == 0 {
		return stats
	}

	if reduced[0].SameInstant(last) {
		if reduced[0].Snapshot || !last.Snapshot {
			t.entries = t.entries[:len(t.entries)-1]
			stats.Replaced++
			stats.Appended--
		} else {
			reduced = reduced[1:]
		}
	}

	t.entries = append(t.entries, reduced...)
	stats.Appended += len(reduced)
	return stats
}

// Reconcile re-validates the cache against a listing that starts at the
// first cached checkpoint. Cached entries missing from the listing are
// removed, snapshot flags are taken from the listing, and whatever lies past
// the cache is merged as new data.
func (t *Timeline) Reconcile(fresh []Record) (MergeStats, error) {
	if err := Validate(fresh); err != nil {
		return MergeStats{}, err
	}

	var stats MergeStats
	cursor := 0
	kept := t.entries[:0]
	for _, cached := range t.entries {
		skipFrom := cursor
		for cursor < len(fresh) && fresh[cursor].Number < cached.Number {
			cursor++
		}
		if cursor == len(fresh) || fresh[cursor].Number > cached.Number {
			// Deleted. Leave the skipped records for the tail merge so a
			// surviving peer of the last group is not lost with it.
			stats.Removed++
			cursor = skipFrom
			continue
		}

		switch current := fresh[cursor].Snapshot; {
		case current && !cached.Snapshot:
			stats.Promoted++
		case !current && cached.Snapshot:
			stats.Demoted++
		}
		cached.Snapshot = fresh[cursor].Snapshot
		kept = append(kept, cached)
		cursor++
	}
	clear(t.entries[len(kept):])
	t.entries = kept

	joined := t.join(fresh[cursor:])
	stats.Appended = joined.Appended
	stats.Replaced = joined.Replaced
	return stats, nil
}
