package checkpoint

// Reduce collapses runs of checkpoints sharing a timestamp into one entry.
//
// Within a run the last snapshot wins; a run without snapshots keeps its
// last record. The input is not modified.
func Reduce(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}

	out := make([]Record, 0, len(records))
	best := records[0]
	for _, rec := range records[1:] {
		if !rec.SameInstant(best) {
			out = append(out, best)
			best = rec
			continue
		}
		if rec.Snapshot || !best.Snapshot {
			best = rec
		}
	}
	return append(out, best)
}
