// Package checkpoint models the checkpoint timeline of a NILFS2 volume:
// parsing lscp output, collapsing co-instantaneous checkpoints, and
// incrementally merging fresh listings into a cached timeline.
package checkpoint

import (
	"fmt"
	"time"

	tberrors "timebrowse/internal/errors"
)

// Record is one valid checkpoint of a volume.
type Record struct {
	Number   uint64    `json:"cno" yaml:"cno"`
	Time     time.Time `json:"time" yaml:"time"`
	Snapshot bool      `json:"snapshot" yaml:"snapshot"`
}

// Mode returns the lscp mode column for the record.
func (r Record) Mode() string {
	if r.Snapshot {
		return ModeSnapshot
	}
	return ModeCheckpoint
}

// SameInstant reports whether r and o belong to the same timestamp group.
func (r Record) SameInstant(o Record) bool {
	return r.Time.Equal(o.Time)
}

func (r Record) String() string {
	return fmt.Sprintf("%d %s %s", r.Number, r.Time.Format(TimeLayout), r.Mode())
}

// Validate checks that checkpoint numbers are strictly increasing, which is
// the ordering every lscp listing promises.
func Validate(records []Record) error {
	for i := 1; i < len(records); i++ {
		if records[i].Number <= records[i-1].Number {
			return tberrors.New(
				tberrors.InvariantViolation,
				"checkpoint numbers are not increasing",
				nil,
			).WithDetails(map[string]interface{}{
				"index":    i,
				"previous": records[i-1].Number,
				"current":  records[i].Number,
			})
		}
	}
	return nil
}
