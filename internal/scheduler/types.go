// Package scheduler runs snapshot policies: periodic snapshots, promotion
// of the newest checkpoint and pruning of old snapshots.
package scheduler

import (
	"time"
)

// Action is what a policy does when it fires
type Action string

const (
	// ActionSnapshot creates a new snapshot (mkcp -s)
	ActionSnapshot Action = "snapshot"
	// ActionPromote marks the newest plain checkpoint as a snapshot
	ActionPromote Action = "promote"
	// ActionPrune demotes snapshots beyond the retention limits
	ActionPrune Action = "prune"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	switch a {
	case ActionSnapshot, ActionPromote, ActionPrune:
		return true
	}
	return false
}

// Run statuses
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Schedule is the persisted state of one policy
type Schedule struct {
	ID           string        `json:"id" yaml:"id"`
	Device       string        `json:"device" yaml:"device"`
	Action       Action        `json:"action" yaml:"action"`
	Expression   string        `json:"expression" yaml:"expression"`
	Keep         int           `json:"keep,omitempty" yaml:"keep,omitempty"`
	MaxAge       time.Duration `json:"maxAge,omitempty" yaml:"maxAge,omitempty"`
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	NextRun      time.Time     `json:"nextRun" yaml:"nextRun"`
	LastRun      *time.Time    `json:"lastRun,omitempty" yaml:"lastRun,omitempty"`
	LastStatus   string        `json:"lastStatus,omitempty" yaml:"lastStatus,omitempty"`
	LastDuration int64         `json:"lastDuration,omitempty" yaml:"lastDuration,omitempty"` // milliseconds
	LastError    string        `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	CreatedAt    time.Time     `json:"createdAt" yaml:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt" yaml:"updatedAt"`
}

// IsDue reports whether the schedule should run at now
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Enabled && !now.Before(s.NextRun)
}

// MarkRun records the outcome of a run finished at now and moves NextRun on
func (s *Schedule) MarkRun(now time.Time, duration time.Duration, runErr error) error {
	s.LastRun = &now
	s.LastDuration = duration.Milliseconds()
	s.UpdatedAt = now
	if runErr == nil {
		s.LastStatus = StatusSuccess
		s.LastError = ""
	} else {
		s.LastStatus = StatusFailed
		s.LastError = runErr.Error()
	}

	next, err := NextRunTime(s.Expression, now)
	if err != nil {
		return err
	}
	s.NextRun = next
	return nil
}

// ScheduleRun is one execution of a schedule
type ScheduleRun struct {
	ID         string     `json:"id" yaml:"id"`
	ScheduleID string     `json:"scheduleId" yaml:"scheduleId"`
	StartedAt  time.Time  `json:"startedAt" yaml:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty" yaml:"endedAt,omitempty"`
	Status     string     `json:"status" yaml:"status"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
	Duration   int64      `json:"duration,omitempty" yaml:"duration,omitempty"` // milliseconds
}
