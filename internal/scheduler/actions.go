package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"timebrowse/internal/checkpoint"
	"timebrowse/internal/nilfs"
)

// SessionFactory opens a session for a device
type SessionFactory func(device string) *nilfs.Session

// VolumeExecutor runs policy actions against NILFS2 volumes, keeping one
// session per device for the lifetime of the daemon.
type VolumeExecutor struct {
	open   SessionFactory
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*nilfs.Session
}

// NewVolumeExecutor creates an executor that opens sessions with open
func NewVolumeExecutor(open SessionFactory, logger *slog.Logger) *VolumeExecutor {
	return &VolumeExecutor{
		open:     open,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*nilfs.Session),
	}
}

func (e *VolumeExecutor) session(device string) *nilfs.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[device]
	if !ok {
		s = e.open(device)
		e.sessions[device] = s
	}
	return s
}

// Execute implements Executor
func (e *VolumeExecutor) Execute(ctx context.Context, sc *Schedule) error {
	s := e.session(sc.Device)
	switch sc.Action {
	case ActionSnapshot:
		return s.MakeCheckpoint(ctx, true)
	case ActionPromote:
		return e.promote(ctx, s)
	case ActionPrune:
		return e.prune(ctx, s, sc)
	default:
		return fmt.Errorf("unknown action %q", sc.Action)
	}
}

func (e *VolumeExecutor) promote(ctx context.Context, s *nilfs.Session) error {
	if _, err := s.Checkpoints(ctx, false); err != nil {
		return err
	}
	rec, err := s.LatestCheckpoint()
	if err != nil {
		return err
	}
	return s.ChangeCheckpoint(ctx, rec.Number, true)
}

func (e *VolumeExecutor) prune(ctx context.Context, s *nilfs.Session, sc *Schedule) error {
	// snapshots may have been changed by hand since the last run
	records, err := s.Checkpoints(ctx, true)
	if err != nil {
		return err
	}

	// one stuck snapshot must not shield the rest from pruning
	var errs []error
	demoted := 0
	for _, n := range SelectPrune(records, sc.Keep, sc.MaxAge, e.now()) {
		if err := s.ChangeCheckpoint(ctx, n, false); err != nil {
			errs = append(errs, fmt.Errorf("demote checkpoint %d: %w", n, err))
			continue
		}
		demoted++
	}
	if demoted > 0 || len(errs) > 0 {
		e.logger.Info("Pruned snapshots", "device", sc.Device, "demoted", demoted, "failed", len(errs))
	}
	return errors.Join(errs...)
}

// SelectPrune returns the numbers of the snapshots to demote: all but the
// keep newest (keep > 0), plus any older than maxAge (maxAge > 0). Plain
// checkpoints are never selected. The result is ascending.
func SelectPrune(records []checkpoint.Record, keep int, maxAge time.Duration, now time.Time) []uint64 {
	var snapshots []checkpoint.Record
	for _, r := range records {
		if r.Snapshot {
			snapshots = append(snapshots, r)
		}
	}

	cutoff := len(snapshots)
	if keep > 0 && keep < len(snapshots) {
		cutoff = len(snapshots) - keep
	} else if keep > 0 {
		cutoff = 0
	}

	var out []uint64
	for i, r := range snapshots {
		tooMany := keep > 0 && i < cutoff
		tooOld := maxAge > 0 && now.Sub(r.Time) > maxAge
		if tooMany || tooOld {
			out = append(out, r.Number)
		}
	}
	return out
}
