package nilfs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"timebrowse/internal/checkpoint"
	tberrors "timebrowse/internal/errors"
)

// Session keeps the reduced checkpoint timeline of one volume up to date.
// A Session has a single owner; calls must not overlap.
type Session struct {
	volume   Volume
	parser   *checkpoint.Parser
	timeline *checkpoint.Timeline
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithJournal records mutating commands in j
func WithJournal(j Journal) SessionOption {
	return func(s *Session) { s.journal = j }
}

// WithParser replaces the default lenient parser
func WithParser(p *checkpoint.Parser) SessionOption {
	return func(s *Session) { s.parser = p }
}

// NewSession creates a session with an empty cache
func NewSession(volume Volume, logger *slog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		volume:   volume,
		timeline: &checkpoint.Timeline{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.parser == nil {
		s.parser = &checkpoint.Parser{}
	}
	if s.parser.OnSkip == nil {
		s.parser.OnSkip = func(err *tberrors.TimebrowseError) {
			s.logger.Warn("Skipping malformed lscp row",
				"device", volume.Device(),
				"details", err.Details,
				"error", err.Message,
			)
		}
	}
	return s
}

// Device returns the device this session tracks
func (s *Session) Device() string { return s.volume.Device() }

// Timeline exposes the cached timeline. The caller must not mutate it.
func (s *Session) Timeline() *checkpoint.Timeline { return s.timeline }

// Checkpoints brings the cache up to date and returns a copy of it.
//
// An empty cache triggers a full listing. With refresh the listing starts at
// the first cached checkpoint and the cache is reconciled against it, which
// picks up deletions and snapshot changes made behind the session's back.
// Otherwise only checkpoints past the last cached one are listed.
func (s *Session) Checkpoints(ctx context.Context, refresh bool) ([]checkpoint.Record, error) {
	var err error
	switch {
	case s.timeline.Empty():
		err = s.Rebuild(ctx)
	case refresh:
		err = s.reconcile(ctx)
	default:
		err = s.update(ctx)
	}
	if err != nil {
		return nil, err
	}
	return s.timeline.Records(), nil
}

// Rebuild discards the cache and lists the whole volume
func (s *Session) Rebuild(ctx context.Context) error {
	fresh, err := s.list(ctx, 0)
	if err != nil {
		return err
	}
	if err := s.timeline.Reset(fresh); err != nil {
		return err
	}
	s.logger.Debug("Checkpoint cache rebuilt",
		"device", s.Device(),
		"listed", len(fresh),
		"cached", s.timeline.Len(),
	)
	return nil
}

func (s *Session) update(ctx context.Context) error {
	last, _ := s.timeline.Last()
	fresh, err := s.list(ctx, last.Number+1)
	if err != nil {
		return err
	}
	stats, err := s.timeline.Merge(fresh)
	if err != nil {
		return err
	}
	if stats.Changed() {
		s.logger.Debug("Checkpoint cache extended",
			"device", s.Device(),
			"appended", stats.Appended,
			"replaced", stats.Replaced,
		)
	}
	return nil
}

func (s *Session) reconcile(ctx context.Context) error {
	first, _ := s.timeline.First()
	fresh, err := s.list(ctx, first.Number)
	if err != nil {
		return err
	}
	stats, err := s.timeline.Reconcile(fresh)
	if err != nil {
		return err
	}
	if stats.Removed > 0 || stats.Promoted > 0 || stats.Demoted > 0 {
		s.logger.Info("Checkpoint cache repaired",
			"device", s.Device(),
			"removed", stats.Removed,
			"promoted", stats.Promoted,
			"demoted", stats.Demoted,
			"appended", stats.Appended,
		)
	}
	return nil
}

func (s *Session) list(ctx context.Context, start uint64) ([]checkpoint.Record, error) {
	out, err := s.volume.ListCheckpoints(ctx, start)
	if err != nil {
		return nil, err
	}
	return s.parser.Parse(out)
}

// MakeCheckpoint creates a checkpoint and re-lists the volume to pick it up
func (s *Session) MakeCheckpoint(ctx context.Context, snapshot bool) error {
	err := s.volume.MakeCheckpoint(ctx, snapshot)
	s.record(ctx, Operation{Op: OpMakeCheckpoint, Snapshot: snapshot, Err: err})
	if err != nil {
		return err
	}
	_, err = s.Checkpoints(ctx, false)
	return err
}

// ChangeCheckpoint promotes or demotes a checkpoint, then re-lists the volume
func (s *Session) ChangeCheckpoint(ctx context.Context, number uint64, snapshot bool) error {
	err := s.volume.ChangeCheckpoint(ctx, number, snapshot)
	s.record(ctx, Operation{Op: OpChangeCheckpoint, Number: number, Snapshot: snapshot, Err: err})
	if err != nil {
		return err
	}
	s.timeline.SetSnapshot(number, snapshot)
	_, err = s.Checkpoints(ctx, false)
	return err
}

func (s *Session) record(ctx context.Context, op Operation) {
	if s.journal == nil {
		return
	}
	op.Device = s.Device()
	op.At = s.now()
	if err := s.journal.Record(ctx, op); err != nil {
		s.logger.Warn("Failed to journal volume operation",
			"device", op.Device,
			"op", op.Op,
			"error", err.Error(),
		)
	}
}

// LatestCheckpoint returns the newest cached plain checkpoint
func (s *Session) LatestCheckpoint() (checkpoint.Record, error) {
	for rec := range s.timeline.Backward() {
		if !rec.Snapshot {
			return rec, nil
		}
	}
	return checkpoint.Record{}, tberrors.New(
		tberrors.CheckpointNotFound,
		fmt.Sprintf("no plain checkpoint cached for %s", s.Device()),
		nil,
	)
}
