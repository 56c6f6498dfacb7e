package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"timebrowse/internal/storage"
)

// timeFormat is fixed width so stored timestamps compare as text
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists schedules and their runs in the timebrowse database
type Store struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewStore wraps an open database
func NewStore(db *storage.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const scheduleColumns = `id, device, action, expression, keep, max_age_seconds, enabled,
	next_run, last_run, last_status, last_duration, last_error, created_at, updated_at`

// SyncPolicies makes the stored schedules match policies. A schedule whose
// expression is unchanged keeps its next run and history; removed policies
// are deleted along with their runs.
func (s *Store) SyncPolicies(ctx context.Context, policies []Policy, now time.Time) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		keep := make(map[string]bool, len(policies))
		for _, p := range policies {
			keep[p.ID] = true
			fresh, err := p.schedule(now)
			if err != nil {
				return fmt.Errorf("policy %s: %w", p.ID, err)
			}

			existing, err := scanSchedule(tx.QueryRowContext(ctx,
				"SELECT "+scheduleColumns+" FROM schedules WHERE id = ?", p.ID))
			if err != nil {
				return err
			}
			if existing == nil {
				if err := insertSchedule(ctx, tx, fresh); err != nil {
					return err
				}
				s.logger.Info("Added schedule", "id", p.ID, "action", p.Action, "nextRun", fresh.NextRun)
				continue
			}

			updated := *existing
			updated.Device = fresh.Device
			updated.Action = fresh.Action
			updated.Keep = fresh.Keep
			updated.MaxAge = fresh.MaxAge
			updated.Enabled = fresh.Enabled
			updated.UpdatedAt = now
			if existing.Expression != fresh.Expression || (fresh.Enabled && !existing.Enabled) {
				updated.Expression = fresh.Expression
				updated.NextRun = fresh.NextRun
			}
			if err := updateSchedule(ctx, tx, &updated); err != nil {
				return err
			}
		}

		rows, err := tx.QueryContext(ctx, "SELECT id FROM schedules")
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			if !keep[id] {
				stale = append(stale, id)
			}
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range stale {
			if _, err := tx.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id); err != nil {
				return err
			}
			s.logger.Info("Removed schedule", "id", id)
		}
		return nil
	})
}

// GetSchedule returns the schedule with id, or nil if there is none
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return scanSchedule(s.db.QueryRowContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE id = ?", id))
}

// UpdateSchedule saves a schedule's mutable state
func (s *Store) UpdateSchedule(ctx context.Context, schedule *Schedule) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return updateSchedule(ctx, tx, schedule)
	})
}

// ListSchedules returns all schedules ordered by next run
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.query(ctx, "SELECT "+scheduleColumns+" FROM schedules ORDER BY next_run ASC, id ASC")
}

// DueSchedules returns the enabled schedules due at now
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	return s.query(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE enabled = 1 AND next_run <= ? ORDER BY next_run ASC, id ASC",
		now.UTC().Format(timeFormat))
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// StartRun records the start of a run and returns it
func (s *Store) StartRun(ctx context.Context, scheduleID string, at time.Time) (*ScheduleRun, error) {
	run := &ScheduleRun{
		ID:         uuid.NewString(),
		ScheduleID: scheduleID,
		StartedAt:  at,
		Status:     StatusRunning,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO schedule_runs (id, schedule_id, started_at, status) VALUES (?, ?, ?, ?)",
		run.ID, run.ScheduleID, at.UTC().Format(timeFormat), run.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to record run of %s: %w", scheduleID, err)
	}
	return run, nil
}

// FinishRun stores the outcome of run
func (s *Store) FinishRun(ctx context.Context, run *ScheduleRun, at time.Time, runErr error) error {
	run.EndedAt = &at
	run.Duration = at.Sub(run.StartedAt).Milliseconds()
	run.Status = StatusSuccess
	if runErr != nil {
		run.Status = StatusFailed
		run.Error = runErr.Error()
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE schedule_runs SET ended_at = ?, status = ?, error = ?, duration = ? WHERE id = ?",
		at.UTC().Format(timeFormat), run.Status, nullString(run.Error), run.Duration, run.ID)
	return err
}

// ListRuns returns the newest runs of a schedule
func (s *Store) ListRuns(ctx context.Context, scheduleID string, limit int) ([]ScheduleRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, started_at, ended_at, status, error, duration
		FROM schedule_runs WHERE schedule_id = ?
		ORDER BY started_at DESC LIMIT ?
	`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []ScheduleRun
	for rows.Next() {
		var r ScheduleRun
		var startedAt string
		var endedAt, errText sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ScheduleID, &startedAt, &endedAt, &r.Status, &errText, &duration); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt)
		if endedAt.Valid {
			t := parseTime(endedAt.String)
			r.EndedAt = &t
		}
		r.Error = errText.String
		r.Duration = duration.Int64
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sc Schedule
	var lastRun, lastStatus, lastError sql.NullString
	var nextRun, createdAt, updatedAt string
	var maxAge int64

	err := row.Scan(
		&sc.ID,
		&sc.Device,
		&sc.Action,
		&sc.Expression,
		&sc.Keep,
		&maxAge,
		&sc.Enabled,
		&nextRun,
		&lastRun,
		&lastStatus,
		&sc.LastDuration,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sc.MaxAge = time.Duration(maxAge) * time.Second
	sc.LastStatus = lastStatus.String
	sc.LastError = lastError.String
	sc.NextRun = parseTime(nextRun)
	sc.CreatedAt = parseTime(createdAt)
	sc.UpdatedAt = parseTime(updatedAt)
	if lastRun.Valid {
		t := parseTime(lastRun.String)
		sc.LastRun = &t
	}
	return &sc, nil
}

func insertSchedule(ctx context.Context, tx *sql.Tx, sc *Schedule) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sc.ID,
		sc.Device,
		string(sc.Action),
		sc.Expression,
		sc.Keep,
		int64(sc.MaxAge/time.Second),
		sc.Enabled,
		sc.NextRun.UTC().Format(timeFormat),
		nullTime(sc.LastRun),
		nullString(sc.LastStatus),
		sc.LastDuration,
		nullString(sc.LastError),
		sc.CreatedAt.UTC().Format(timeFormat),
		sc.UpdatedAt.UTC().Format(timeFormat),
	)
	return err
}

func updateSchedule(ctx context.Context, tx *sql.Tx, sc *Schedule) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE schedules SET
			device = ?,
			action = ?,
			expression = ?,
			keep = ?,
			max_age_seconds = ?,
			enabled = ?,
			next_run = ?,
			last_run = ?,
			last_status = ?,
			last_duration = ?,
			last_error = ?,
			updated_at = ?
		WHERE id = ?
	`,
		sc.Device,
		string(sc.Action),
		sc.Expression,
		sc.Keep,
		int64(sc.MaxAge/time.Second),
		sc.Enabled,
		sc.NextRun.UTC().Format(timeFormat),
		nullTime(sc.LastRun),
		nullString(sc.LastStatus),
		sc.LastDuration,
		nullString(sc.LastError),
		sc.UpdatedAt.UTC().Format(timeFormat),
		sc.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule not found: %s", sc.ID)
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

// PruneRuns deletes finished runs started before cutoff
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM schedule_runs WHERE status != ? AND started_at < ?",
		StatusRunning, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to prune schedule runs: %w", err)
	}
	return res.RowsAffected()
}
