package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"timebrowse/internal/nilfs"
)

// timeFormat is fixed width so stored timestamps sort as text
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Journal statuses
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// JournalEntry is one recorded mkcp or chcp call.
type JournalEntry struct {
	ID         string    `json:"id" yaml:"id"`
	Device     string    `json:"device" yaml:"device"`
	Operation  string    `json:"operation" yaml:"operation"`
	Checkpoint uint64    `json:"cno,omitempty" yaml:"cno,omitempty"`
	Snapshot   bool      `json:"snapshot" yaml:"snapshot"`
	Status     string    `json:"status" yaml:"status"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt" yaml:"createdAt"`
}

// JournalFilter narrows List
type JournalFilter struct {
	Device string
	Limit  int
}

// JournalRepository stores journal entries. It satisfies nilfs.Journal.
type JournalRepository struct {
	db *DB
}

// NewJournalRepository creates a journal repository
func NewJournalRepository(db *DB) *JournalRepository {
	return &JournalRepository{db: db}
}

var _ nilfs.Journal = (*JournalRepository)(nil)

// Record stores op
func (r *JournalRepository) Record(ctx context.Context, op nilfs.Operation) error {
	status := StatusSuccess
	var errText sql.NullString
	if op.Err != nil {
		status = StatusFailed
		errText = sql.NullString{String: op.Err.Error(), Valid: true}
	}
	var number sql.NullInt64
	if op.Number != 0 {
		number = sql.NullInt64{Int64: int64(op.Number), Valid: true}
	}
	at := op.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO journal (id, device, operation, checkpoint, snapshot, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(),
		op.Device,
		op.Op,
		number,
		op.Snapshot,
		status,
		errText,
		at.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s on %s: %w", op.Op, op.Device, err)
	}
	return nil
}

// List returns entries newest first
func (r *JournalRepository) List(ctx context.Context, filter JournalFilter) ([]JournalEntry, error) {
	query := `
		SELECT id, device, operation, checkpoint, snapshot, status, error, created_at
		FROM journal
	`
	var args []interface{}
	if filter.Device != "" {
		query += " WHERE device = ?"
		args = append(args, filter.Device)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var number sql.NullInt64
		var errText sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Device, &e.Operation, &number, &e.Snapshot, &e.Status, &errText, &createdAt); err != nil {
			return nil, err
		}
		e.Checkpoint = uint64(number.Int64)
		e.Error = errText.String
		if t, err := time.Parse(timeFormat, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than cutoff and returns how many were removed
func (r *JournalRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM journal WHERE created_at < ?",
		cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
