package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// currentSchemaVersion is bumped with every migration
const currentSchemaVersion = 2

func (db *DB) initializeSchema() error {
	return db.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := createSchemaVersionTable(tx); err != nil {
			return err
		}
		if err := createJournalTable(tx); err != nil {
			return err
		}
		if err := createScheduleTables(tx); err != nil {
			return err
		}
		if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
			return err
		}
		db.logger.Info("Database schema initialized", "version", currentSchemaVersion)
		return nil
	})
}

func (db *DB) runMigrations() error {
	version, err := db.getSchemaVersion()
	if err != nil {
		return err
	}
	if version == currentSchemaVersion {
		db.logger.Debug("Database schema is up to date", "version", version)
		return nil
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	db.logger.Info("Running database migrations",
		"fromVersion", version,
		"toVersion", currentSchemaVersion,
	)

	return db.WithTx(context.Background(), func(tx *sql.Tx) error {
		if version < 1 {
			if err := createSchemaVersionTable(tx); err != nil {
				return err
			}
			if err := createJournalTable(tx); err != nil {
				return err
			}
		}
		// v2 added the policy schedules
		if version < 2 {
			if err := createScheduleTables(tx); err != nil {
				return err
			}
		}
		return setSchemaVersion(tx, currentSchemaVersion)
	})
}

func (db *DB) getSchemaVersion() (int, error) {
	var tableName string
	err := db.conn.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = db.conn.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
		return err
	}
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

func createSchemaVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	return err
}

func createJournalTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS journal (
			id TEXT PRIMARY KEY,
			device TEXT NOT NULL,
			operation TEXT NOT NULL CHECK(operation IN ('mkcp', 'chcp')),
			checkpoint INTEGER,
			snapshot INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('success', 'failed')),
			error TEXT,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_journal_device ON journal(device)",
		"CREATE INDEX IF NOT EXISTS idx_journal_created_at ON journal(created_at DESC)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func createScheduleTables(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			device TEXT NOT NULL,
			action TEXT NOT NULL,
			expression TEXT NOT NULL,
			keep INTEGER NOT NULL DEFAULT 0,
			max_age_seconds INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run TEXT NOT NULL,
			last_run TEXT,
			last_status TEXT,
			last_duration INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(next_run);

		CREATE TABLE IF NOT EXISTS schedule_runs (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			error TEXT,
			duration INTEGER,
			FOREIGN KEY (schedule_id) REFERENCES schedules(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_runs_schedule ON schedule_runs(schedule_id);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON schedule_runs(started_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schedule tables: %w", err)
	}
	return nil
}
