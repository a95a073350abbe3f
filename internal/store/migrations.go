package store

import (
	"database/sql"
	"fmt"
)

// AppVersion is recorded next to every applied schema version.
var AppVersion = "dev"

type migration struct {
	version int
	stmts   string
}

// migrations are applied in order, once each. Never edit an applied entry;
// append a new one.
var migrations = []migration{
	{1, `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL NOT NULL,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_ts REAL NOT NULL,
		updated_ts REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_ts);
	`},
	{2, `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_ts REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_kind_created ON artifacts(kind, created_ts);
	`},
	{3, `
	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		job_id TEXT,
		details TEXT,
		timestamp REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pdr_job_id ON pdr(job_id);
	`},
}

// LatestSchemaVersion is the version a freshly migrated database reports.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at REAL NOT NULL,
		app_version TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.apply(m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) apply(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.stmts); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at, app_version) VALUES (?, ?, ?)`,
		m.version, unixSeconds(s.now()), AppVersion,
	); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration, 0 for an empty database.
func (s *Store) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return int(v.Int64), nil
}
