package storage

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Storage handles database operations
type Storage struct {
	db *sql.DB
}

// NewStorage opens (creating if needed) the sqlite database at dbPath
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// sqlite allows a single writer; concurrent runs share this handle
	db.SetMaxOpenConns(1)

	storage := &Storage{db: db}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}

	return storage, nil
}

// initSchema creates the database tables and handles migrations
func (s *Storage) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL,
			config_path TEXT NOT NULL,
			project_name TEXT NOT NULL DEFAULT '',
			workflow TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			sha TEXT NOT NULL DEFAULT '',
			failed_stage TEXT NOT NULL DEFAULT '',
			failed_step TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			duration TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			job TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			command TEXT NOT NULL,
			output TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			duration TEXT,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS annotations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			step_id INTEGER NOT NULL,
			level TEXT NOT NULL,
			file TEXT NOT NULL DEFAULT '',
			line INTEGER NOT NULL DEFAULT 0,
			col INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project_name ON runs(project_name)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_run_id ON step_executions(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_annotations_run_id ON annotations(run_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return errors.Wrap(err, "failed to execute schema query")
		}
	}

	if err := s.migrateSchema(); err != nil {
		return errors.Wrap(err, "failed to migrate schema")
	}

	return nil
}

// migrateSchema adds columns introduced after a database was first created
func (s *Storage) migrateSchema() error {
	migrations := []string{
		`ALTER TABLE runs ADD COLUMN workflow TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE runs ADD COLUMN failed_stage TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE runs ADD COLUMN failed_step TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE step_executions ADD COLUMN job TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE step_executions ADD COLUMN kind TEXT NOT NULL DEFAULT ''`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil && !isDuplicateColumn(err) {
			return err
		}
	}

	return nil
}

func isDuplicateColumn(err error) bool {
	return strings.Contains(err.Error(), "duplicate column name")
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
