package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex

	projects  *sqliteProjects
	tasks     *sqliteTasks
	gitOps    *sqliteGitOps
	snapshots *sqliteSnapshots
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the
// schema. Use ":memory:" for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	s.projects = &sqliteProjects{s}
	s.tasks = &sqliteTasks{s}
	s.gitOps = &sqliteGitOps{s}
	s.snapshots = &sqliteSnapshots{s}

	if err := s.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL,
		description TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		branch TEXT NOT NULL,
		archive_path TEXT,
		config_options TEXT,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		error_kind TEXT,
		result TEXT,
		artifacts TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE TABLE IF NOT EXISTS git_operations (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		branch TEXT,
		pre_commit TEXT,
		post_commit TEXT,
		message TEXT,
		files_affected TEXT,
		snapshot_id TEXT,
		error TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_gitops_project ON git_operations(project_id);
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		source_branch TEXT,
		source_commit TEXT,
		storage_path TEXT NOT NULL,
		stash_ref TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		operation_id TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_project ON snapshots(project_id, active);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Projects() ProjectRepo   { return s.projects }
func (s *SQLiteStore) Tasks() TaskRepo         { return s.tasks }
func (s *SQLiteStore) GitOps() GitOpRepo       { return s.gitOps }
func (s *SQLiteStore) Snapshots() SnapshotRepo { return s.snapshots }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
