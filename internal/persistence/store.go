// Package persistence provides the SQLite-backed store the core uses to
// load loop configuration at bring-up and durably snapshot LoopState and
// Experiences. Schema design beyond these tables is out of scope for the
// core; the store is an opaque CRUD collaborator.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 2
	schemaChecksum = "sw-v2-2026-08-loop-state-experiences"
)

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at dir/swarmd.db with WAL enabled and
// runs migrations.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "swarmd.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable, used by storage health gauges.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_meta (
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS loop_specs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			schedule TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 2,
			max_duration_ns INTEGER NOT NULL,
			adaptive INTEGER NOT NULL DEFAULT 0,
			depends_on TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS loop_state (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_run TIMESTAMP,
			next_run TIMESTAMP,
			avg_duration_ns INTEGER NOT NULL DEFAULT 0,
			success_rate REAL NOT NULL DEFAULT 1.0,
			performance_score REAL NOT NULL DEFAULT 0,
			adaptive_multiplier REAL NOT NULL DEFAULT 1.0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS experiences (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			success INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_experiences_agent
			ON experiences(agent_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS message_archive (
			id TEXT PRIMARY KEY,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			kind TEXT NOT NULL,
			priority INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archive_to
			ON message_archive(to_agent, created_at DESC);
	`)
	if err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_meta WHERE version = ?`, schemaVersion).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err = s.db.Exec(`INSERT INTO schema_meta (version, checksum) VALUES (?, ?)`,
			schemaVersion, schemaChecksum)
	}
	return err
}

// PruneArchive deletes archived messages older than the retention window
// and returns the number removed. Zero retention keeps everything.
func (s *Store) PruneArchive(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_archive WHERE created_at < ?`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
