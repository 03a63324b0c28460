package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteIndex is an optional, read-only secondary index over a Storage's
// main-store snapshot, addressing the §9 design note: "For larger workloads
// an implementation should maintain secondary indexes (by status, by
// dependency) inside Storage." It never holds authoritative state — Storage
// remains the single writer (spec §5) — it only accelerates status/priority
// queries the dashboard-style read APIs in §6 need.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLiteIndex opens (creating if absent) a SQLite file at path and
// ensures the index schema exists.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sqlite index: %v", ErrIO, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS job_index (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			next_run_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS job_index_status ON job_index(status);
		CREATE INDEX IF NOT EXISTS job_index_priority ON job_index(priority DESC, next_run_at ASC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating sqlite schema: %v", ErrIO, err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Rebuild replaces the index contents with the given snapshot. Callers
// typically pass the result of Storage.GetAllJobs.
func (s *SQLiteIndex) Rebuild(ctx context.Context, jobs []*Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_index`); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_index (id, status, priority, next_run_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		if _, err := stmt.ExecContext(ctx, j.ID, string(j.Status), j.Priority, j.NextRunAt, j.UpdatedAt); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// CountByStatus returns the number of indexed jobs in the given status, a
// stats query the dashboard read API (spec §6 getStats) can use instead of
// scanning the full store.
func (s *SQLiteIndex) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_index WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, nil
}

// IDsByStatus returns ids in the given status ordered by (priority desc,
// next_run_at asc), matching the scheduler's dispatch ordering (spec §4.6).
func (s *SQLiteIndex) IDsByStatus(ctx context.Context, status Status) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM job_index WHERE status = ?
		ORDER BY priority DESC, next_run_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the underlying sqlite connection.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
