package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/extdev/extdev/internal/api"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database and creates the builds table. The parent
// directory of path is created if it is missing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// The watcher records builds from several goroutines.
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		extension_uuid TEXT NOT NULL,
		handle TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		finished_at DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create builds table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS builds_finished_at ON builds (finished_at DESC);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create builds index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordBuild(ctx context.Context, record api.BuildRecord) error {
	query := `
	INSERT INTO builds (id, extension_uuid, handle, event_type, status, error, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		record.ID,
		record.ExtensionUUID,
		record.Handle,
		record.EventType,
		record.Status,
		record.Error,
		record.FinishedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) ListBuilds(ctx context.Context, limit int) ([]api.BuildRecord, error) {
	query := `
	SELECT id, extension_uuid, handle, event_type, status, error, finished_at
	FROM builds
	ORDER BY finished_at DESC
	LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []api.BuildRecord
	for rows.Next() {
		var record api.BuildRecord
		if err := rows.Scan(
			&record.ID,
			&record.ExtensionUUID,
			&record.Handle,
			&record.EventType,
			&record.Status,
			&record.Error,
			&record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}
