package store

import (
	"context"
	"fmt"

	"github.com/extdev/extdev/internal/api"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		extension_uuid TEXT NOT NULL,
		handle TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		finished_at TIMESTAMPTZ NOT NULL
	);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS builds_finished_at ON builds (finished_at DESC)`)
	return err
}

func (s *PostgresStore) RecordBuild(ctx context.Context, record api.BuildRecord) error {
	query := `
	INSERT INTO builds (id, extension_uuid, handle, event_type, status, error, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		record.ID,
		record.ExtensionUUID,
		record.Handle,
		record.EventType,
		record.Status,
		record.Error,
		record.FinishedAt,
	)
	return err
}

func (s *PostgresStore) ListBuilds(ctx context.Context, limit int) ([]api.BuildRecord, error) {
	query := `
	SELECT id, extension_uuid, handle, event_type, status, COALESCE(error, ''), finished_at
	FROM builds
	ORDER BY finished_at DESC
	LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (api.BuildRecord, error) {
		var record api.BuildRecord
		err := row.Scan(
			&record.ID,
			&record.ExtensionUUID,
			&record.Handle,
			&record.EventType,
			&record.Status,
			&record.Error,
			&record.FinishedAt,
		)
		return record, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan builds: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
