// Package store persists the build history of dev sessions.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/extdev/extdev/internal/api"
)

const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

var ErrUnsupportedDriver = errors.New("unsupported database type")

// Store defines the interface for build history persistence.
type Store interface {
	RecordBuild(ctx context.Context, record api.BuildRecord) error
	ListBuilds(ctx context.Context, limit int) ([]api.BuildRecord, error)
	Close()
}

// Config selects and configures a Store.
type Config struct {
	Type string
	// Path is the sqlite database file.
	Path string
	// ConnectionString is the postgres DSN.
	ConnectionString string
}

// Open creates the store described by cfg. An empty type selects sqlite.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeSQLite, "":
		return NewSQLiteStore(cfg.Path)
	case TypePostgres:
		if cfg.ConnectionString == "" {
			return nil, errors.New("a connection string is required for postgres")
		}
		return NewPostgresStore(ctx, cfg.ConnectionString)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Type)
	}
}
