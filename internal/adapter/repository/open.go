// Package repository selects the store backend for a connection string.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/V4T54L/chialog/internal/adapter/repository/mongo"
	"github.com/V4T54L/chialog/internal/adapter/repository/postgres"
	"github.com/V4T54L/chialog/internal/adapter/repository/sqlite"
	"github.com/V4T54L/chialog/internal/domain"
)

// Backend identifies a store implementation.
type Backend string

const (
	BackendMongo    Backend = "mongo"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Options addresses a store.
type Options struct {
	Connection  string
	Database    string // Mongo only
	CappedBytes int64
}

// BackendFor maps a connection string to its backend by scheme.
func BackendFor(conn string) (Backend, error) {
	scheme, _, ok := strings.Cut(conn, "://")
	if !ok {
		return "", fmt.Errorf("%w: connection %q has no scheme", domain.ErrUnsupportedStore, conn)
	}
	switch strings.ToLower(scheme) {
	case "mongodb", "mongodb+srv":
		return BackendMongo, nil
	case "postgres", "postgresql":
		return BackendPostgres, nil
	case "sqlite", "sqlite3":
		return BackendSQLite, nil
	default:
		return "", fmt.Errorf("%w: scheme %q", domain.ErrUnsupportedStore, scheme)
	}
}

// Open connects to the store named by opts.Connection. The caller runs
// Provision and owns Close.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (domain.Store, error) {
	backend, err := BackendFor(opts.Connection)
	if err != nil {
		return nil, err
	}
	logger.Info("opening store", "backend", backend)

	var store domain.Store
	switch backend {
	case BackendMongo:
		store, err = mongo.NewStore(ctx, opts.Connection, opts.Database, opts.CappedBytes, logger)
	case BackendPostgres:
		store, err = postgres.NewStore(ctx, opts.Connection, opts.CappedBytes, logger)
	default:
		_, path, _ := strings.Cut(opts.Connection, "://")
		if path == "" {
			return nil, fmt.Errorf("%w: sqlite connection needs a file path", domain.ErrUnsupportedStore)
		}
		store, err = sqlite.Open(path, opts.CappedBytes, logger)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
