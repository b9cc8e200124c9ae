// Package database owns the shared Postgres pool and its one-time schema
// initialization.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"docpipe/migrations"
)

// DB wraps the process-wide pool. Initialize must complete before any
// repository touches the ingestion tables.
type DB struct {
	SQL *sql.DB

	once    sync.Once
	initErr error
	migrate func(*sql.DB) error
}

func New(db *sql.DB) *DB {
	return &DB{SQL: db, migrate: RunMigrations}
}

// Open connects and pings with retries, since Postgres often comes up after
// the service in local stacks.
func Open(ctx context.Context, dsn string, attempts int, delay time.Duration) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			return New(db), nil
		}
		slog.WarnContext(ctx, "failed to ping db, retrying...", "attempt", i+1, "error", err)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	db.Close()
	return nil, fmt.Errorf("failed to ping db: %w", err)
}

// Initialize runs the base migrations and the soft-delete column migration
// exactly once per process. Later calls return the first result.
func (d *DB) Initialize(ctx context.Context) error {
	d.once.Do(func() {
		if err := d.migrate(d.SQL); err != nil {
			d.initErr = err
			return
		}
		d.initErr = EnsureSoftDeleteColumns(ctx, d.SQL)
	})
	return d.initErr
}

func (d *DB) Close() error {
	return d.SQL.Close()
}

func RunMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source error: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	return nil
}
