// Package postgres starts a throwaway PostgreSQL for the system tests with
// the fleet schema already migrated.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const image = "postgres:17-alpine"

type Options struct {
	Database string
	Schema   string
	// MaxConns bounds the pool; the concurrency cases need more than the
	// service default.
	MaxConns int32
}

// Database is a running container with a migrated schema and an open pool.
type Database struct {
	URL  string
	Pool *pgxpool.Pool

	container *postgres.PostgresContainer
}

// Start runs the container, applies the embedded migrations to
// opts.Schema and opens a pool on it. On failure nothing is left running.
func Start(ctx context.Context, opts Options) (*Database, error) {
	container, err := postgres.Run(ctx, image,
		postgres.WithUsername(opts.Database),
		postgres.WithPassword(opts.Database),
		postgres.WithDatabase(opts.Database),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	d := &Database{container: container}
	if err := d.init(ctx, opts); err != nil {
		return nil, errors.Join(err, d.Close(context.Background()))
	}
	return d, nil
}

func (d *Database) init(ctx context.Context, opts Options) error {
	state, err := d.container.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to get container state: %w", err)
	}
	if !state.Running {
		return errors.New("postgres container is not running")
	}

	d.URL, err = d.container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("failed to build connection string: %w", err)
	}

	if err := db.RunMigrations(d.URL, opts.Schema); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", opts.Schema, err)
	}

	d.Pool, err = db.InitDB(ctx, db.Config{Url: d.URL, Schema: opts.Schema, MaxConns: opts.MaxConns})
	if err != nil {
		return fmt.Errorf("failed to open pool: %w", err)
	}
	return nil
}

// Close releases the pool and terminates the container.
func (d *Database) Close(ctx context.Context) error {
	if d.Pool != nil {
		d.Pool.Close()
	}
	if err := d.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate Postgres container: %w", err)
	}
	return nil
}
