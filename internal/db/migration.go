package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations runs all pending database migrations.
func RunMigrations(dbURL string, schema string) error {
	slog.Info("Running database migrations...")

	db, err := openMigrationDB(dbURL, schema)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.Up(db, "migrations"); err != nil {
		return err
	}

	slog.Info("Database migrations completed successfully")
	return nil
}

// MigrationStatus logs the applied state of every embedded migration.
func MigrationStatus(dbURL string, schema string) error {
	db, err := openMigrationDB(dbURL, schema)
	if err != nil {
		return err
	}
	defer db.Close()

	return goose.Status(db, "migrations")
}

func openMigrationDB(dbURL string, schema string) (*sql.DB, error) {
	// Use default schema if not specified
	if schema == "" {
		schema = "public"
	}

	// Open database connection for migrations using pgx driver
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, err
	}
	// search_path is per session, so keep goose on a single connection.
	db.SetMaxOpenConns(1)

	// Verify connectivity before running migrations
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	// Create schema if it doesn't exist and set search_path
	if err := ensureSchemaExists(db, schema); err != nil {
		db.Close()
		return nil, err
	}

	// Set goose to use embedded migrations
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchemaExists(db *sql.DB, schema string) error {
	// Create schema if it doesn't exist
	query := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize()
	_, err := db.Exec(query)
	if err != nil {
		return err
	}
	slog.Info("Schema is ready", "schema", schema)

	// Set search_path to the schema to ensure migrations run there
	setPathQuery := "SET search_path TO " + pgx.Identifier{schema}.Sanitize()
	_, err = db.Exec(setPathQuery)
	if err != nil {
		return err
	}
	slog.Info("Set search_path", "schema", schema)

	return nil
}
