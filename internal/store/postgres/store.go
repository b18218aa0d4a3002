// Package postgres implements every repository on PostgreSQL through a pgx
// pool. State changes are single conditional UPDATE statements; operations
// that must check and write together lock the owning node row with
// SELECT ... FOR UPDATE inside a transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	codeUniqueViolation     = "23505"
	codeInvalidTextEncoding = "22P02"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

// notFound maps "no row" and malformed ids to store.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeInvalidTextEncoding {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// missedUpdate explains why a conditional update matched no row: the row
// is either absent or in another state.
func missedUpdate(ctx context.Context, q querier, table, column, value, entity, detail string) error {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)", pgx.Identifier{table}.Sanitize(), pgx.Identifier{column}.Sanitize())
	if err := q.QueryRow(ctx, query, value).Scan(&exists); err != nil {
		return notFound(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.Conflict(entity, value, detail)
}
