package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/EternisAI/silo-fleet/internal/keystore"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/jackc/pgx/v5"
)

const rootColumns = `id, cert_der, sealed_key, is_active, created_at, retired_at, retain_until`

func scanRoot(row pgx.Row) (keystore.Record, error) {
	var rec keystore.Record
	err := row.Scan(&rec.ID, &rec.CertDER, &rec.SealedKey, &rec.Active, &rec.CreatedAt, &rec.RetiredAt, &rec.RetainUntil)
	return rec, err
}

func (s *Store) GetActiveRoot(ctx context.Context) (keystore.Record, error) {
	rec, err := scanRoot(s.pool.QueryRow(ctx, `SELECT `+rootColumns+` FROM ca_roots WHERE is_active`))
	if err != nil {
		return keystore.Record{}, notFound(err)
	}
	return rec, nil
}

func (s *Store) ListRoots(ctx context.Context) ([]keystore.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+rootColumns+` FROM ca_roots ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (keystore.Record, error) {
		return scanRoot(row)
	})
}

// RotateRoot retires the expected active root and activates next. Two
// first-time bootstraps racing on an empty table both pass the check; the
// single-active index rejects the second insert.
func (s *Store) RotateRoot(ctx context.Context, expectedActiveID string, next keystore.Record, retiredAt, retainUntil time.Time) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT id FROM ca_roots WHERE is_active FOR UPDATE`).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if current != expectedActiveID {
			return store.Conflict("root", next.ID, "active root changed")
		}

		if current != "" {
			if _, err := tx.Exec(ctx, `
				UPDATE ca_roots SET is_active = FALSE, retired_at = $2, retain_until = $3
				WHERE id = $1`, current, retiredAt, retainUntil); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO ca_roots (id, cert_der, sealed_key, is_active, created_at)
			VALUES ($1, $2, $3, TRUE, $4)`,
			next.ID, next.CertDER, next.SealedKey, next.CreatedAt,
		)
		return err
	})
	if isUniqueViolation(err, "ca_roots_single_active_idx") {
		return store.Conflict("root", next.ID, "active root changed")
	}
	return err
}

func (s *Store) DeleteRootsRetainedBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ca_roots WHERE NOT is_active AND retain_until <= $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
