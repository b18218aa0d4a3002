package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/EternisAI/silo-fleet/internal/reservations"
	"github.com/jackc/pgx/v5"
)

const reservationColumns = `id, node_id, memory_mb, disk_mb, cpu_millicores, status, token,
	created_at, expires_at, claimed_at, released_at`

// heldPredicate selects reservations that count against capacity at $2.
const heldPredicate = `(status = 'claimed' OR (status = 'pending' AND expires_at > $2))`

func scanReservation(row pgx.Row) (reservations.Reservation, error) {
	var r reservations.Reservation
	var status string
	err := row.Scan(
		&r.ID, &r.NodeID, &r.Requested.MemoryMB, &r.Requested.DiskMB, &r.Requested.CPUMillicores,
		&status, &r.Token, &r.CreatedAt, &r.ExpiresAt, &r.ClaimedAt, &r.ReleasedAt,
	)
	r.Status = reservations.Status(status)
	return r, err
}

func collectReservations(rows pgx.Rows) ([]reservations.Reservation, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (reservations.Reservation, error) {
		return scanReservation(row)
	})
}

// capacity reads a node's totals and held sum. With lock set the node row
// is locked FOR UPDATE, serializing every reservation on that node.
func capacity(ctx context.Context, q querier, nodeID string, now time.Time, lock bool) (reservations.Capacity, error) {
	query := `
		SELECT total_memory_mb, total_disk_mb, total_cpu_millicores
		FROM nodes
		WHERE id = $1 AND deleted_at IS NULL`
	if lock {
		query += ` FOR UPDATE`
	}

	c := reservations.Capacity{NodeID: nodeID}
	if err := q.QueryRow(ctx, query, nodeID).Scan(&c.Total.MemoryMB, &c.Total.DiskMB, &c.Total.CPUMillicores); err != nil {
		return reservations.Capacity{}, notFound(err)
	}

	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(memory_mb), 0), COALESCE(SUM(disk_mb), 0), COALESCE(SUM(cpu_millicores), 0)
		FROM capacity_reservations
		WHERE node_id = $1 AND `+heldPredicate, nodeID, now,
	).Scan(&c.Reserved.MemoryMB, &c.Reserved.DiskMB, &c.Reserved.CPUMillicores)
	if err != nil {
		return reservations.Capacity{}, err
	}

	c.Available = c.Total.Sub(c.Reserved)
	return c, nil
}

func (s *Store) Reserve(ctx context.Context, r reservations.Reservation, now time.Time) (reservations.Reservation, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := capacity(ctx, tx, r.NodeID, now, true)
		if err != nil {
			return err
		}
		if err := reservations.CheckFits(r.NodeID, c.Total, c.Reserved, r.Requested); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO capacity_reservations (id, node_id, memory_mb, disk_mb, cpu_millicores, status, token, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.NodeID, r.Requested.MemoryMB, r.Requested.DiskMB, r.Requested.CPUMillicores,
			string(r.Status), r.Token, r.CreatedAt, r.ExpiresAt,
		)
		return err
	})
	if err != nil {
		return reservations.Reservation{}, err
	}
	return r, nil
}

func (s *Store) GetByToken(ctx context.Context, token string) (reservations.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM capacity_reservations WHERE token = $1`, token))
	if err != nil {
		return reservations.Reservation{}, notFound(err)
	}
	return r, nil
}

func (s *Store) Claim(ctx context.Context, token string, now time.Time) (reservations.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `
		UPDATE capacity_reservations SET status = 'claimed', claimed_at = $2, expires_at = NULL
		WHERE token = $1 AND status = 'pending' AND expires_at > $2
		RETURNING `+reservationColumns, token, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reservations.Reservation{}, missedUpdate(ctx, s.pool, "capacity_reservations", "token", token, "reservation", "not pending or expired")
		}
		return reservations.Reservation{}, err
	}
	return r, nil
}

func (s *Store) Release(ctx context.Context, token string, now time.Time) (reservations.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `
		UPDATE capacity_reservations SET status = 'released', released_at = $2
		WHERE token = $1 AND status IN ('pending', 'claimed')
		RETURNING `+reservationColumns, token, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reservations.Reservation{}, missedUpdate(ctx, s.pool, "capacity_reservations", "token", token, "reservation", "already released or expired")
		}
		return reservations.Reservation{}, err
	}
	return r, nil
}

func (s *Store) Capacity(ctx context.Context, nodeID string, now time.Time) (reservations.Capacity, error) {
	return capacity(ctx, s.pool, nodeID, now, false)
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]reservations.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reservationColumns+` FROM capacity_reservations
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (s *Store) Expire(ctx context.Context, id string, now time.Time) (reservations.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `
		UPDATE capacity_reservations SET status = 'expired'
		WHERE id = $1 AND status = 'pending' AND expires_at <= $2
		RETURNING `+reservationColumns, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reservations.Reservation{}, missedUpdate(ctx, s.pool, "capacity_reservations", "id", id, "reservation", "not pending or not yet due")
		}
		return reservations.Reservation{}, notFound(err)
	}
	return r, nil
}

func (s *Store) ListReservations(ctx context.Context, nodeID string) ([]reservations.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reservationColumns+` FROM capacity_reservations
		WHERE node_id = $1
		ORDER BY created_at DESC`, nodeID)
	if err != nil {
		return nil, notFound(err)
	}
	return collectReservations(rows)
}
