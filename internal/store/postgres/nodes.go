package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/jackc/pgx/v5"
)

const nodeColumns = `id, org_id, name, platform, status,
	total_memory_mb, total_disk_mb, total_cpu_millicores,
	last_heartbeat, cpu_pct, mem_pct, disk_pct, issues,
	health_score, pressure_streak, created_at, updated_at, deleted_at`

func scanNode(row pgx.Row) (nodes.Node, error) {
	var n nodes.Node
	var status string
	err := row.Scan(
		&n.ID, &n.OrgID, &n.Name, &n.Platform, &status,
		&n.Capacity.MemoryMB, &n.Capacity.DiskMB, &n.Capacity.CPUMillicores,
		&n.LastHeartbeat, &n.Metrics.CPUPct, &n.Metrics.MemPct, &n.Metrics.DiskPct, &n.Metrics.Issues,
		&n.HealthScore, &n.PressureStreak, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt,
	)
	n.Status = nodes.Status(status)
	return n, err
}

func collectNodes(rows pgx.Rows) ([]nodes.Node, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (nodes.Node, error) {
		return scanNode(row)
	})
}

func nonNil(issues []string) []string {
	if issues == nil {
		return []string{}
	}
	return issues
}

func (s *Store) CreateNode(ctx context.Context, node nodes.Node) (nodes.Node, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO nodes (id, org_id, name, platform, status,
			total_memory_mb, total_disk_mb, total_cpu_millicores,
			issues, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+nodeColumns,
		node.ID, node.OrgID, node.Name, node.Platform, string(node.Status),
		node.Capacity.MemoryMB, node.Capacity.DiskMB, node.Capacity.CPUMillicores,
		nonNil(node.Metrics.Issues), node.CreatedAt, node.UpdatedAt,
	)
	created, err := scanNode(row)
	if err != nil {
		if isUniqueViolation(err, "nodes_org_name_live_idx") {
			return nodes.Node{}, nodes.ErrNameTaken
		}
		return nodes.Node{}, err
	}
	return created, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (nodes.Node, error) {
	n, err := scanNode(s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if err != nil {
		return nodes.Node{}, notFound(err)
	}
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context, orgID string) ([]nodes.Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE org_id = $1 AND deleted_at IS NULL
		ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	return collectNodes(rows)
}

func (s *Store) ListStaleNodes(ctx context.Context, statuses []nodes.Status, cutoff time.Time, limit int) ([]nodes.Node, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE status = ANY($1) AND deleted_at IS NULL
		  AND (last_heartbeat IS NULL OR last_heartbeat < $2)
		ORDER BY last_heartbeat NULLS FIRST
		LIMIT $3`, names, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectNodes(rows)
}

func (s *Store) UpdateStatus(ctx context.Context, update nodes.StatusUpdate) (nodes.Node, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE nodes SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL
		  AND ($5::timestamptz IS NULL OR last_heartbeat IS NULL OR last_heartbeat < $5)
		RETURNING `+nodeColumns,
		update.ID, string(update.From), string(update.To), update.At, update.HeartbeatBefore,
	)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nodes.Node{}, missedUpdate(ctx, s.pool, "nodes", "id", update.ID, "node", "status or heartbeat changed")
		}
		return nodes.Node{}, notFound(err)
	}
	return n, nil
}

func (s *Store) RecordHeartbeat(ctx context.Context, update nodes.HeartbeatUpdate) (nodes.Node, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE nodes SET
			status = $3, last_heartbeat = $4,
			cpu_pct = $5, mem_pct = $6, disk_pct = $7, issues = $8,
			health_score = $9, pressure_streak = $10, updated_at = $11
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL
		  AND (last_heartbeat IS NULL OR last_heartbeat < $4)
		RETURNING `+nodeColumns,
		update.ID, string(update.ExpectedStatus), string(update.NewStatus), update.HeartbeatAt,
		update.Metrics.CPUPct, update.Metrics.MemPct, update.Metrics.DiskPct, nonNil(update.Metrics.Issues),
		update.HealthScore, update.PressureStreak, update.UpdatedAt,
	)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nodes.Node{}, missedUpdate(ctx, s.pool, "nodes", "id", update.ID, "node", "status or heartbeat changed")
		}
		return nodes.Node{}, notFound(err)
	}
	return n, nil
}

// Decommission soft-deletes the node, revokes its active certificate and
// releases its held reservations in one transaction. The node row update
// takes the same row lock Reserve and ActivateCertificate wait on.
func (s *Store) Decommission(ctx context.Context, params nodes.DecommissionParams) (nodes.DecommissionResult, error) {
	var result nodes.DecommissionResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		result = nodes.DecommissionResult{}

		row := tx.QueryRow(ctx, `
			UPDATE nodes SET status = 'decommissioned', deleted_at = $3, updated_at = $3
			WHERE id = $1 AND status = $2 AND deleted_at IS NULL
			RETURNING `+nodeColumns,
			params.ID, string(params.From), params.At,
		)
		n, err := scanNode(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return missedUpdate(ctx, tx, "nodes", "id", params.ID, "node", "status changed")
			}
			return notFound(err)
		}
		result.Node = n

		rows, err := tx.Query(ctx, `
			UPDATE agent_certificates SET
				is_active = FALSE,
				revoked_at = COALESCE(revoked_at, $2),
				revocation_reason = COALESCE(revocation_reason, $3)
			WHERE node_id = $1 AND is_active
			RETURNING id`, params.ID, params.At, cert.ReasonDecommissioned)
		if err != nil {
			return err
		}
		if result.RevokedCertificateIDs, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `
			UPDATE capacity_reservations SET status = 'released', released_at = $2
			WHERE node_id = $1 AND status IN ('pending', 'claimed')
			RETURNING id`, params.ID, params.At)
		if err != nil {
			return err
		}
		result.ReleasedReservationIDs, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nodes.DecommissionResult{}, err
	}
	return result, nil
}
