package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/jackc/pgx/v5"
)

const certificateColumns = `id, node_id, root_id, thumbprint, serial, cert_pem,
	issued_at, expires_at, is_active, revoked_at, COALESCE(revocation_reason, '')`

func scanCertificate(row pgx.Row) (cert.Certificate, error) {
	var c cert.Certificate
	err := row.Scan(
		&c.ID, &c.NodeID, &c.RootID, &c.Thumbprint, &c.Serial, &c.CertPEM,
		&c.IssuedAt, &c.ExpiresAt, &c.IsActive, &c.RevokedAt, &c.RevocationReason,
	)
	return c, err
}

func collectCertificates(rows pgx.Rows) ([]cert.Certificate, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (cert.Certificate, error) {
		return scanCertificate(row)
	})
}

// ActivateCertificate locks the node row, retires the current active
// certificate and inserts c. The partial unique index on
// (node_id) WHERE is_active backs the single-active rule.
func (s *Store) ActivateCertificate(ctx context.Context, c cert.Certificate, supersededReason string) ([]string, error) {
	var superseded []string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var nodeID string
		err := tx.QueryRow(ctx, `
			SELECT id FROM nodes
			WHERE id = $1 AND deleted_at IS NULL
			FOR UPDATE`, c.NodeID).Scan(&nodeID)
		if err != nil {
			return notFound(err)
		}

		rows, err := tx.Query(ctx, `
			UPDATE agent_certificates SET
				is_active = FALSE,
				revoked_at = COALESCE(revoked_at, $2),
				revocation_reason = COALESCE(revocation_reason, $3)
			WHERE node_id = $1 AND is_active
			RETURNING id`, c.NodeID, c.IssuedAt, supersededReason)
		if err != nil {
			return err
		}
		if superseded, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO agent_certificates (id, node_id, root_id, thumbprint, serial, cert_pem, issued_at, expires_at, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)`,
			c.ID, c.NodeID, c.RootID, c.Thumbprint, c.Serial, c.CertPEM, c.IssuedAt, c.ExpiresAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return superseded, nil
}

func (s *Store) GetCertificate(ctx context.Context, id string) (cert.Certificate, error) {
	c, err := scanCertificate(s.pool.QueryRow(ctx, `SELECT `+certificateColumns+` FROM agent_certificates WHERE id = $1`, id))
	if err != nil {
		return cert.Certificate{}, notFound(err)
	}
	return c, nil
}

func (s *Store) GetCertificateByThumbprint(ctx context.Context, thumbprint string) (cert.Certificate, error) {
	c, err := scanCertificate(s.pool.QueryRow(ctx, `SELECT `+certificateColumns+` FROM agent_certificates WHERE thumbprint = $1`, thumbprint))
	if err != nil {
		return cert.Certificate{}, notFound(err)
	}
	return c, nil
}

func (s *Store) RevokeCertificate(ctx context.Context, id, reason string, at time.Time) (cert.Certificate, bool, error) {
	c, err := scanCertificate(s.pool.QueryRow(ctx, `
		UPDATE agent_certificates SET is_active = FALSE, revoked_at = $3, revocation_reason = $2
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING `+certificateColumns, id, reason, at))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return cert.Certificate{}, false, notFound(err)
	}

	existing, err := s.GetCertificate(ctx, id)
	if err != nil {
		return cert.Certificate{}, false, err
	}
	return existing, false, nil
}

func (s *Store) ListCertificates(ctx context.Context, nodeID string) ([]cert.Certificate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+certificateColumns+` FROM agent_certificates
		WHERE node_id = $1
		ORDER BY issued_at DESC`, nodeID)
	if err != nil {
		return nil, notFound(err)
	}
	return collectCertificates(rows)
}

func (s *Store) ListRevokedCertificates(ctx context.Context, expiringAfter time.Time) ([]cert.Certificate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+certificateColumns+` FROM agent_certificates
		WHERE revoked_at IS NOT NULL AND expires_at > $1
		ORDER BY revoked_at`, expiringAfter)
	if err != nil {
		return nil, err
	}
	return collectCertificates(rows)
}
