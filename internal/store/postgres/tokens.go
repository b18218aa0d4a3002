package postgres

import (
	"context"
	"time"

	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/jackc/pgx/v5"
)

const tokenColumns = `id, org_id, label, secret_hash, created_by, created_at, expires_at, used_at, revoked`

func scanToken(row pgx.Row) (provisioning.Token, error) {
	var t provisioning.Token
	err := row.Scan(&t.ID, &t.OrgID, &t.Label, &t.SecretHash, &t.CreatedBy, &t.CreatedAt, &t.ExpiresAt, &t.UsedAt, &t.Revoked)
	return t, err
}

func (s *Store) CreateToken(ctx context.Context, token provisioning.Token) (provisioning.Token, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO enrollment_tokens (id, org_id, label, secret_hash, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+tokenColumns,
		token.ID, token.OrgID, token.Label, token.SecretHash, token.CreatedBy, token.CreatedAt, token.ExpiresAt,
	)
	created, err := scanToken(row)
	if err != nil {
		if isUniqueViolation(err, "") {
			return provisioning.Token{}, store.Conflict("enrollment_token", token.ID, "secret hash already exists")
		}
		return provisioning.Token{}, err
	}
	return created, nil
}

// ConsumeToken is one conditional UPDATE. Under READ COMMITTED a second
// concurrent caller re-evaluates the predicate after the first commits and
// matches no row.
func (s *Store) ConsumeToken(ctx context.Context, secretHash string, now time.Time) (provisioning.Token, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE enrollment_tokens SET used_at = $2
		WHERE secret_hash = $1 AND used_at IS NULL AND NOT revoked AND expires_at > $2
		RETURNING `+tokenColumns, secretHash, now)
	t, err := scanToken(row)
	if err != nil {
		return provisioning.Token{}, notFound(err)
	}
	return t, nil
}

func (s *Store) RestoreToken(ctx context.Context, secretHash string) (provisioning.Token, error) {
	t, err := scanToken(s.pool.QueryRow(ctx, `
		UPDATE enrollment_tokens SET used_at = NULL
		WHERE secret_hash = $1 AND used_at IS NOT NULL AND NOT revoked
		RETURNING `+tokenColumns, secretHash))
	if err != nil {
		return provisioning.Token{}, notFound(err)
	}
	return t, nil
}

func (s *Store) GetTokenByHash(ctx context.Context, secretHash string) (provisioning.Token, error) {
	t, err := scanToken(s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM enrollment_tokens WHERE secret_hash = $1`, secretHash))
	if err != nil {
		return provisioning.Token{}, notFound(err)
	}
	return t, nil
}

func (s *Store) RevokeToken(ctx context.Context, id string) (provisioning.Token, error) {
	t, err := scanToken(s.pool.QueryRow(ctx, `
		UPDATE enrollment_tokens SET revoked = TRUE
		WHERE id = $1
		RETURNING `+tokenColumns, id))
	if err != nil {
		return provisioning.Token{}, notFound(err)
	}
	return t, nil
}

func (s *Store) ListTokens(ctx context.Context, orgID string) ([]provisioning.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+` FROM enrollment_tokens
		WHERE org_id = $1
		ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (provisioning.Token, error) {
		return scanToken(row)
	})
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM enrollment_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

