package provisioning

import (
	"context"
	"time"
)

// Token is a one-time enrollment credential. Only the SHA-256 hash of the
// secret is stored.
type Token struct {
	ID         string
	OrgID      string
	Label      string
	SecretHash string
	CreatedBy  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	UsedAt     *time.Time
	Revoked    bool
}

func (t Token) Usable(now time.Time) bool {
	return t.UsedAt == nil && !t.Revoked && now.Before(t.ExpiresAt)
}

// Repository persists enrollment tokens.
//
// ConsumeToken must be a single conditional update: it sets used_at only on
// the row whose hash matches and which is unused, unrevoked and unexpired at
// now, and returns store.ErrNotFound when no such row exists. Of any number
// of concurrent callers, exactly one may succeed.
//
// RestoreToken clears used_at on a used, unrevoked token and returns
// store.ErrNotFound when the token is unknown, unused or revoked.
type Repository interface {
	CreateToken(ctx context.Context, token Token) (Token, error)
	ConsumeToken(ctx context.Context, secretHash string, now time.Time) (Token, error)
	RestoreToken(ctx context.Context, secretHash string) (Token, error)
	GetTokenByHash(ctx context.Context, secretHash string) (Token, error)
	RevokeToken(ctx context.Context, id string) (Token, error)
	ListTokens(ctx context.Context, orgID string) ([]Token, error)
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error)
}
