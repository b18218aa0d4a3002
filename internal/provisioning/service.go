package provisioning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/silo-fleet/internal/audit"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/google/uuid"
)

const (
	tokenPrefix = "et_"
	tokenLength = 32 // 32 bytes = 256 bits

	DefaultTokenTTL   = time.Hour
	DefaultPurgeAfter = 7 * 24 * time.Hour
)

var (
	ErrInvalidToken  = errors.New("enrollment token invalid")
	ErrTokenNotFound = errors.New("enrollment token not found")
	ErrInvalidInput  = errors.New("invalid enrollment token request")
)

type Service struct {
	repo       Repository
	clock      clock.Clock
	audit      *audit.Publisher
	defaultTTL time.Duration
}

func NewService(repo Repository, clk clock.Clock, publisher *audit.Publisher) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		repo:       repo,
		clock:      clk,
		audit:      publisher,
		defaultTTL: DefaultTokenTTL,
	}
}

// SetDefaultTTL changes the lifetime of tokens created without one.
func (s *Service) SetDefaultTTL(ttl time.Duration) {
	if ttl > 0 {
		s.defaultTTL = ttl
	}
}

// GenerateSecret creates a new plaintext enrollment secret with crypto/rand
func GenerateSecret() (string, error) {
	bytes := make([]byte, tokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// HashSecret computes the SHA-256 hash of the secret
func HashSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return fmt.Sprintf("%x", hash)
}

// CreateToken stores a new enrollment token for orgID and returns it with
// its plaintext secret. The plaintext is never persisted and cannot be
// recovered later.
func (s *Service) CreateToken(ctx context.Context, orgID, label, createdByUserID string, ttl time.Duration) (Token, string, error) {
	if orgID == "" || createdByUserID == "" {
		return Token{}, "", fmt.Errorf("%w: organization and creator are required", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	secret, err := GenerateSecret()
	if err != nil {
		return Token{}, "", fmt.Errorf("failed to generate secret: %w", err)
	}

	now := s.clock.Now()
	token, err := s.repo.CreateToken(ctx, Token{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		Label:      strings.TrimSpace(label),
		SecretHash: HashSecret(secret),
		CreatedBy:  createdByUserID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		return Token{}, "", fmt.Errorf("failed to store token: %w", err)
	}

	metrics.EnrollmentTokens.WithLabelValues("created").Inc()
	slog.Info("Enrollment token created",
		"token_id", token.ID,
		"org_id", orgID,
		"created_by", createdByUserID,
		"expires_at", token.ExpiresAt)

	s.audit.Emit(ctx, audit.Event{
		Type:  audit.EventTokenCreated,
		OrgID: orgID,
		Attributes: map[string]string{
			"token_id":   token.ID,
			"label":      token.Label,
			"created_by": createdByUserID,
		},
	})

	return token, secret, nil
}

// ValidateAndConsume burns the token identified by secret and returns the
// organization it was issued for. Unknown, expired, revoked and already
// used tokens all fail with ErrInvalidToken. Consumption is one conditional
// update, so concurrent callers presenting the same secret get exactly one
// success.
func (s *Service) ValidateAndConsume(ctx context.Context, secret string) (string, error) {
	if !strings.HasPrefix(secret, tokenPrefix) {
		metrics.EnrollmentTokens.WithLabelValues("rejected").Inc()
		return "", ErrInvalidToken
	}

	hash := HashSecret(secret)
	token, err := s.repo.ConsumeToken(ctx, hash, s.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.EnrollmentTokens.WithLabelValues("rejected").Inc()
			s.logRejection(ctx, hash)
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("failed to consume token: %w", err)
	}

	metrics.EnrollmentTokens.WithLabelValues("consumed").Inc()
	slog.Info("Enrollment token consumed", "token_id", token.ID, "org_id", token.OrgID)

	s.audit.Emit(ctx, audit.Event{
		Type:       audit.EventTokenConsumed,
		OrgID:      token.OrgID,
		Attributes: map[string]string{"token_id": token.ID},
	})

	return token.OrgID, nil
}

// Restore makes a token consumed by ValidateAndConsume usable again. It is
// only for a caller that consumed the token and then could not use it for a
// reason the agent can correct, such as a node name collision. Revoked
// tokens stay revoked and expiry is unchanged.
func (s *Service) Restore(ctx context.Context, secret string) error {
	token, err := s.repo.RestoreToken(ctx, HashSecret(secret))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("failed to restore token: %w", err)
	}

	metrics.EnrollmentTokens.WithLabelValues("restored").Inc()
	slog.Info("Enrollment token restored", "token_id", token.ID, "org_id", token.OrgID)
	return nil
}

// logRejection records why a consumption failed. It is diagnostic only:
// the caller always sees ErrInvalidToken.
func (s *Service) logRejection(ctx context.Context, hash string) {
	token, err := s.repo.GetTokenByHash(ctx, hash)
	if err != nil {
		slog.Warn("Enrollment attempt with unknown token")
		return
	}

	reason := "expired"
	switch {
	case token.Revoked:
		reason = "revoked"
	case token.UsedAt != nil:
		reason = "already used"
	}
	slog.Warn("Enrollment attempt with unusable token",
		"token_id", token.ID,
		"org_id", token.OrgID,
		"reason", reason)
}

// RevokeToken prevents any later consumption of the token. Revoking a token
// twice succeeds.
func (s *Service) RevokeToken(ctx context.Context, tokenID string) error {
	token, err := s.repo.RevokeToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	metrics.EnrollmentTokens.WithLabelValues("revoked").Inc()
	slog.Info("Enrollment token revoked", "token_id", tokenID, "org_id", token.OrgID)

	s.audit.Emit(ctx, audit.Event{
		Type:       audit.EventTokenRevoked,
		OrgID:      token.OrgID,
		Attributes: map[string]string{"token_id": tokenID},
	})
	return nil
}

// ListTokens returns the organization's tokens with hashes redacted.
func (s *Service) ListTokens(ctx context.Context, orgID string) ([]Token, error) {
	tokens, err := s.repo.ListTokens(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	for i := range tokens {
		tokens[i].SecretHash = ""
	}
	return tokens, nil
}

// PurgeExpired deletes tokens that expired more than retention ago
// (cleanup task).
func (s *Service) PurgeExpired(ctx context.Context, retention time.Duration) (int, error) {
	n, err := s.repo.DeleteExpiredTokens(ctx, s.clock.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired tokens: %w", err)
	}
	if n > 0 {
		slog.Debug("Purged expired enrollment tokens", "removed", n)
	}
	return n, nil
}
