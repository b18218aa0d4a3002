package provisioning_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/store/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*provisioning.Service, *clock.Fake) {
	t.Helper()
	st, err := bolt.Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewFake(start)
	return provisioning.NewService(st, clk, nil), clk
}

func TestGenerateSecret(t *testing.T) {
	a, err := provisioning.GenerateSecret()
	require.NoError(t, err)
	b, err := provisioning.GenerateSecret()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "et_"))
	assert.NotEqual(t, a, b)
	assert.Len(t, provisioning.HashSecret(a), 64)
}

func TestCreateToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	token, secret, err := svc.CreateToken(ctx, "org-1", " rack 4 ", "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "rack 4", token.Label)
	assert.Equal(t, provisioning.HashSecret(secret), token.SecretHash)
	assert.True(t, token.ExpiresAt.Equal(start.Add(provisioning.DefaultTokenTTL)))

	tokens, err := svc.ListTokens(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Empty(t, tokens[0].SecretHash)

	others, err := svc.ListTokens(ctx, "org-2")
	require.NoError(t, err)
	assert.Empty(t, others)

	_, _, err = svc.CreateToken(ctx, "", "x", "user-1", time.Hour)
	assert.ErrorIs(t, err, provisioning.ErrInvalidInput)
}

func TestSetDefaultTTL(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	svc.SetDefaultTTL(0)
	svc.SetDefaultTTL(24 * time.Hour)
	token, _, err := svc.CreateToken(ctx, "org-1", "", "user-1", 0)
	require.NoError(t, err)
	assert.True(t, token.ExpiresAt.Equal(start.Add(24*time.Hour)))
}

func TestValidateAndConsume(t *testing.T) {
	ctx := context.Background()
	svc, clk := newService(t)

	t.Run("consumed once", func(t *testing.T) {
		_, secret, err := svc.CreateToken(ctx, "org-1", "", "user-1", time.Hour)
		require.NoError(t, err)

		orgID, err := svc.ValidateAndConsume(ctx, secret)
		require.NoError(t, err)
		assert.Equal(t, "org-1", orgID)

		_, err = svc.ValidateAndConsume(ctx, secret)
		assert.ErrorIs(t, err, provisioning.ErrInvalidToken)
	})

	t.Run("unknown secret", func(t *testing.T) {
		_, err := svc.ValidateAndConsume(ctx, "et_doesnotexist")
		assert.ErrorIs(t, err, provisioning.ErrInvalidToken)
		_, err = svc.ValidateAndConsume(ctx, "no-prefix")
		assert.ErrorIs(t, err, provisioning.ErrInvalidToken)
	})

	t.Run("revoked", func(t *testing.T) {
		token, secret, err := svc.CreateToken(ctx, "org-1", "", "user-1", time.Hour)
		require.NoError(t, err)
		require.NoError(t, svc.RevokeToken(ctx, token.ID))
		require.NoError(t, svc.RevokeToken(ctx, token.ID))

		_, err = svc.ValidateAndConsume(ctx, secret)
		assert.ErrorIs(t, err, provisioning.ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		_, secret, err := svc.CreateToken(ctx, "org-1", "", "user-1", time.Minute)
		require.NoError(t, err)
		clk.Advance(time.Minute)

		_, err = svc.ValidateAndConsume(ctx, secret)
		assert.ErrorIs(t, err, provisioning.ErrInvalidToken)
	})
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	svc, clk := newService(t)

	t.Run("used token becomes usable once more", func(t *testing.T) {
		_, secret, err := svc.CreateToken(ctx, "org-1", "", "user-1", time.Hour)
		require.NoError(t, err)
		_, err = svc.ValidateAndConsume(ctx, secret)
		require.NoError(t, err)

		require.NoError(t, svc.Restore(ctx, secret))
		orgID, err := svc.ValidateAndConsume(ctx, secret)
		require.NoError(t, err)
		assert.Equal(t, "org-1", orgID)
	})

	t.Run("unused token", func(t *testing.T) {
		_, secret, err := svc.CreateToken(ctx, "org-1", "", "user-1", time.Hour)
		require.NoError(t, err)
		assert.ErrorIs(t, svc.Restore(ctx, secret), provisioning.ErrInvalidToken)
	})

	t.Run("unknown token", func(t *testing.T) {
		assert.ErrorIs(t, svc.Restore(ctx, "et_doesnotexist"), provisioning.ErrInvalidToken)
	})

	t.Run("expiry still applies", func(t *testing.T) {
		_, secret, err := svc.CreateToken(ctx, "org-1", "", "user-1", time.Minute)
		require.NoError(t, err)
		_, err = svc.ValidateAndConsume(ctx, secret)
		require.NoError(t, err)
		clk.Advance(time.Minute)

		require.NoError(t, svc.Restore(ctx, secret))
		_, err = svc.ValidateAndConsume(ctx, secret)
		assert.ErrorIs(t, err, provisioning.ErrInvalidToken)
	})
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, secret, err := svc.CreateToken(ctx, "org-1", "", "user-1", time.Hour)
	require.NoError(t, err)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ValidateAndConsume(ctx, secret); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, provisioning.ErrInvalidToken)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestRevokeUnknownToken(t *testing.T) {
	svc, _ := newService(t)
	err := svc.RevokeToken(context.Background(), "missing")
	assert.ErrorIs(t, err, provisioning.ErrTokenNotFound)
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	svc, clk := newService(t)

	_, _, err := svc.CreateToken(ctx, "org-1", "short", "user-1", time.Hour)
	require.NoError(t, err)
	_, _, err = svc.CreateToken(ctx, "org-1", "long", "user-1", 30*24*time.Hour)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	n, err := svc.PurgeExpired(ctx, provisioning.DefaultPurgeAfter)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(provisioning.DefaultPurgeAfter)
	n, err = svc.PurgeExpired(ctx, provisioning.DefaultPurgeAfter)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tokens, err := svc.ListTokens(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "long", tokens[0].Label)
}
