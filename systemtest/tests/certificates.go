package tests

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSingleActiveCertificate re-issues a node's certificate from several
// goroutines. Every issuance succeeds and exactly one certificate stays
// active; the rest are revoked as superseded.
func TestSingleActiveCertificate(t *testing.T, env *Env) {
	ctx := context.Background()
	enrollment := enrollNode(t, env, newOrg(), "edge-01", 4096)
	nodeID := enrollment.Node.ID

	const issuers = 8
	var wg sync.WaitGroup
	for range issuers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Authority.IssueLeafCertificate(ctx, nodeID, newCSR(t))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	certs, err := env.Authority.ListCertificates(ctx, nodeID)
	require.NoError(t, err)
	require.Len(t, certs, issuers+1)

	active := 0
	for _, c := range certs {
		if c.IsActive {
			active++
			assert.Nil(t, c.RevokedAt)
			continue
		}
		require.NotNil(t, c.RevokedAt)
		assert.Equal(t, cert.ReasonSuperseded, c.RevocationReason)
	}
	assert.Equal(t, 1, active)

	_, err = env.Authority.ResolveActive(ctx, enrollment.Certificate.Thumbprint)
	assert.ErrorIs(t, err, cert.ErrCertificateNotFound)
}

// TestRootRotation rotates the root and checks certificates signed by the
// old root still verify against the published bundle.
func TestRootRotation(t *testing.T, env *Env) {
	ctx := context.Background()
	enrollment := enrollNode(t, env, newOrg(), "edge-01", 4096)

	_, err := env.Authority.RotateRootCertificate(ctx)
	require.NoError(t, err)

	bundle, err := env.Authority.TrustBundle(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(bundle), 2)

	pool := x509.NewCertPool()
	for _, root := range bundle {
		pool.AddCert(root)
	}

	block, _ := pem.Decode([]byte(enrollment.Certificate.CertPEM))
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:       pool,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		CurrentTime: env.Clock.Now().Add(time.Minute),
	})
	assert.NoError(t, err)

	renewed, err := env.Agents.Renew(ctx, enrollment.Certificate.Thumbprint, newCSR(t))
	require.NoError(t, err)
	assert.NotEqual(t, enrollment.Certificate.RootID, renewed.Certificate.RootID)
}
