package agents_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/heartbeat"
	"github.com/EternisAI/silo-fleet/internal/keystore"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/store/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	agents    *agents.Service
	tokens    *provisioning.Service
	registry  *nodes.Registry
	authority *cert.Authority
	clock     *clock.Fake
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, err := bolt.Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sealer, err := keystore.NewSealer(bytes.Repeat([]byte("m"), 32))
	require.NoError(t, err)

	clk := clock.NewFake(start)
	authority := cert.NewAuthority(st, keystore.New(st, sealer, clk), clk, nil, cert.Config{})
	_, err = authority.Bootstrap(context.Background())
	require.NoError(t, err)

	tokens := provisioning.NewService(st, clk, nil)
	registry := nodes.NewRegistry(st, clk, nil, nodes.DefaultPolicy())
	return fixture{
		agents:    agents.NewService(tokens, registry, authority),
		tokens:    tokens,
		registry:  registry,
		authority: authority,
		clock:     clk,
	}
}

func (f fixture) secret(t *testing.T) string {
	t.Helper()
	_, secret, err := f.tokens.CreateToken(context.Background(), "org-1", "", "user-1", time.Hour)
	require.NoError(t, err)
	return secret
}

func newCSR(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{}, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func enrollRequest(t *testing.T, name string) agents.EnrollRequest {
	return agents.EnrollRequest{
		Name:     name,
		Platform: "linux/arm64",
		Capacity: nodes.Capacity{MemoryMB: 8192, DiskMB: 50000, CPUMillicores: 4000},
		CSRPEM:   newCSR(t),
	}
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	enrollment, err := f.agents.Enroll(ctx, f.secret(t), enrollRequest(t, "edge-01"))
	require.NoError(t, err)

	assert.Equal(t, "org-1", enrollment.Node.OrgID)
	assert.Equal(t, nodes.StatusEnrolling, enrollment.Node.Status)
	assert.Equal(t, enrollment.Node.ID, enrollment.Certificate.NodeID)
	assert.True(t, enrollment.Certificate.IsActive)
	assert.Contains(t, string(enrollment.TrustBundlePEM), "BEGIN CERTIFICATE")

	_, err = f.authority.ResolveActive(ctx, enrollment.Certificate.Thumbprint)
	assert.NoError(t, err)
}

func TestEnrollWithUsedToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	secret := f.secret(t)

	_, err := f.agents.Enroll(ctx, secret, enrollRequest(t, "edge-01"))
	require.NoError(t, err)

	_, err = f.agents.Enroll(ctx, secret, enrollRequest(t, "edge-02"))
	assert.ErrorIs(t, err, provisioning.ErrInvalidToken)

	list, err := f.registry.ListNodes(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEnrollWithBadCSRKeepsToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	secret := f.secret(t)

	req := enrollRequest(t, "edge-01")
	req.CSRPEM = []byte("garbage")
	_, err := f.agents.Enroll(ctx, secret, req)
	assert.ErrorIs(t, err, cert.ErrIssuance)

	_, err = f.agents.Enroll(ctx, secret, enrollRequest(t, "edge-01"))
	assert.NoError(t, err)
}

func TestEnrollWithTakenName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.agents.Enroll(ctx, f.secret(t), enrollRequest(t, "edge-01"))
	require.NoError(t, err)

	secret := f.secret(t)
	_, err = f.agents.Enroll(ctx, secret, enrollRequest(t, "Edge-01"))
	assert.ErrorIs(t, err, nodes.ErrNameTaken)

	// The collision leaves the token usable for a retry under another name.
	enrollment, err := f.agents.Enroll(ctx, secret, enrollRequest(t, "edge-01-2"))
	require.NoError(t, err)
	assert.Equal(t, "edge-01-2", enrollment.Node.Name)

	_, err = f.agents.Enroll(ctx, secret, enrollRequest(t, "edge-01-3"))
	assert.ErrorIs(t, err, provisioning.ErrInvalidToken)
}

func TestEnrollWithInvalidRequestKeepsToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	secret := f.secret(t)

	tests := []struct {
		name     string
		nodeName string
		capacity nodes.Capacity
	}{
		{"empty capacity", "edge-01", nodes.Capacity{}},
		{"negative capacity", "edge-01", nodes.Capacity{MemoryMB: -1, DiskMB: 100, CPUMillicores: 1000}},
		{"blank name", "   ", nodes.Capacity{MemoryMB: 1024}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := enrollRequest(t, tt.nodeName)
			req.Capacity = tt.capacity
			_, err := f.agents.Enroll(ctx, secret, req)
			assert.ErrorIs(t, err, nodes.ErrInvalidNode)
		})
	}

	_, err := f.agents.Enroll(ctx, secret, enrollRequest(t, "edge-01"))
	assert.NoError(t, err)
}

func TestEnrollRevokedTokenNotRestored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	token, secret, err := f.tokens.CreateToken(ctx, "org-1", "", "user-1", time.Hour)
	require.NoError(t, err)
	_, err = f.tokens.ValidateAndConsume(ctx, secret)
	require.NoError(t, err)
	require.NoError(t, f.tokens.RevokeToken(ctx, token.ID))

	assert.ErrorIs(t, f.tokens.Restore(ctx, secret), provisioning.ErrInvalidToken)
	_, err = f.agents.Enroll(ctx, secret, enrollRequest(t, "edge-02"))
	assert.ErrorIs(t, err, provisioning.ErrInvalidToken)
}

func TestRenew(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	enrollment, err := f.agents.Enroll(ctx, f.secret(t), enrollRequest(t, "edge-01"))
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	renewed, err := f.agents.Renew(ctx, enrollment.Certificate.Thumbprint, newCSR(t))
	require.NoError(t, err)
	assert.Equal(t, enrollment.Node.ID, renewed.Node.ID)
	assert.NotEqual(t, enrollment.Certificate.ID, renewed.Certificate.ID)

	_, err = f.authority.ResolveActive(ctx, enrollment.Certificate.Thumbprint)
	assert.ErrorIs(t, err, cert.ErrCertificateNotFound)

	// The superseded certificate can no longer renew.
	_, err = f.agents.Renew(ctx, enrollment.Certificate.Thumbprint, newCSR(t))
	assert.ErrorIs(t, err, heartbeat.ErrUnauthenticatedAgent)
}

func TestRenewUnknownThumbprint(t *testing.T) {
	f := newFixture(t)
	_, err := f.agents.Renew(context.Background(), "deadbeef", newCSR(t))
	assert.ErrorIs(t, err, heartbeat.ErrUnauthenticatedAgent)
}
