package cert_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/keystore"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/store/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const leafValidity = 30 * 24 * time.Hour

type fixture struct {
	authority *cert.Authority
	registry  *nodes.Registry
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
	authority := cert.NewAuthority(st, keystore.New(st, sealer, clk), clk, nil, cert.Config{LeafValidity: leafValidity})
	_, err = authority.Bootstrap(context.Background())
	require.NoError(t, err)

	return fixture{
		authority: authority,
		registry:  nodes.NewRegistry(st, clk, nil, nodes.DefaultPolicy()),
		clock:     clk,
	}
}

func (f fixture) enroll(t *testing.T, name string) nodes.Node {
	t.Helper()
	node, err := f.registry.EnrollNode(context.Background(), "org-1", name, "linux/amd64", nodes.Capacity{MemoryMB: 4096})
	require.NoError(t, err)
	return node
}

func newCSR(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "ignored"},
	}, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func parseLeaf(t *testing.T, c cert.Certificate) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(c.CertPEM))
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return leaf
}

func (f fixture) verify(t *testing.T, leaf *x509.Certificate) error {
	t.Helper()
	bundle, err := f.authority.TrustBundle(context.Background())
	require.NoError(t, err)
	pool := x509.NewCertPool()
	for _, root := range bundle {
		pool.AddCert(root)
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:       pool,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		CurrentTime: f.clock.Now(),
	})
	return err
}

func TestBootstrapIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.authority.Bootstrap(ctx)
	require.NoError(t, err)
	second, err := f.authority.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	bundle, err := f.authority.TrustBundle(ctx)
	require.NoError(t, err)
	require.Len(t, bundle, 1)
	assert.True(t, bundle[0].IsCA)

	pub, ok := first.Certificate.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, elliptic.P256(), pub.Curve)
	assert.Equal(t, x509.ECDSAWithSHA256, first.Certificate.SignatureAlgorithm)
}

func TestIssueLeafCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	node := f.enroll(t, "edge-01")

	issued, err := f.authority.IssueLeafCertificate(ctx, node.ID, newCSR(t))
	require.NoError(t, err)
	assert.True(t, issued.IsActive)
	assert.Equal(t, node.ID, issued.NodeID)
	assert.True(t, start.Add(leafValidity).Equal(issued.ExpiresAt))

	leaf := parseLeaf(t, issued)
	assert.Equal(t, node.ID, leaf.Subject.CommonName)
	assert.Equal(t, cert.Thumbprint(leaf.Raw), issued.Thumbprint)
	assert.NoError(t, f.verify(t, leaf))

	resolved, err := f.authority.ResolveActive(ctx, issued.Thumbprint)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, resolved.ID)
}

func TestIssueLeafCertificateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	node := f.enroll(t, "edge-01")

	tests := []struct {
		name   string
		nodeID string
		csr    []byte
	}{
		{name: "garbage csr", nodeID: node.ID, csr: []byte("not a csr")},
		{name: "wrong pem type", nodeID: node.ID, csr: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}})},
		{name: "unknown node", nodeID: "missing", csr: newCSR(t)},
		{name: "empty node id", nodeID: "", csr: newCSR(t)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.authority.IssueLeafCertificate(ctx, tt.nodeID, tt.csr)
			assert.ErrorIs(t, err, cert.ErrIssuance)
		})
	}

	certs, err := f.authority.ListCertificates(ctx, node.ID)
	require.NoError(t, err)
	assert.Empty(t, certs)
}

func TestReissueSupersedesPreviousCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	node := f.enroll(t, "edge-01")

	first, err := f.authority.IssueLeafCertificate(ctx, node.ID, newCSR(t))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	second, err := f.authority.IssueLeafCertificate(ctx, node.ID, newCSR(t))
	require.NoError(t, err)

	certs, err := f.authority.ListCertificates(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, certs, 2)

	active := 0
	for _, c := range certs {
		if c.IsActive {
			active++
			assert.Equal(t, second.ID, c.ID)
		}
	}
	assert.Equal(t, 1, active)

	old, err := f.authority.GetCertificate(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, old.RevokedAt)
	assert.Equal(t, cert.ReasonSuperseded, old.RevocationReason)

	_, err = f.authority.ResolveActive(ctx, first.Thumbprint)
	assert.ErrorIs(t, err, cert.ErrCertificateNotFound)
	_, err = f.authority.ResolveActive(ctx, second.Thumbprint)
	assert.NoError(t, err)
}

func TestIssueAfterDecommissionFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	node := f.enroll(t, "edge-01")

	issued, err := f.authority.IssueLeafCertificate(ctx, node.ID, newCSR(t))
	require.NoError(t, err)

	_, err = f.registry.Decommission(ctx, node.ID, "")
	require.NoError(t, err)

	_, err = f.authority.ResolveActive(ctx, issued.Thumbprint)
	assert.ErrorIs(t, err, cert.ErrCertificateNotFound)

	_, err = f.authority.IssueLeafCertificate(ctx, node.ID, newCSR(t))
	assert.ErrorIs(t, err, cert.ErrIssuance)
}

func TestRevokeCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	node := f.enroll(t, "edge-01")

	issued, err := f.authority.IssueLeafCertificate(ctx, node.ID, newCSR(t))
	require.NoError(t, err)

	revoked, err := f.authority.RevokeCertificate(ctx, issued.ID, "key compromise")
	require.NoError(t, err)
	require.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, "key compromise", revoked.RevocationReason)

	f.clock.Advance(time.Minute)
	again, err := f.authority.RevokeCertificate(ctx, issued.ID, "other")
	require.NoError(t, err)
	assert.True(t, revoked.RevokedAt.Equal(*again.RevokedAt))
	assert.Equal(t, "key compromise", again.RevocationReason)

	_, err = f.authority.ResolveActive(ctx, issued.Thumbprint)
	assert.ErrorIs(t, err, cert.ErrCertificateNotFound)

	_, err = f.authority.RevokeCertificate(ctx, "missing", "")
	assert.ErrorIs(t, err, cert.ErrCertificateNotFound)

	der, err := f.authority.RevocationList(ctx)
	require.NoError(t, err)
	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)

	bundle, err := f.authority.TrustBundle(ctx)
	require.NoError(t, err)
	assert.NoError(t, crl.CheckSignatureFrom(bundle[0]))

	serial, ok := new(big.Int).SetString(issued.Serial, 16)
	require.True(t, ok)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, serial.Cmp(crl.RevokedCertificateEntries[0].SerialNumber))
}

func TestRevocationListDropsExpiredCertificates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	node := f.enroll(t, "edge-01")

	issued, err := f.authority.IssueLeafCertificate(ctx, node.ID, newCSR(t))
	require.NoError(t, err)
	_, err = f.authority.RevokeCertificate(ctx, issued.ID, "")
	require.NoError(t, err)

	f.clock.Advance(leafValidity + time.Second)
	der, err := f.authority.RevocationList(ctx)
	require.NoError(t, err)
	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	assert.Empty(t, crl.RevokedCertificateEntries)
}

func TestResolveActiveRejectsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	node := f.enroll(t, "edge-01")

	issued, err := f.authority.IssueLeafCertificate(ctx, node.ID, newCSR(t))
	require.NoError(t, err)

	f.clock.Set(issued.ExpiresAt.Add(-time.Second))
	_, err = f.authority.ResolveActive(ctx, issued.Thumbprint)
	assert.NoError(t, err)

	f.clock.Set(issued.ExpiresAt)
	_, err = f.authority.ResolveActive(ctx, issued.Thumbprint)
	assert.ErrorIs(t, err, cert.ErrCertificateNotFound)
}

func TestRotateRootKeepsIssuedLeavesValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	node := f.enroll(t, "edge-01")

	before, err := f.authority.IssueLeafCertificate(ctx, node.ID, newCSR(t))
	require.NoError(t, err)
	oldLeaf := parseLeaf(t, before)

	f.clock.Advance(time.Hour)
	root, err := f.authority.RotateRootCertificate(ctx)
	require.NoError(t, err)

	bundle, err := f.authority.TrustBundle(ctx)
	require.NoError(t, err)
	assert.Len(t, bundle, 2)
	assert.NoError(t, f.verify(t, oldLeaf))

	after, err := f.authority.IssueLeafCertificate(ctx, node.ID, newCSR(t))
	require.NoError(t, err)
	assert.Equal(t, root.ID, after.RootID)
	newLeaf := parseLeaf(t, after)
	assert.NoError(t, f.verify(t, newLeaf))
	assert.Equal(t, root.Certificate.Subject.String(), newLeaf.Issuer.String())

	// Once every leaf of the old root has expired it leaves the bundle.
	f.clock.Advance(leafValidity)
	bundle, err = f.authority.TrustBundle(ctx)
	require.NoError(t, err)
	require.Len(t, bundle, 1)
	assert.True(t, bundle[0].Equal(root.Certificate))
}

func TestIssueServerCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	serverCert, err := f.authority.IssueServerCertificate(ctx, []string{"fleet.example.com"}, []net.IP{net.ParseIP("10.0.0.1")})
	require.NoError(t, err)
	require.NotNil(t, serverCert.Leaf)
	assert.Len(t, serverCert.Certificate, 2)

	bundle, err := f.authority.TrustBundle(ctx)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(bundle[0])

	_, err = serverCert.Leaf.Verify(x509.VerifyOptions{
		DNSName:     "fleet.example.com",
		Roots:       pool,
		CurrentTime: f.clock.Now(),
	})
	assert.NoError(t, err)
	assert.Equal(t, "10.0.0.1", serverCert.Leaf.IPAddresses[0].String())
}
