// Package cert is the control plane's internal certificate authority. It
// signs short-lived client certificates for agents, keeps exactly one of
// them active per node, and rotates its root without invalidating leaves
// that are already deployed.
package cert

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/EternisAI/silo-fleet/internal/audit"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/keystore"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/google/uuid"
)

const (
	DefaultLeafValidity   = 90 * 24 * time.Hour
	DefaultRootValidity   = 10 * 365 * 24 * time.Hour
	DefaultServerValidity = 365 * 24 * time.Hour
	DefaultOrganization   = "Silo Fleet"

	crlValidity = 24 * time.Hour
)

// KeyStore holds root key material. Callers only ever receive signers.
type KeyStore interface {
	ActiveRoot(ctx context.Context) (*keystore.Root, error)
	RotateRoot(ctx context.Context, cert *x509.Certificate, key crypto.Signer, retainUntil time.Time) (*keystore.Root, error)
	TrustBundle(ctx context.Context) ([]*x509.Certificate, error)
	PruneRoots(ctx context.Context) (int, error)
}

type Config struct {
	LeafValidity time.Duration
	RootValidity time.Duration
	Organization string
}

func (c Config) withDefaults() Config {
	if c.LeafValidity <= 0 {
		c.LeafValidity = DefaultLeafValidity
	}
	if c.RootValidity <= 0 {
		c.RootValidity = DefaultRootValidity
	}
	if c.Organization == "" {
		c.Organization = DefaultOrganization
	}
	return c
}

type Authority struct {
	repo   Repository
	keys   KeyStore
	clock  clock.Clock
	audit  *audit.Publisher
	config Config
}

func NewAuthority(repo Repository, keys KeyStore, clk clock.Clock, publisher *audit.Publisher, cfg Config) *Authority {
	if clk == nil {
		clk = clock.Real()
	}
	return &Authority{
		repo:   repo,
		keys:   keys,
		clock:  clk,
		audit:  publisher,
		config: cfg.withDefaults(),
	}
}

func (a *Authority) Config() Config {
	return a.config
}

// Bootstrap makes sure an active root exists, generating the first one if
// needed. Concurrent bootstraps from several replicas converge on one root.
func (a *Authority) Bootstrap(ctx context.Context) (*keystore.Root, error) {
	root, err := a.keys.ActiveRoot(ctx)
	if err == nil {
		slog.Debug("Using existing root certificate", "root_id", root.ID, "not_after", root.Certificate.NotAfter)
		return root, nil
	}
	if !errors.Is(err, keystore.ErrNoActiveRoot) {
		return nil, fmt.Errorf("failed to load root certificate: %w", err)
	}

	slog.Info("Root certificate not found, generating new root")

	now := a.clock.Now()
	rootCert, rootKey, err := generateRoot(a.config.Organization, now, a.config.RootValidity)
	if err != nil {
		slog.Error("Failed to generate root certificate", "error", err)
		return nil, fmt.Errorf("failed to generate root certificate: %w", err)
	}

	root, err = a.keys.RotateRoot(ctx, rootCert, rootKey, now)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.Info("Another instance created the root certificate first")
			return a.keys.ActiveRoot(ctx)
		}
		return nil, fmt.Errorf("failed to store root certificate: %w", err)
	}

	slog.Info("Generated root certificate", "root_id", root.ID, "not_after", rootCert.NotAfter)
	return root, nil
}

// RotateRootCertificate replaces the signing root. The outgoing root stays
// in the trust bundle for one leaf validity period so every certificate it
// signed remains verifiable until it expires. Roots whose retention has
// ended are pruned.
func (a *Authority) RotateRootCertificate(ctx context.Context) (*keystore.Root, error) {
	var previousID string
	if previous, err := a.keys.ActiveRoot(ctx); err == nil {
		previousID = previous.ID
	} else if !errors.Is(err, keystore.ErrNoActiveRoot) {
		return nil, fmt.Errorf("failed to load root certificate: %w", err)
	}

	now := a.clock.Now()
	rootCert, rootKey, err := generateRoot(a.config.Organization, now, a.config.RootValidity)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root certificate: %w", err)
	}

	retainUntil := now.Add(a.config.LeafValidity)
	root, err := a.keys.RotateRoot(ctx, rootCert, rootKey, retainUntil)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate root certificate: %w", err)
	}

	if _, err := a.keys.PruneRoots(ctx); err != nil {
		slog.Warn("Failed to prune retired roots", "error", err)
	}

	slog.Info("Root certificate rotated",
		"root_id", root.ID,
		"previous_root_id", previousID,
		"previous_retained_until", retainUntil)

	a.audit.Emit(ctx, audit.Event{
		Type: audit.EventRootRotated,
		Attributes: map[string]string{
			"root_id":          root.ID,
			"previous_root_id": previousID,
			"retain_until":     retainUntil.Format(time.RFC3339),
		},
	})

	return root, nil
}

// IssueLeafCertificate signs the public key in csrPEM for nodeID and makes
// the result the node's only active certificate. The CSR subject is
// ignored; identity comes from nodeID, which callers must have verified.
func (a *Authority) IssueLeafCertificate(ctx context.Context, nodeID string, csrPEM []byte) (Certificate, error) {
	if nodeID == "" {
		metrics.CertificatesIssued.WithLabelValues("rejected").Inc()
		return Certificate{}, &IssuanceError{NodeID: nodeID, Reason: "node id is required"}
	}

	csr, err := ParseCSR(csrPEM)
	if err != nil {
		metrics.CertificatesIssued.WithLabelValues("rejected").Inc()
		return Certificate{}, &IssuanceError{NodeID: nodeID, Reason: "bad signing request", Err: err}
	}

	root, err := a.keys.ActiveRoot(ctx)
	if err != nil {
		metrics.CertificatesIssued.WithLabelValues("failed").Inc()
		return Certificate{}, &IssuanceError{NodeID: nodeID, Reason: "no signing root", Err: err}
	}

	now := a.clock.Now()
	leaf, err := signLeaf(root.Certificate, root.Signer, csr.PublicKey, nodeID, a.config.Organization, now, a.config.LeafValidity)
	if err != nil {
		metrics.CertificatesIssued.WithLabelValues("failed").Inc()
		slog.Error("Failed to sign leaf certificate", "node_id", nodeID, "error", err)
		return Certificate{}, &IssuanceError{NodeID: nodeID, Reason: "signing failed", Err: err}
	}

	issued := Certificate{
		ID:         uuid.NewString(),
		NodeID:     nodeID,
		RootID:     root.ID,
		Thumbprint: Thumbprint(leaf.Raw),
		Serial:     serialHex(leaf.SerialNumber),
		CertPEM:    string(EncodeCertificatePEM(leaf.Raw)),
		IssuedAt:   now,
		ExpiresAt:  leaf.NotAfter,
		IsActive:   true,
	}

	superseded, err := a.repo.ActivateCertificate(ctx, issued, ReasonSuperseded)
	if err != nil {
		metrics.CertificatesIssued.WithLabelValues("failed").Inc()
		if errors.Is(err, store.ErrNotFound) {
			return Certificate{}, &IssuanceError{NodeID: nodeID, Reason: "unknown or decommissioned node"}
		}
		return Certificate{}, fmt.Errorf("failed to store certificate: %w", err)
	}

	metrics.CertificatesIssued.WithLabelValues("issued").Inc()
	slog.Info("Issued agent certificate",
		"node_id", nodeID,
		"certificate_id", issued.ID,
		"serial", issued.Serial,
		"expires_at", issued.ExpiresAt,
		"superseded", len(superseded))

	a.audit.Emit(ctx, audit.Event{
		Type:   audit.EventCertificateIssued,
		NodeID: nodeID,
		Attributes: map[string]string{
			"certificate_id": issued.ID,
			"thumbprint":     issued.Thumbprint,
			"serial":         issued.Serial,
			"root_id":        root.ID,
		},
	})
	for _, id := range superseded {
		a.audit.Emit(ctx, audit.Event{
			Type:   audit.EventCertificateRevoked,
			NodeID: nodeID,
			Attributes: map[string]string{
				"certificate_id": id,
				"reason":         ReasonSuperseded,
			},
		})
	}

	return issued, nil
}

// RevokeCertificate revokes a certificate. Revoking an already revoked
// certificate succeeds and changes nothing.
func (a *Authority) RevokeCertificate(ctx context.Context, certificateID, reason string) (Certificate, error) {
	if reason == "" {
		reason = ReasonUnspecified
	}

	revoked, changed, err := a.repo.RevokeCertificate(ctx, certificateID, reason, a.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Certificate{}, ErrCertificateNotFound
		}
		return Certificate{}, fmt.Errorf("failed to revoke certificate: %w", err)
	}
	if !changed {
		return revoked, nil
	}

	slog.Info("Revoked agent certificate",
		"certificate_id", certificateID,
		"node_id", revoked.NodeID,
		"reason", reason)

	a.audit.Emit(ctx, audit.Event{
		Type:   audit.EventCertificateRevoked,
		NodeID: revoked.NodeID,
		Attributes: map[string]string{
			"certificate_id": certificateID,
			"reason":         reason,
		},
	})

	return revoked, nil
}

// ResolveActive returns the certificate with the given thumbprint if it is
// active, unrevoked and unexpired.
func (a *Authority) ResolveActive(ctx context.Context, thumbprint string) (Certificate, error) {
	c, err := a.repo.GetCertificateByThumbprint(ctx, thumbprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Certificate{}, ErrCertificateNotFound
		}
		return Certificate{}, fmt.Errorf("failed to resolve certificate: %w", err)
	}
	if !c.Valid(a.clock.Now()) {
		return Certificate{}, ErrCertificateNotFound
	}
	return c, nil
}

func (a *Authority) GetCertificate(ctx context.Context, id string) (Certificate, error) {
	c, err := a.repo.GetCertificate(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Certificate{}, ErrCertificateNotFound
		}
		return Certificate{}, fmt.Errorf("failed to get certificate: %w", err)
	}
	return c, nil
}

func (a *Authority) ListCertificates(ctx context.Context, nodeID string) ([]Certificate, error) {
	certs, err := a.repo.ListCertificates(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	return certs, nil
}

// TrustBundle returns the active root and every retired root still inside
// its retention window.
func (a *Authority) TrustBundle(ctx context.Context) ([]*x509.Certificate, error) {
	return a.keys.TrustBundle(ctx)
}

func (a *Authority) TrustBundlePEM(ctx context.Context) ([]byte, error) {
	roots, err := a.keys.TrustBundle(ctx)
	if err != nil {
		return nil, err
	}
	return EncodeCertificatesPEM(roots), nil
}

// RevocationList returns a DER CRL signed by the active root that lists
// every revoked leaf which has not yet expired.
func (a *Authority) RevocationList(ctx context.Context) ([]byte, error) {
	root, err := a.keys.ActiveRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load root certificate: %w", err)
	}

	now := a.clock.Now()
	revoked, err := a.repo.ListRevokedCertificates(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list revoked certificates: %w", err)
	}

	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, c := range revoked {
		serial, ok := new(big.Int).SetString(c.Serial, 16)
		if !ok || c.RevokedAt == nil {
			slog.Warn("Skipping malformed revoked certificate", "certificate_id", c.ID)
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: *c.RevokedAt,
		})
	}

	template := &x509.RevocationList{
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(crlValidity),
		RevokedCertificateEntries: entries,
	}

	crl, err := x509.CreateRevocationList(rand.Reader, template, root.Certificate, root.Signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create revocation list: %w", err)
	}
	return crl, nil
}

// IssueServerCertificate signs a serving certificate for the agent-facing
// TLS listener. The private key never leaves the process.
func (a *Authority) IssueServerCertificate(ctx context.Context, domainNames []string, ipAddresses []net.IP) (tls.Certificate, error) {
	root, err := a.keys.ActiveRoot(ctx)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load root certificate: %w", err)
	}

	if len(domainNames) == 0 {
		domainNames = []string{"localhost"}
	}
	if len(ipAddresses) == 0 {
		ipAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	serverCert, serverKey, err := generateServerCert(root.Certificate, root.Signer, a.config.Organization, domainNames, ipAddresses, a.clock.Now(), DefaultServerValidity)
	if err != nil {
		slog.Error("Failed to generate server certificate", "error", err)
		return tls.Certificate{}, err
	}

	slog.Info("Generated server certificate",
		"domains", domainNames,
		"ips", ipAddresses,
		"not_after", serverCert.NotAfter)

	return tls.Certificate{
		Certificate: [][]byte{serverCert.Raw, root.Certificate.Raw},
		PrivateKey:  serverKey,
		Leaf:        serverCert,
	}, nil
}
