package cert

import (
	"context"
	"time"
)

const (
	ReasonSuperseded     = "superseded"
	ReasonDecommissioned = "decommissioned"
	ReasonUnspecified    = "unspecified"
)

// Certificate is an issued agent leaf certificate. Thumbprint is the
// lowercase hex SHA-256 of the DER encoding and is how agents are
// identified on every call after enrollment.
type Certificate struct {
	ID               string
	NodeID           string
	RootID           string
	Thumbprint       string
	Serial           string
	CertPEM          string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	IsActive         bool
	RevokedAt        *time.Time
	RevocationReason string
}

// Valid reports whether the certificate can authenticate an agent at now.
func (c Certificate) Valid(now time.Time) bool {
	return c.IsActive && c.RevokedAt == nil && now.Before(c.ExpiresAt)
}

// Repository persists agent certificates.
//
// ActivateCertificate stores cert as the node's only active certificate.
// In the same transaction it deactivates and revokes, with supersededReason,
// whichever certificate was active before, and returns those ids. The node
// must exist and not be deleted, otherwise store.ErrNotFound is returned
// and nothing is written.
//
// RevokeCertificate revokes the certificate if it is not revoked yet and
// reports whether this call changed it.
type Repository interface {
	ActivateCertificate(ctx context.Context, cert Certificate, supersededReason string) ([]string, error)
	GetCertificate(ctx context.Context, id string) (Certificate, error)
	GetCertificateByThumbprint(ctx context.Context, thumbprint string) (Certificate, error)
	RevokeCertificate(ctx context.Context, id, reason string, at time.Time) (Certificate, bool, error)
	ListCertificates(ctx context.Context, nodeID string) ([]Certificate, error)
	ListRevokedCertificates(ctx context.Context, expiringAfter time.Time) ([]Certificate, error)
}
