package dto

import "time"

type CertificateResponse struct {
	ID               string     `json:"id"`
	NodeID           string     `json:"node_id"`
	Thumbprint       string     `json:"thumbprint"`
	Serial           string     `json:"serial"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	IsActive         bool       `json:"is_active"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
}

type RevokeCertificateRequest struct {
	Reason string `json:"reason"`
}

type RotateRootResponse struct {
	RootID   string    `json:"root_id"`
	NotAfter time.Time `json:"not_after"`
}
