package dto

import "time"

type EnrollRequest struct {
	Token    string      `json:"token" binding:"required"`
	Name     string      `json:"name" binding:"required"`
	Platform string      `json:"platform"`
	Capacity CapacityDTO `json:"capacity"`
	CSR      string      `json:"csr" binding:"required"`
}

type RenewRequest struct {
	CSR string `json:"csr" binding:"required"`
}

type EnrollResponse struct {
	NodeID        string    `json:"node_id"`
	OrgID         string    `json:"org_id"`
	Status        string    `json:"status"`
	CertificateID string    `json:"certificate_id"`
	Certificate   string    `json:"certificate"`
	TrustBundle   string    `json:"trust_bundle"`
	CertExpiresAt time.Time `json:"cert_expires_at"`
}

type HeartbeatRequest struct {
	SentAt  time.Time `json:"sent_at"`
	CPUPct  float64   `json:"cpu_pct"`
	MemPct  float64   `json:"mem_pct"`
	DiskPct float64   `json:"disk_pct"`
	Issues  []string  `json:"issues"`
}

type HeartbeatResponse struct {
	NodeID      string  `json:"node_id"`
	Status      string  `json:"status"`
	HealthScore float64 `json:"health_score"`
	Discarded   bool    `json:"discarded"`
}
