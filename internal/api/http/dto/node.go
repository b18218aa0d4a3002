package dto

import "time"

type CapacityDTO struct {
	MemoryMB      int64 `json:"memory_mb"`
	DiskMB        int64 `json:"disk_mb"`
	CPUMillicores int64 `json:"cpu_millicores"`
}

type NodeMetrics struct {
	CPUPct  float64  `json:"cpu_pct"`
	MemPct  float64  `json:"mem_pct"`
	DiskPct float64  `json:"disk_pct"`
	Issues  []string `json:"issues,omitempty"`
}

type NodeResponse struct {
	ID            string      `json:"id"`
	OrgID         string      `json:"org_id"`
	Name          string      `json:"name"`
	Platform      string      `json:"platform"`
	Status        string      `json:"status"`
	Capacity      CapacityDTO `json:"capacity"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	Metrics       NodeMetrics `json:"metrics"`
	HealthScore   float64     `json:"health_score"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	DeletedAt     *time.Time  `json:"deleted_at,omitempty"`
}

type ListNodesResponse struct {
	Nodes []NodeResponse `json:"nodes"`
}

type DecommissionRequest struct {
	Reason string `json:"reason"`
}

type DecommissionResponse struct {
	Node                   NodeResponse `json:"node"`
	RevokedCertificateIDs  []string     `json:"revoked_certificate_ids"`
	ReleasedReservationIDs []string     `json:"released_reservation_ids"`
}
