package dto

import "time"

type ReserveRequest struct {
	MemoryMB      int64 `json:"memory_mb" binding:"min=0"`
	DiskMB        int64 `json:"disk_mb" binding:"min=0"`
	CPUMillicores int64 `json:"cpu_millicores" binding:"min=0"`
	TTLSeconds    int   `json:"ttl_seconds" binding:"min=0"`
}

type ReservationResponse struct {
	ID         string      `json:"id"`
	NodeID     string      `json:"node_id"`
	Token      string      `json:"token"`
	Status     string      `json:"status"`
	Requested  CapacityDTO `json:"requested"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
	ClaimedAt  *time.Time  `json:"claimed_at,omitempty"`
	ReleasedAt *time.Time  `json:"released_at,omitempty"`
}

type ListReservationsResponse struct {
	Reservations []ReservationResponse `json:"reservations"`
}

type CapacityResponse struct {
	NodeID    string      `json:"node_id"`
	Total     CapacityDTO `json:"total"`
	Reserved  CapacityDTO `json:"reserved"`
	Available CapacityDTO `json:"available"`
}
