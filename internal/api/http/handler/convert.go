package handler

import (
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/reservations"
)

func toNodeResponse(n nodes.Node) dto.NodeResponse {
	return dto.NodeResponse{
		ID:       n.ID,
		OrgID:    n.OrgID,
		Name:     n.Name,
		Platform: n.Platform,
		Status:   string(n.Status),
		Capacity: dto.CapacityDTO{
			MemoryMB:      n.Capacity.MemoryMB,
			DiskMB:        n.Capacity.DiskMB,
			CPUMillicores: n.Capacity.CPUMillicores,
		},
		LastHeartbeat: n.LastHeartbeat,
		Metrics: dto.NodeMetrics{
			CPUPct:  n.Metrics.CPUPct,
			MemPct:  n.Metrics.MemPct,
			DiskPct: n.Metrics.DiskPct,
			Issues:  n.Metrics.Issues,
		},
		HealthScore: n.HealthScore,
		CreatedAt:   n.CreatedAt,
		UpdatedAt:   n.UpdatedAt,
		DeletedAt:   n.DeletedAt,
	}
}

func toTokenResponse(t provisioning.Token) dto.EnrollmentTokenResponse {
	return dto.EnrollmentTokenResponse{
		ID:        t.ID,
		OrgID:     t.OrgID,
		Label:     t.Label,
		CreatedBy: t.CreatedBy,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
		UsedAt:    t.UsedAt,
		Revoked:   t.Revoked,
	}
}

func toResources(r reservations.Resources) dto.CapacityDTO {
	return dto.CapacityDTO{
		MemoryMB:      r.MemoryMB,
		DiskMB:        r.DiskMB,
		CPUMillicores: r.CPUMillicores,
	}
}

func toReservationResponse(r reservations.Reservation) dto.ReservationResponse {
	return dto.ReservationResponse{
		ID:         r.ID,
		NodeID:     r.NodeID,
		Token:      r.Token,
		Status:     string(r.Status),
		Requested:  toResources(r.Requested),
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
		ClaimedAt:  r.ClaimedAt,
		ReleasedAt: r.ReleasedAt,
	}
}

func toCertificateResponse(c cert.Certificate) dto.CertificateResponse {
	return dto.CertificateResponse{
		ID:               c.ID,
		NodeID:           c.NodeID,
		Thumbprint:       c.Thumbprint,
		Serial:           c.Serial,
		IssuedAt:         c.IssuedAt,
		ExpiresAt:        c.ExpiresAt,
		IsActive:         c.IsActive,
		RevokedAt:        c.RevokedAt,
		RevocationReason: c.RevocationReason,
	}
}
