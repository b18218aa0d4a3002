package dto

import "time"

type CreateEnrollmentTokenRequest struct {
	OrgID      string `json:"org_id"`
	Label      string `json:"label"`
	TTLSeconds int    `json:"ttl_seconds" binding:"min=0"`
}

type EnrollmentTokenResponse struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	Token     string     `json:"token,omitempty"` // Only returned on creation
	Label     string     `json:"label,omitempty"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}

type ListEnrollmentTokensResponse struct {
	Tokens []EnrollmentTokenResponse `json:"tokens"`
}
