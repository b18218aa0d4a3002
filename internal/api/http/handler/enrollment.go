package handler

import (
	"net/http"
	"slices"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/gin-gonic/gin"
)

type EnrollmentHandler struct {
	provisioningService *provisioning.Service
}

func NewEnrollmentHandler(provisioningService *provisioning.Service) *EnrollmentHandler {
	return &EnrollmentHandler{
		provisioningService: provisioningService,
	}
}

// CreateToken issues a one-time enrollment token
// POST /api/v1/enrollment-tokens
func (h *EnrollmentHandler) CreateToken(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req dto.CreateEnrollmentTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orgID := req.OrgID
	if orgID == "" {
		orgID = c.GetString(middleware.ContextOrgID)
	}
	if !orgAllowed(c, orgID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	token, secret, err := h.provisioningService.CreateToken(c.Request.Context(), orgID, req.Label, userID, ttl)
	if err != nil {
		respondError(c, err, "Failed to create enrollment token", "org_id", orgID, "user_id", userID)
		return
	}

	response := toTokenResponse(token)
	response.Token = secret // Only shown once
	c.JSON(http.StatusCreated, response)
}

// ListTokens returns the caller's organization tokens
// GET /api/v1/enrollment-tokens
func (h *EnrollmentHandler) ListTokens(c *gin.Context) {
	orgID := c.Query("org_id")
	if orgID == "" {
		orgID = c.GetString(middleware.ContextOrgID)
	}
	if !orgAllowed(c, orgID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	tokens, err := h.provisioningService.ListTokens(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, err, "Failed to list enrollment tokens", "org_id", orgID)
		return
	}

	responses := make([]dto.EnrollmentTokenResponse, len(tokens))
	for i, t := range tokens {
		responses[i] = toTokenResponse(t)
	}
	c.JSON(http.StatusOK, dto.ListEnrollmentTokensResponse{Tokens: responses})
}

// RevokeToken revokes an unused token
// DELETE /api/v1/enrollment-tokens/:id
func (h *EnrollmentHandler) RevokeToken(c *gin.Context) {
	tokenID := c.Param("id")
	ctx := c.Request.Context()

	if !isAdmin(c) {
		tokens, err := h.provisioningService.ListTokens(ctx, c.GetString(middleware.ContextOrgID))
		if err != nil {
			respondError(c, err, "Failed to list enrollment tokens", "token_id", tokenID)
			return
		}
		owned := slices.ContainsFunc(tokens, func(t provisioning.Token) bool { return t.ID == tokenID })
		if !owned {
			respondError(c, provisioning.ErrTokenNotFound, "")
			return
		}
	}

	if err := h.provisioningService.RevokeToken(ctx, tokenID); err != nil {
		respondError(c, err, "Failed to revoke enrollment token", "token_id", tokenID)
		return
	}
	c.Status(http.StatusNoContent)
}
