package handler

import (
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/gin-gonic/gin"
)

type CAHandler struct {
	authority *cert.Authority
	registry  *nodes.Registry
}

func NewCAHandler(authority *cert.Authority, registry *nodes.Registry) *CAHandler {
	return &CAHandler{
		authority: authority,
		registry:  registry,
	}
}

// TrustBundle returns the PEM roots agents and relying parties must trust
// GET /ca/bundle
func (h *CAHandler) TrustBundle(c *gin.Context) {
	bundle, err := h.authority.TrustBundlePEM(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to load trust bundle")
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", bundle)
}

// RevocationList GET /ca/crl
func (h *CAHandler) RevocationList(c *gin.Context) {
	crl, err := h.authority.RevocationList(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to build revocation list")
		return
	}
	c.Data(http.StatusOK, "application/pkix-crl", crl)
}

// RotateRoot replaces the active root. The previous root stays in the
// trust bundle until leaves it signed have expired.
// POST /api/v1/ca/rotate
func (h *CAHandler) RotateRoot(c *gin.Context) {
	root, err := h.authority.RotateRootCertificate(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to rotate root certificate")
		return
	}
	c.JSON(http.StatusOK, dto.RotateRootResponse{
		RootID:   root.ID,
		NotAfter: root.Certificate.NotAfter,
	})
}

// RevokeCertificate POST /api/v1/certificates/:id/revoke
func (h *CAHandler) RevokeCertificate(c *gin.Context) {
	ctx := c.Request.Context()
	certificateID := c.Param("id")

	var req dto.RevokeCertificateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	current, err := h.authority.GetCertificate(ctx, certificateID)
	if err != nil {
		respondError(c, err, "Failed to get certificate", "certificate_id", certificateID)
		return
	}
	if !isAdmin(c) {
		node, err := h.registry.GetNode(ctx, current.NodeID)
		if err != nil || !orgAllowed(c, node.OrgID) {
			respondError(c, cert.ErrCertificateNotFound, "")
			return
		}
	}

	revoked, err := h.authority.RevokeCertificate(ctx, certificateID, req.Reason)
	if err != nil {
		respondError(c, err, "Failed to revoke certificate", "certificate_id", certificateID)
		return
	}
	c.JSON(http.StatusOK, toCertificateResponse(revoked))
}
