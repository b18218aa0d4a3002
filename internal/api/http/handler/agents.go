package handler

import (
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/heartbeat"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/gin-gonic/gin"
)

// AgentHandler serves the agent-facing API. Enrollment authenticates with
// an enrollment token; everything else with the agent's client certificate.
type AgentHandler struct {
	agentService *agents.Service
	processor    *heartbeat.Processor
}

func NewAgentHandler(agentService *agents.Service, processor *heartbeat.Processor) *AgentHandler {
	return &AgentHandler{
		agentService: agentService,
		processor:    processor,
	}
}

// Enroll POST /agent/v1/enroll
func (h *AgentHandler) Enroll(c *gin.Context) {
	var req dto.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enrollment, err := h.agentService.Enroll(c.Request.Context(), req.Token, agents.EnrollRequest{
		Name:     req.Name,
		Platform: req.Platform,
		Capacity: nodes.Capacity{
			MemoryMB:      req.Capacity.MemoryMB,
			DiskMB:        req.Capacity.DiskMB,
			CPUMillicores: req.Capacity.CPUMillicores,
		},
		CSRPEM: []byte(req.CSR),
	})
	if err != nil {
		respondError(c, err, "Failed to enroll agent", "name", req.Name)
		return
	}

	c.JSON(http.StatusCreated, toEnrollResponse(enrollment))
}

// Renew POST /agent/v1/renew
func (h *AgentHandler) Renew(c *gin.Context) {
	var req dto.RenewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	thumbprint := c.GetString(middleware.ContextThumbprint)
	enrollment, err := h.agentService.Renew(c.Request.Context(), thumbprint, []byte(req.CSR))
	if err != nil {
		respondError(c, err, "Failed to renew agent certificate", "thumbprint", thumbprint)
		return
	}

	c.JSON(http.StatusOK, toEnrollResponse(enrollment))
}

// Heartbeat POST /agent/v1/heartbeat
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	var req dto.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	thumbprint := c.GetString(middleware.ContextThumbprint)
	result, err := h.processor.ProcessHeartbeat(c.Request.Context(), thumbprint, heartbeat.Report{
		SentAt:  req.SentAt,
		CPUPct:  req.CPUPct,
		MemPct:  req.MemPct,
		DiskPct: req.DiskPct,
		Issues:  req.Issues,
	})
	if err != nil {
		respondError(c, err, "Failed to process heartbeat", "thumbprint", thumbprint)
		return
	}

	c.JSON(http.StatusOK, dto.HeartbeatResponse{
		NodeID:      result.NodeID,
		Status:      string(result.Status),
		HealthScore: result.HealthScore,
		Discarded:   result.Discarded,
	})
}

func toEnrollResponse(e agents.Enrollment) dto.EnrollResponse {
	return dto.EnrollResponse{
		NodeID:        e.Node.ID,
		OrgID:         e.Node.OrgID,
		Status:        string(e.Node.Status),
		CertificateID: e.Certificate.ID,
		Certificate:   e.Certificate.CertPEM,
		TrustBundle:   string(e.TrustBundlePEM),
		CertExpiresAt: e.Certificate.ExpiresAt,
	}
}
