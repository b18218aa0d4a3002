package handler

import (
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/reservations"
	"github.com/gin-gonic/gin"
)

type NodeHandler struct {
	registry     *nodes.Registry
	reservations *reservations.Manager
	authority    *cert.Authority
}

func NewNodeHandler(registry *nodes.Registry, reservationManager *reservations.Manager, authority *cert.Authority) *NodeHandler {
	return &NodeHandler{
		registry:     registry,
		reservations: reservationManager,
		authority:    authority,
	}
}

// loadNode resolves the :id path parameter to a node the caller may see.
// Nodes of other organizations are reported as not found.
func (h *NodeHandler) loadNode(c *gin.Context) (nodes.Node, bool) {
	nodeID := c.Param("id")
	node, err := h.registry.GetNode(c.Request.Context(), nodeID)
	if err != nil {
		respondError(c, err, "Failed to get node", "node_id", nodeID)
		return nodes.Node{}, false
	}
	if !orgAllowed(c, node.OrgID) {
		respondError(c, nodes.ErrNodeNotFound, "")
		return nodes.Node{}, false
	}
	return node, true
}

// ListNodes returns the live nodes of an organization
// GET /api/v1/nodes
func (h *NodeHandler) ListNodes(c *gin.Context) {
	orgID := c.Query("org_id")
	if orgID == "" {
		orgID = c.GetString(middleware.ContextOrgID)
	}
	if !orgAllowed(c, orgID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	list, err := h.registry.ListNodes(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, err, "Failed to list nodes", "org_id", orgID)
		return
	}

	responses := make([]dto.NodeResponse, len(list))
	for i, n := range list {
		responses[i] = toNodeResponse(n)
	}
	c.JSON(http.StatusOK, dto.ListNodesResponse{Nodes: responses})
}

// GetNode GET /api/v1/nodes/:id
func (h *NodeHandler) GetNode(c *gin.Context) {
	node, ok := h.loadNode(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toNodeResponse(node))
}

// EnterMaintenance POST /api/v1/nodes/:id/maintenance
func (h *NodeHandler) EnterMaintenance(c *gin.Context) {
	node, ok := h.loadNode(c)
	if !ok {
		return
	}

	updated, err := h.registry.EnterMaintenance(c.Request.Context(), node.ID)
	if err != nil {
		respondError(c, err, "Failed to enter maintenance", "node_id", node.ID)
		return
	}
	c.JSON(http.StatusOK, toNodeResponse(updated))
}

// ExitMaintenance DELETE /api/v1/nodes/:id/maintenance
func (h *NodeHandler) ExitMaintenance(c *gin.Context) {
	node, ok := h.loadNode(c)
	if !ok {
		return
	}

	updated, err := h.registry.ExitMaintenance(c.Request.Context(), node.ID)
	if err != nil {
		respondError(c, err, "Failed to exit maintenance", "node_id", node.ID)
		return
	}
	c.JSON(http.StatusOK, toNodeResponse(updated))
}

// Decommission retires a node, revoking its certificate and releasing its
// reservations
// POST /api/v1/nodes/:id/decommission
func (h *NodeHandler) Decommission(c *gin.Context) {
	node, ok := h.loadNode(c)
	if !ok {
		return
	}

	var req dto.DecommissionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := h.registry.Decommission(c.Request.Context(), node.ID, req.Reason)
	if err != nil {
		respondError(c, err, "Failed to decommission node", "node_id", node.ID)
		return
	}

	c.JSON(http.StatusOK, dto.DecommissionResponse{
		Node:                   toNodeResponse(result.Node),
		RevokedCertificateIDs:  nonNil(result.RevokedCertificateIDs),
		ReleasedReservationIDs: nonNil(result.ReleasedReservationIDs),
	})
}

// ListCertificates GET /api/v1/nodes/:id/certificates
func (h *NodeHandler) ListCertificates(c *gin.Context) {
	node, ok := h.loadNode(c)
	if !ok {
		return
	}

	certs, err := h.authority.ListCertificates(c.Request.Context(), node.ID)
	if err != nil {
		respondError(c, err, "Failed to list certificates", "node_id", node.ID)
		return
	}

	responses := make([]dto.CertificateResponse, len(certs))
	for i, crt := range certs {
		responses[i] = toCertificateResponse(crt)
	}
	c.JSON(http.StatusOK, dto.ListCertificatesResponse{Certificates: responses})
}

// GetCapacity GET /api/v1/nodes/:id/capacity
func (h *NodeHandler) GetCapacity(c *gin.Context) {
	node, ok := h.loadNode(c)
	if !ok {
		return
	}

	capacity, err := h.reservations.GetAvailableCapacity(c.Request.Context(), node.ID)
	if err != nil {
		respondError(c, err, "Failed to read capacity", "node_id", node.ID)
		return
	}

	c.JSON(http.StatusOK, dto.CapacityResponse{
		NodeID:    capacity.NodeID,
		Total:     toResources(capacity.Total),
		Reserved:  toResources(capacity.Reserved),
		Available: toResources(capacity.Available),
	})
}

// ListReservations GET /api/v1/nodes/:id/reservations
func (h *NodeHandler) ListReservations(c *gin.Context) {
	node, ok := h.loadNode(c)
	if !ok {
		return
	}

	list, err := h.reservations.ListReservations(c.Request.Context(), node.ID)
	if err != nil {
		respondError(c, err, "Failed to list reservations", "node_id", node.ID)
		return
	}

	responses := make([]dto.ReservationResponse, len(list))
	for i, r := range list {
		responses[i] = toReservationResponse(r)
	}
	c.JSON(http.StatusOK, dto.ListReservationsResponse{Reservations: responses})
}

// Reserve holds capacity on a node until it is claimed, released or expires
// POST /api/v1/nodes/:id/reservations
func (h *NodeHandler) Reserve(c *gin.Context) {
	node, ok := h.loadNode(c)
	if !ok {
		return
	}

	var req dto.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	requested := reservations.Resources{
		MemoryMB:      req.MemoryMB,
		DiskMB:        req.DiskMB,
		CPUMillicores: req.CPUMillicores,
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second

	r, err := h.reservations.Reserve(c.Request.Context(), node.ID, requested, ttl)
	if err != nil {
		respondError(c, err, "Failed to reserve capacity", "node_id", node.ID)
		return
	}
	c.JSON(http.StatusCreated, toReservationResponse(r))
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
