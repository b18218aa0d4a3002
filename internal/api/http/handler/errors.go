package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/heartbeat"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/reservations"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors to HTTP status codes. Unknown errors are
// internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, provisioning.ErrInvalidToken),
		errors.Is(err, heartbeat.ErrUnauthenticatedAgent):
		return http.StatusUnauthorized
	case errors.Is(err, nodes.ErrNodeNotFound),
		errors.Is(err, reservations.ErrNodeNotFound),
		errors.Is(err, reservations.ErrReservationNotFound),
		errors.Is(err, provisioning.ErrTokenNotFound),
		errors.Is(err, cert.ErrCertificateNotFound):
		return http.StatusNotFound
	case errors.Is(err, nodes.ErrNameTaken),
		errors.Is(err, nodes.ErrInvalidTransition),
		errors.Is(err, reservations.ErrInsufficientCapacity),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, reservations.ErrReservationExpired):
		return http.StatusGone
	case errors.Is(err, cert.ErrIssuance),
		errors.Is(err, nodes.ErrInvalidNode),
		errors.Is(err, reservations.ErrInvalidRequest),
		errors.Is(err, provisioning.ErrInvalidInput),
		errors.Is(err, heartbeat.ErrInvalidReport),
		errors.Is(err, heartbeat.ErrClockSkew):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error, msg string, attrs ...any) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(msg, append(attrs, "error", err)...)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// orgAllowed reports whether the caller may act on resources of orgID.
// Admins may act on any organization.
func orgAllowed(c *gin.Context, orgID string) bool {
	return isAdmin(c) || c.GetString(middleware.ContextOrgID) == orgID
}

func isAdmin(c *gin.Context) bool {
	return c.GetString(middleware.ContextRole) == auth.RoleAdmin
}
