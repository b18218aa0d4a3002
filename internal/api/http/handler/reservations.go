package handler

import (
	"net/http"

	"github.com/EternisAI/silo-fleet/internal/reservations"
	"github.com/gin-gonic/gin"
)

// ReservationHandler exposes claim and release. The reservation token is
// the credential for both, so no organization check is made beyond the
// operator login.
type ReservationHandler struct {
	reservations *reservations.Manager
}

func NewReservationHandler(reservationManager *reservations.Manager) *ReservationHandler {
	return &ReservationHandler{reservations: reservationManager}
}

// Claim POST /api/v1/reservations/:token/claim
func (h *ReservationHandler) Claim(c *gin.Context) {
	r, err := h.reservations.Claim(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err, "Failed to claim reservation")
		return
	}
	c.JSON(http.StatusOK, toReservationResponse(r))
}

// Release POST /api/v1/reservations/:token/release
func (h *ReservationHandler) Release(c *gin.Context) {
	r, err := h.reservations.Release(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err, "Failed to release reservation")
		return
	}
	c.JSON(http.StatusOK, toReservationResponse(r))
}
