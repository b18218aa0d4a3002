package http

import (
	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http/handler"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/heartbeat"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/reservations"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Provisioning *provisioning.Service
	Registry     *nodes.Registry
	Reservations *reservations.Manager
	Authority    *cert.Authority
	Agents       *agents.Service
	Heartbeats   *heartbeat.Processor

	AuthConfig       auth.Config
	ClientCertHeader string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	caHandler := handler.NewCAHandler(srvs.Authority, srvs.Registry)
	engine.GET("/ca/bundle", caHandler.TrustBundle)
	engine.GET("/ca/crl", caHandler.RevocationList)

	agentHandler := handler.NewAgentHandler(srvs.Agents, srvs.Heartbeats)
	agent := engine.Group("/agent/v1")
	agent.POST("/enroll", agentHandler.Enroll)

	authenticatedAgent := agent.Group("")
	authenticatedAgent.Use(middleware.AgentCertificate(srvs.ClientCertHeader))
	authenticatedAgent.POST("/heartbeat", agentHandler.Heartbeat)
	authenticatedAgent.POST("/renew", agentHandler.Renew)

	api := engine.Group("/api/v1")
	api.Use(middleware.JWTAuth(srvs.AuthConfig))
	api.Use(middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator))

	enrollmentHandler := handler.NewEnrollmentHandler(srvs.Provisioning)
	api.POST("/enrollment-tokens", enrollmentHandler.CreateToken)
	api.GET("/enrollment-tokens", enrollmentHandler.ListTokens)
	api.DELETE("/enrollment-tokens/:id", enrollmentHandler.RevokeToken)

	nodeHandler := handler.NewNodeHandler(srvs.Registry, srvs.Reservations, srvs.Authority)
	api.GET("/nodes", nodeHandler.ListNodes)
	api.GET("/nodes/:id", nodeHandler.GetNode)
	api.POST("/nodes/:id/maintenance", nodeHandler.EnterMaintenance)
	api.DELETE("/nodes/:id/maintenance", nodeHandler.ExitMaintenance)
	api.POST("/nodes/:id/decommission", nodeHandler.Decommission)
	api.GET("/nodes/:id/certificates", nodeHandler.ListCertificates)
	api.GET("/nodes/:id/capacity", nodeHandler.GetCapacity)
	api.GET("/nodes/:id/reservations", nodeHandler.ListReservations)
	api.POST("/nodes/:id/reservations", nodeHandler.Reserve)

	reservationHandler := handler.NewReservationHandler(srvs.Reservations)
	api.POST("/reservations/:token/claim", reservationHandler.Claim)
	api.POST("/reservations/:token/release", reservationHandler.Release)

	api.POST("/certificates/:id/revoke", caHandler.RevokeCertificate)

	admin := api.Group("")
	admin.Use(middleware.RequireRole(auth.RoleAdmin))
	admin.POST("/ca/rotate", caHandler.RotateRoot)
}
