package middleware

import (
	"net/http"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/gin-gonic/gin"
)

const (
	ContextUserID     = "user_id"
	ContextOrgID      = "org_id"
	ContextRole       = "role"
	ContextThumbprint = "agent_thumbprint"
)

func JWTAuth(cfg auth.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		claims, err := auth.ValidateToken(cfg, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextOrgID, claims.OrgID)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole := c.GetString(ContextRole)
		for _, r := range roles {
			if r == userRole {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

// AgentCertificate identifies the calling agent by the thumbprint of its
// verified TLS client certificate. When trustedHeader is set, the
// thumbprint is instead taken from that header, which must only be set by
// a TLS-terminating proxy in front of the server.
func AgentCertificate(trustedHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var thumbprint string
		switch {
		case c.Request.TLS != nil && len(c.Request.TLS.VerifiedChains) > 0:
			thumbprint = cert.Thumbprint(c.Request.TLS.VerifiedChains[0][0].Raw)
		case trustedHeader != "":
			thumbprint = strings.ToLower(strings.TrimSpace(c.GetHeader(trustedHeader)))
		}

		if thumbprint == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "client certificate required"})
			return
		}

		c.Set(ContextThumbprint, thumbprint)
		c.Next()
	}
}
