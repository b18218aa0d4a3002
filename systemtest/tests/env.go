// Package tests holds the system test cases. Each case receives a fully
// wired Env backed by a real PostgreSQL database and creates its own
// organization, so cases do not interfere.
package tests

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/heartbeat"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/reservations"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const ThumbprintHeader = "X-Client-Cert-Thumbprint"

type Env struct {
	Engine     *gin.Engine
	Clock      *clock.Fake
	AuthConfig auth.Config

	NodeStore nodes.Repository

	Tokens       *provisioning.Service
	Registry     *nodes.Registry
	Reservations *reservations.Manager
	Authority    *cert.Authority
	Agents       *agents.Service
	Heartbeats   *heartbeat.Processor
}

func newOrg() string {
	return "org-" + uuid.NewString()
}

func newCSR(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{}, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

// enrollNode enrolls an agent for orgID through the agent service.
func enrollNode(t *testing.T, env *Env, orgID, name string, memoryMB int64) agents.Enrollment {
	t.Helper()
	ctx := context.Background()
	_, secret, err := env.Tokens.CreateToken(ctx, orgID, name, "systemtest", time.Hour)
	require.NoError(t, err)

	enrollment, err := env.Agents.Enroll(ctx, secret, agents.EnrollRequest{
		Name:     name,
		Platform: "linux/amd64",
		Capacity: nodes.Capacity{MemoryMB: memoryMB, DiskMB: 100000, CPUMillicores: 8000},
		CSRPEM:   newCSR(t),
	})
	require.NoError(t, err)
	return enrollment
}

func operatorToken(t *testing.T, env *Env, orgID string) string {
	t.Helper()
	token, err := auth.SignToken(env.AuthConfig, "systemtest", orgID, auth.RoleOperator, time.Hour)
	require.NoError(t, err)
	return token
}

func doJSON(router *gin.Engine, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func doJSONWithAuth(router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	return doJSON(router, method, path, body, "Authorization", "Bearer "+token)
}
