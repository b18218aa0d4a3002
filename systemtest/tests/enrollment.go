package tests

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEnrollmentFlow drives enrollment, heartbeats and node listing over
// the HTTP API.
func TestEnrollmentFlow(t *testing.T, env *Env) {
	orgID := newOrg()
	operator := operatorToken(t, env, orgID)

	rr := doJSONWithAuth(env.Engine, "POST", "/api/v1/enrollment-tokens", dto.CreateEnrollmentTokenRequest{Label: "rack 7"}, operator)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var token dto.EnrollmentTokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &token))

	rr = doJSON(env.Engine, "POST", "/agent/v1/enroll", dto.EnrollRequest{
		Token:    token.Token,
		Name:     "edge-01",
		Platform: "linux/arm64",
		Capacity: dto.CapacityDTO{MemoryMB: 16384, DiskMB: 500000, CPUMillicores: 8000},
		CSR:      string(newCSR(t)),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var enrolled dto.EnrollResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &enrolled))
	assert.Equal(t, orgID, enrolled.OrgID)

	block, _ := pem.Decode([]byte(enrolled.Certificate))
	require.NotNil(t, block)
	thumbprint := cert.Thumbprint(block.Bytes)

	t.Run("token cannot be reused", func(t *testing.T) {
		rr := doJSON(env.Engine, "POST", "/agent/v1/enroll", dto.EnrollRequest{
			Token: token.Token,
			Name:  "edge-02",
			CSR:   string(newCSR(t)),
		})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("heartbeat brings node online", func(t *testing.T) {
		env.Clock.Advance(time.Second)
		rr := doJSON(env.Engine, "POST", "/agent/v1/heartbeat", dto.HeartbeatRequest{CPUPct: 12, MemPct: 40, DiskPct: 55}, ThumbprintHeader, thumbprint)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp dto.HeartbeatResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, string(nodes.StatusOnline), resp.Status)
	})

	t.Run("node listing", func(t *testing.T) {
		rr := doJSONWithAuth(env.Engine, "GET", "/api/v1/nodes", nil, operator)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListNodesResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Nodes, 1)
		assert.Equal(t, enrolled.NodeID, resp.Nodes[0].ID)
		assert.Equal(t, 40.0, resp.Nodes[0].Metrics.MemPct)

		other := operatorToken(t, env, newOrg())
		rr = doJSONWithAuth(env.Engine, "GET", "/api/v1/nodes/"+enrolled.NodeID, nil, other)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

// TestConcurrentTokenConsume presents one enrollment secret from many
// goroutines at once. Exactly one consumption may win.
func TestConcurrentTokenConsume(t *testing.T, env *Env) {
	ctx := context.Background()
	orgID := newOrg()
	_, secret, err := env.Tokens.CreateToken(ctx, orgID, "", "systemtest", time.Hour)
	require.NoError(t, err)

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		losers  int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := env.Tokens.ValidateAndConsume(ctx, secret)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				assert.Equal(t, orgID, got)
				winners++
				return
			}
			assert.ErrorIs(t, err, provisioning.ErrInvalidToken)
			losers++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, callers-1, losers)
}

// TestEnrollmentNameCollision retries a colliding enrollment under a new
// name with the same token.
func TestEnrollmentNameCollision(t *testing.T, env *Env) {
	ctx := context.Background()
	orgID := newOrg()
	enrollNode(t, env, orgID, "edge-01", 4096)

	_, secret, err := env.Tokens.CreateToken(ctx, orgID, "", "systemtest", time.Hour)
	require.NoError(t, err)
	request := func(name string) agents.EnrollRequest {
		return agents.EnrollRequest{
			Name:     name,
			Capacity: nodes.Capacity{MemoryMB: 4096},
			CSRPEM:   newCSR(t),
		}
	}

	_, err = env.Agents.Enroll(ctx, secret, request("EDGE-01"))
	assert.ErrorIs(t, err, nodes.ErrNameTaken)

	enrollment, err := env.Agents.Enroll(ctx, secret, request("edge-01-2"))
	require.NoError(t, err)
	assert.Equal(t, orgID, enrollment.Node.OrgID)

	_, err = env.Agents.Enroll(ctx, secret, request("edge-01-3"))
	assert.ErrorIs(t, err, provisioning.ErrInvalidToken)
}
