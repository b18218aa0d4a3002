package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/heartbeat"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/reservations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHeartbeatOrdering sends reports with shuffled timestamps at once.
// Only the newest may end up stored.
func TestHeartbeatOrdering(t *testing.T, env *Env) {
	ctx := context.Background()
	enrollment := enrollNode(t, env, newOrg(), "edge-01", 4096)
	thumbprint := enrollment.Certificate.Thumbprint

	base := env.Clock.Now().Add(-time.Minute)
	const reports = 10
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Heartbeats.ProcessHeartbeat(ctx, thumbprint, heartbeat.Report{
				SentAt: base.Add(time.Duration(i) * time.Second),
				CPUPct: float64(i),
			})
			// A lost status race is reported to the agent, which retries.
			if err != nil {
				assert.ErrorContains(t, err, "conflict")
			}
		}()
	}
	wg.Wait()

	latest := base.Add((reports - 1) * time.Second)
	_, err := env.Heartbeats.ProcessHeartbeat(ctx, thumbprint, heartbeat.Report{SentAt: latest, CPUPct: float64(reports - 1)})
	require.NoError(t, err)

	node, err := env.Registry.GetNode(ctx, enrollment.Node.ID)
	require.NoError(t, err)
	require.NotNil(t, node.LastHeartbeat)
	assert.True(t, node.LastHeartbeat.Equal(latest))
	assert.Equal(t, float64(reports-1), node.Metrics.CPUPct)
	assert.Equal(t, nodes.StatusOnline, node.Status)

	result, err := env.Heartbeats.ProcessHeartbeat(ctx, thumbprint, heartbeat.Report{SentAt: base, CPUPct: 99})
	require.NoError(t, err)
	assert.True(t, result.Discarded)
}

// TestStaleDetection demotes a silent node and leaves a node in
// maintenance alone.
func TestStaleDetection(t *testing.T, env *Env) {
	ctx := context.Background()
	orgID := newOrg()
	silent := enrollNode(t, env, orgID, "silent", 4096)
	maintained := enrollNode(t, env, orgID, "maintained", 4096)

	for _, e := range []string{silent.Certificate.Thumbprint, maintained.Certificate.Thumbprint} {
		env.Clock.Advance(time.Millisecond)
		_, err := env.Heartbeats.ProcessHeartbeat(ctx, e, heartbeat.Report{CPUPct: 5})
		require.NoError(t, err)
	}
	_, err := env.Registry.EnterMaintenance(ctx, maintained.Node.ID)
	require.NoError(t, err)

	env.Clock.Advance(env.Registry.Policy().StaleAfter + time.Second)

	result, err := env.Registry.DemoteStale(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Demoted, 1)

	node, err := env.Registry.GetNode(ctx, silent.Node.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusOffline, node.Status)

	node, err = env.Registry.GetNode(ctx, maintained.Node.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusMaintenance, node.Status)

	env.Clock.Advance(time.Second)
	hb, err := env.Heartbeats.ProcessHeartbeat(ctx, silent.Certificate.Thumbprint, heartbeat.Report{CPUPct: 5})
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusOnline, hb.Status)
}

type heartbeatDuringScan struct {
	nodes.Repository
	deliver func()
}

func (r *heartbeatDuringScan) ListStaleNodes(ctx context.Context, statuses []nodes.Status, cutoff time.Time, limit int) ([]nodes.Node, error) {
	list, err := r.Repository.ListStaleNodes(ctx, statuses, cutoff, limit)
	if err == nil && r.deliver != nil {
		r.deliver()
		r.deliver = nil
	}
	return list, err
}

// TestStaleScanRace delivers a heartbeat between the stale listing and the
// demotion. The conditional update must leave the node online.
func TestStaleScanRace(t *testing.T, env *Env) {
	ctx := context.Background()
	enrollment := enrollNode(t, env, newOrg(), "edge-01", 4096)
	thumbprint := enrollment.Certificate.Thumbprint

	_, err := env.Heartbeats.ProcessHeartbeat(ctx, thumbprint, heartbeat.Report{CPUPct: 5})
	require.NoError(t, err)

	env.Clock.Advance(env.Registry.Policy().StaleAfter + time.Second)

	scanning := nodes.NewRegistry(&heartbeatDuringScan{
		Repository: env.NodeStore,
		deliver: func() {
			_, err := env.Heartbeats.ProcessHeartbeat(ctx, thumbprint, heartbeat.Report{CPUPct: 6})
			require.NoError(t, err)
		},
	}, env.Clock, nil, env.Registry.Policy())

	result, err := scanning.DemoteStale(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Skipped, 1)

	node, err := env.Registry.GetNode(ctx, enrollment.Node.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusOnline, node.Status)
	require.NotNil(t, node.LastHeartbeat)
	assert.True(t, node.LastHeartbeat.Equal(env.Clock.Now()))
}

// TestDecommission checks the cascade: certificate revoked, reservations
// released, node hidden and its name reusable.
func TestDecommission(t *testing.T, env *Env) {
	ctx := context.Background()
	orgID := newOrg()
	enrollment := enrollNode(t, env, orgID, "edge-01", 8192)
	nodeID := enrollment.Node.ID

	pending, err := env.Reservations.Reserve(ctx, nodeID, reservations.Resources{MemoryMB: 1024}, 0)
	require.NoError(t, err)
	claimed, err := env.Reservations.Reserve(ctx, nodeID, reservations.Resources{MemoryMB: 2048}, 0)
	require.NoError(t, err)
	_, err = env.Reservations.Claim(ctx, claimed.Token)
	require.NoError(t, err)

	result, err := env.Registry.Decommission(ctx, nodeID, "retired")
	require.NoError(t, err)
	assert.Equal(t, []string{enrollment.Certificate.ID}, result.RevokedCertificateIDs)
	assert.ElementsMatch(t, []string{pending.ID, claimed.ID}, result.ReleasedReservationIDs)

	_, err = env.Heartbeats.ProcessHeartbeat(ctx, enrollment.Certificate.Thumbprint, heartbeat.Report{CPUPct: 5})
	assert.ErrorIs(t, err, heartbeat.ErrUnauthenticatedAgent)

	list, err := env.Registry.ListNodes(ctx, orgID)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = env.Reservations.Reserve(ctx, nodeID, reservations.Resources{MemoryMB: 1}, 0)
	assert.ErrorIs(t, err, reservations.ErrNodeNotFound)

	_, err = env.Registry.Decommission(ctx, nodeID, "")
	assert.ErrorIs(t, err, nodes.ErrInvalidTransition)

	again := enrollNode(t, env, orgID, "edge-01", 8192)
	assert.NotEqual(t, nodeID, again.Node.ID)
}
