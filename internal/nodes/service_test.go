package nodes_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/store/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

var defaultCapacity = nodes.Capacity{MemoryMB: 8192, DiskMB: 100000, CPUMillicores: 4000}

func newRegistry(t *testing.T) (*nodes.Registry, *bolt.Store, *clock.Fake) {
	t.Helper()
	st, err := bolt.Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewFake(start)
	return nodes.NewRegistry(st, clk, nil, nodes.DefaultPolicy()), st, clk
}

func heartbeat(at time.Time, pressured bool) nodes.Observation {
	obs := nodes.Observation{
		At:          at,
		Metrics:     nodes.Metrics{CPUPct: 20, MemPct: 30, DiskPct: 40},
		HealthScore: 80,
	}
	if pressured {
		obs.Metrics.MemPct = 97
		obs.UnderPressure = true
		obs.HealthScore = 40
	}
	return obs
}

func TestEnrollNode(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newRegistry(t)

	node, err := reg.EnrollNode(ctx, "org-1", "  edge-01 ", "linux/amd64", defaultCapacity)
	require.NoError(t, err)
	assert.NotEmpty(t, node.ID)
	assert.Equal(t, "edge-01", node.Name)
	assert.Equal(t, nodes.StatusEnrolling, node.Status)
	assert.Nil(t, node.LastHeartbeat)
	assert.Equal(t, start, node.CreatedAt)

	t.Run("name taken case-insensitively", func(t *testing.T) {
		_, err := reg.EnrollNode(ctx, "org-1", "EDGE-01", "linux/amd64", defaultCapacity)
		assert.ErrorIs(t, err, nodes.ErrNameTaken)
	})

	t.Run("same name in another org", func(t *testing.T) {
		_, err := reg.EnrollNode(ctx, "org-2", "edge-01", "linux/amd64", defaultCapacity)
		assert.NoError(t, err)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := reg.EnrollNode(ctx, "", "x", "", defaultCapacity)
		assert.ErrorIs(t, err, nodes.ErrInvalidNode)
		_, err = reg.EnrollNode(ctx, "org-1", "x", "", nodes.Capacity{})
		assert.ErrorIs(t, err, nodes.ErrInvalidNode)
		_, err = reg.EnrollNode(ctx, "org-1", "x", "", nodes.Capacity{MemoryMB: -1, DiskMB: 1})
		assert.ErrorIs(t, err, nodes.ErrInvalidNode)
	})

	t.Run("name reusable after decommission", func(t *testing.T) {
		_, err := reg.Decommission(ctx, node.ID, "")
		require.NoError(t, err)
		_, err = reg.EnrollNode(ctx, "org-1", "edge-01", "linux/amd64", defaultCapacity)
		assert.NoError(t, err)
	})
}

func TestGetNodeUnknown(t *testing.T) {
	reg, _, _ := newRegistry(t)
	_, err := reg.GetNode(context.Background(), "missing")
	assert.ErrorIs(t, err, nodes.ErrNodeNotFound)
}

func TestListNodesExcludesDecommissioned(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newRegistry(t)

	a, err := reg.EnrollNode(ctx, "org-1", "a", "", defaultCapacity)
	require.NoError(t, err)
	_, err = reg.EnrollNode(ctx, "org-1", "b", "", defaultCapacity)
	require.NoError(t, err)
	_, err = reg.EnrollNode(ctx, "org-2", "c", "", defaultCapacity)
	require.NoError(t, err)

	_, err = reg.Decommission(ctx, a.ID, "retired")
	require.NoError(t, err)

	list, err := reg.ListNodes(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].Name)
}

func TestApplyHeartbeat(t *testing.T) {
	ctx := context.Background()
	reg, _, clk := newRegistry(t)

	node, err := reg.EnrollNode(ctx, "org-1", "edge", "", defaultCapacity)
	require.NoError(t, err)

	t.Run("first heartbeat brings node online", func(t *testing.T) {
		clk.Advance(time.Second)
		out, err := reg.ApplyHeartbeat(ctx, node.ID, heartbeat(clk.Now(), false))
		require.NoError(t, err)
		assert.Equal(t, nodes.StatusEnrolling, out.Previous)
		assert.Equal(t, nodes.StatusOnline, out.Node.Status)
		assert.True(t, out.Transitioned())
		require.NotNil(t, out.Node.LastHeartbeat)
		assert.Equal(t, clk.Now(), *out.Node.LastHeartbeat)
		assert.Equal(t, 80.0, out.Node.HealthScore)
	})

	t.Run("older heartbeat is discarded", func(t *testing.T) {
		out, err := reg.ApplyHeartbeat(ctx, node.ID, heartbeat(clk.Now().Add(-time.Second), true))
		require.NoError(t, err)
		assert.True(t, out.Discarded)
		assert.False(t, out.Transitioned())

		current, err := reg.GetNode(ctx, node.ID)
		require.NoError(t, err)
		assert.Equal(t, 30.0, current.Metrics.MemPct)
	})

	t.Run("equal timestamp is discarded", func(t *testing.T) {
		out, err := reg.ApplyHeartbeat(ctx, node.ID, heartbeat(clk.Now(), false))
		require.NoError(t, err)
		assert.True(t, out.Discarded)
	})

	t.Run("sustained pressure degrades", func(t *testing.T) {
		for i := 1; i <= nodes.DefaultDegradedAfter; i++ {
			clk.Advance(time.Second)
			out, err := reg.ApplyHeartbeat(ctx, node.ID, heartbeat(clk.Now(), true))
			require.NoError(t, err)
			if i < nodes.DefaultDegradedAfter {
				assert.Equal(t, nodes.StatusOnline, out.Node.Status, "heartbeat %d", i)
			} else {
				assert.Equal(t, nodes.StatusDegraded, out.Node.Status)
			}
			assert.Equal(t, i, out.Node.PressureStreak)
		}
	})

	t.Run("recovery returns to online", func(t *testing.T) {
		clk.Advance(time.Second)
		out, err := reg.ApplyHeartbeat(ctx, node.ID, heartbeat(clk.Now(), false))
		require.NoError(t, err)
		assert.Equal(t, nodes.StatusOnline, out.Node.Status)
		assert.Zero(t, out.Node.PressureStreak)
	})

	t.Run("interrupted pressure resets streak", func(t *testing.T) {
		for _, pressured := range []bool{true, true, false, true, true} {
			clk.Advance(time.Second)
			out, err := reg.ApplyHeartbeat(ctx, node.ID, heartbeat(clk.Now(), pressured))
			require.NoError(t, err)
			assert.Equal(t, nodes.StatusOnline, out.Node.Status)
		}
	})

	t.Run("unknown node", func(t *testing.T) {
		_, err := reg.ApplyHeartbeat(ctx, "missing", heartbeat(clk.Now(), false))
		assert.ErrorIs(t, err, nodes.ErrNodeNotFound)
	})
}

func TestHeartbeatAfterDecommissionRejected(t *testing.T) {
	ctx := context.Background()
	reg, _, clk := newRegistry(t)

	node, err := reg.EnrollNode(ctx, "org-1", "edge", "", defaultCapacity)
	require.NoError(t, err)
	_, err = reg.Decommission(ctx, node.ID, "")
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = reg.ApplyHeartbeat(ctx, node.ID, heartbeat(clk.Now(), false))
	assert.ErrorIs(t, err, nodes.ErrInvalidTransition)
}

func TestMaintenance(t *testing.T) {
	ctx := context.Background()
	reg, _, clk := newRegistry(t)

	node, err := reg.EnrollNode(ctx, "org-1", "edge", "", defaultCapacity)
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = reg.ApplyHeartbeat(ctx, node.ID, heartbeat(clk.Now(), false))
	require.NoError(t, err)

	t.Run("exit requires maintenance", func(t *testing.T) {
		_, err := reg.ExitMaintenance(ctx, node.ID)
		assert.ErrorIs(t, err, nodes.ErrInvalidTransition)
	})

	updated, err := reg.EnterMaintenance(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusMaintenance, updated.Status)

	t.Run("enter twice is rejected", func(t *testing.T) {
		_, err := reg.EnterMaintenance(ctx, node.ID)
		assert.ErrorIs(t, err, nodes.ErrInvalidTransition)
	})

	t.Run("heartbeats do not leave maintenance", func(t *testing.T) {
		for _, pressured := range []bool{false, true, true, true} {
			clk.Advance(time.Second)
			out, err := reg.ApplyHeartbeat(ctx, node.ID, heartbeat(clk.Now(), pressured))
			require.NoError(t, err)
			assert.Equal(t, nodes.StatusMaintenance, out.Node.Status)
		}
	})

	t.Run("stale detector leaves maintenance alone", func(t *testing.T) {
		clk.Advance(time.Hour)
		res, err := reg.DemoteStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Demoted)
	})

	t.Run("exit requires a fresh heartbeat", func(t *testing.T) {
		_, err := reg.ExitMaintenance(ctx, node.ID)
		assert.ErrorIs(t, err, nodes.ErrInvalidTransition)
	})

	clk.Advance(time.Second)
	_, err = reg.ApplyHeartbeat(ctx, node.ID, heartbeat(clk.Now(), false))
	require.NoError(t, err)

	updated, err = reg.ExitMaintenance(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusOnline, updated.Status)
}

func TestDecommission(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newRegistry(t)

	node, err := reg.EnrollNode(ctx, "org-1", "edge", "", defaultCapacity)
	require.NoError(t, err)

	res, err := reg.Decommission(ctx, node.ID, "hardware failure")
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusDecommissioned, res.Node.Status)
	assert.NotNil(t, res.Node.DeletedAt)

	_, err = reg.Decommission(ctx, node.ID, "")
	assert.ErrorIs(t, err, nodes.ErrInvalidTransition)

	_, err = reg.EnterMaintenance(ctx, node.ID)
	assert.ErrorIs(t, err, nodes.ErrInvalidTransition)

	_, err = reg.Decommission(ctx, "missing", "")
	assert.ErrorIs(t, err, nodes.ErrNodeNotFound)
}
