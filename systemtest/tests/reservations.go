package tests

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/reservations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConcurrentReservations: three concurrent 4096 MB reservations on an
// 8192 MB node. Exactly two fit.
func TestConcurrentReservations(t *testing.T, env *Env) {
	ctx := context.Background()
	node := enrollNode(t, env, newOrg(), "edge-01", 8192).Node

	results := reserveConcurrently(ctx, env, node.ID, 3, 4096)
	assert.Equal(t, 2, results.ok)
	assert.Equal(t, 1, results.insufficient)
	assert.Zero(t, results.other)

	c, err := env.Reservations.GetAvailableCapacity(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), c.Reserved.MemoryMB)
	assert.Equal(t, int64(0), c.Available.MemoryMB)
}

// TestReservationStress runs many concurrent reservations against several
// nodes and checks no node is ever overcommitted.
func TestReservationStress(t *testing.T, env *Env) {
	ctx := context.Background()
	orgID := newOrg()

	const (
		nodeCount = 4
		callers   = 40
		size      = 1000
		capacity  = 10500
	)

	var wg sync.WaitGroup
	counts := make([]reserveResults, nodeCount)
	for i := range nodeCount {
		node := enrollNode(t, env, orgID, "stress-"+string(rune('a'+i)), capacity).Node
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts[i] = reserveConcurrently(ctx, env, node.ID, callers, size)

			c, err := env.Reservations.GetAvailableCapacity(ctx, node.ID)
			if assert.NoError(t, err) {
				assert.LessOrEqual(t, c.Reserved.MemoryMB, c.Total.MemoryMB)
				assert.GreaterOrEqual(t, c.Available.MemoryMB, int64(0))
			}
		}()
	}
	wg.Wait()

	for _, r := range counts {
		assert.Equal(t, capacity/size, r.ok)
		assert.Equal(t, callers-capacity/size, r.insufficient)
		assert.Zero(t, r.other)
	}
}

// TestReservationExpiry reserves with a short TTL over HTTP, lets it lapse
// and checks the claim fails and the capacity is back.
func TestReservationExpiry(t *testing.T, env *Env) {
	ctx := context.Background()
	orgID := newOrg()
	node := enrollNode(t, env, orgID, "edge-01", 8192).Node
	operator := operatorToken(t, env, orgID)

	rr := doJSONWithAuth(env.Engine, "POST", "/api/v1/nodes/"+node.ID+"/reservations", dto.ReserveRequest{MemoryMB: 1024, TTLSeconds: 1}, operator)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var reservation dto.ReservationResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reservation))

	env.Clock.Advance(2 * time.Second)

	rr = doJSONWithAuth(env.Engine, "POST", "/api/v1/reservations/"+reservation.Token+"/claim", nil, operator)
	assert.Equal(t, http.StatusGone, rr.Code)

	c, err := env.Reservations.GetAvailableCapacity(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), c.Available.MemoryMB)

	result, err := env.Reservations.ExpireDue(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Expired, 1)

	rs, err := env.Reservations.ListReservations(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, reservations.StatusExpired, rs[0].Status)

	rr = doJSONWithAuth(env.Engine, "POST", "/api/v1/reservations/"+reservation.Token+"/release", nil, operator)
	assert.Equal(t, http.StatusOK, rr.Code)
}

type reserveResults struct {
	ok           int
	insufficient int
	other        int
}

func reserveConcurrently(ctx context.Context, env *Env, nodeID string, callers int, memoryMB int64) reserveResults {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results reserveResults
	)
	start := make(chan struct{})
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.Reservations.Reserve(ctx, nodeID, reservations.Resources{MemoryMB: memoryMB}, 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				results.ok++
			case errors.Is(err, reservations.ErrInsufficientCapacity):
				results.insufficient++
			default:
				results.other++
			}
		}()
	}
	close(start)
	wg.Wait()
	return results
}
