package systemtest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	apihttp "github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/heartbeat"
	"github.com/EternisAI/silo-fleet/internal/keystore"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/reservations"
	pgstore "github.com/EternisAI/silo-fleet/internal/store/postgres"
	"github.com/EternisAI/silo-fleet/systemtest/postgres"
	"github.com/EternisAI/silo-fleet/systemtest/tests"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("system tests need docker")
	}

	ctx := context.Background()
	database, err := postgres.Start(ctx, postgres.Options{Database: "fleet", Schema: "fleet", MaxConns: 32})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := database.Close(context.Background()); err != nil {
			t.Logf("close postgres: %v", err)
		}
	})

	env := newEnv(t, pgstore.New(database.Pool))

	t.Run("EnrollmentFlow", func(t *testing.T) { tests.TestEnrollmentFlow(t, env) })
	t.Run("EnrollmentNameCollision", func(t *testing.T) { tests.TestEnrollmentNameCollision(t, env) })
	t.Run("ConcurrentTokenConsume", func(t *testing.T) { tests.TestConcurrentTokenConsume(t, env) })
	t.Run("ConcurrentReservations", func(t *testing.T) { tests.TestConcurrentReservations(t, env) })
	t.Run("ReservationStress", func(t *testing.T) { tests.TestReservationStress(t, env) })
	t.Run("ReservationExpiry", func(t *testing.T) { tests.TestReservationExpiry(t, env) })
	t.Run("SingleActiveCertificate", func(t *testing.T) { tests.TestSingleActiveCertificate(t, env) })
	t.Run("HeartbeatOrdering", func(t *testing.T) { tests.TestHeartbeatOrdering(t, env) })
	t.Run("StaleDetection", func(t *testing.T) { tests.TestStaleDetection(t, env) })
	t.Run("StaleScanRace", func(t *testing.T) { tests.TestStaleScanRace(t, env) })
	t.Run("Decommission", func(t *testing.T) { tests.TestDecommission(t, env) })
	t.Run("RootRotation", func(t *testing.T) { tests.TestRootRotation(t, env) })
}

func newEnv(t *testing.T, st *pgstore.Store) *tests.Env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sealer, err := keystore.NewSealer(bytes.Repeat([]byte("s"), 32))
	require.NoError(t, err)

	// Postgres keeps microseconds.
	clk := clock.NewFake(time.Now().UTC().Truncate(time.Microsecond))

	authority := cert.NewAuthority(st, keystore.New(st, sealer, clk), clk, nil, cert.Config{})
	_, err = authority.Bootstrap(context.Background())
	require.NoError(t, err)

	tokens := provisioning.NewService(st, clk, nil)
	registry := nodes.NewRegistry(st, clk, nil, nodes.DefaultPolicy())
	manager := reservations.NewManager(st, clk, nil, reservations.Policy{})
	agentService := agents.NewService(tokens, registry, authority)
	processor := heartbeat.NewProcessor(authority, registry, clk, heartbeat.DefaultPolicy())

	authConfig := auth.Config{JWTSecret: "systemtest-secret-systemtest-secret"}
	engine := gin.New()
	apihttp.SetupRoute(engine, &apihttp.Services{
		Provisioning:     tokens,
		Registry:         registry,
		Reservations:     manager,
		Authority:        authority,
		Agents:           agentService,
		Heartbeats:       processor,
		AuthConfig:       authConfig,
		ClientCertHeader: tests.ThumbprintHeader,
	})

	return &tests.Env{
		Engine:       engine,
		Clock:        clk,
		AuthConfig:   authConfig,
		NodeStore:    st,
		Tokens:       tokens,
		Registry:     registry,
		Reservations: manager,
		Authority:    authority,
		Agents:       agentService,
		Heartbeats:   processor,
	}
}
