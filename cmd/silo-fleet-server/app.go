package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/audit"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/heartbeat"
	"github.com/EternisAI/silo-fleet/internal/keystore"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/reaper"
	"github.com/EternisAI/silo-fleet/internal/reservations"
	"github.com/EternisAI/silo-fleet/internal/store/bolt"
	"github.com/EternisAI/silo-fleet/internal/store/postgres"
)

// fleetStore is satisfied by both storage drivers.
type fleetStore interface {
	nodes.Repository
	provisioning.Repository
	cert.Repository
	reservations.Repository
	keystore.Repository
}

type application struct {
	provisioning *provisioning.Service
	registry     *nodes.Registry
	reservations *reservations.Manager
	authority    *cert.Authority
	agents       *agents.Service
	heartbeats   *heartbeat.Processor

	closers []func()
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openStore(ctx context.Context, cfg DatabaseConfig) (fleetStore, func(), error) {
	switch cfg.Driver {
	case DriverBolt:
		s, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using bbolt store", "path", cfg.BoltPath)
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Error("Failed to close bbolt store", "error", err)
			}
		}, nil
	case DriverPostgres, "":
		pool, err := db.InitDB(ctx, cfg.Config)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

func openAuditSink(cfg AuditConfig) (audit.Sink, func(), error) {
	logSink := audit.NewLogSink(slog.Default())
	if cfg.NatsURL == "" {
		return logSink, func() {}, nil
	}

	conn, err := audit.DialNATS(cfg.NatsURL, "silo-fleet-server")
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Publishing audit events to NATS", "url", cfg.NatsURL)
	return audit.Multi{logSink, audit.NewNATSSink(conn, cfg.SubjectPrefix)}, func() {
		if err := conn.Drain(); err != nil {
			slog.Warn("Failed to drain NATS connection", "error", err)
		}
	}, nil
}

// newApplication wires every service over the configured store and makes
// sure a root certificate exists.
func newApplication(ctx context.Context, cfg Config) (*application, error) {
	app := &application{}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	if cfg.Keystore.MasterSecret == "" {
		return nil, errors.New("keystore.master_secret is required")
	}
	sealer, err := keystore.NewSealer([]byte(cfg.Keystore.MasterSecret))
	if err != nil {
		return nil, err
	}

	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeStore)

	sink, closeSink, err := openAuditSink(cfg.Audit)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeSink)

	clk := clock.Real()
	publisher := audit.NewPublisher(sink, clk, cfg.Audit.PublishTimeout)

	app.provisioning = provisioning.NewService(st, clk, publisher)
	app.provisioning.SetDefaultTTL(cfg.Enrollment.DefaultTTL)
	app.registry = nodes.NewRegistry(st, clk, publisher, nodes.Policy{
		StaleAfter:     cfg.Nodes.StaleAfter,
		DegradedAfter:  cfg.Nodes.DegradedAfter,
		StaleBatchSize: cfg.Reaper.BatchSize,
	})
	app.reservations = reservations.NewManager(st, clk, publisher, reservations.Policy{
		DefaultTTL:      cfg.Reservations.DefaultTTL,
		ExpiryBatchSize: cfg.Reaper.BatchSize,
	})
	app.authority = cert.NewAuthority(st, keystore.New(st, sealer, clk), clk, publisher, cert.Config{
		LeafValidity: cfg.CA.LeafValidity,
		RootValidity: cfg.CA.RootValidity,
		Organization: cfg.CA.Organization,
	})
	app.heartbeats = heartbeat.NewProcessor(app.authority, app.registry, clk, heartbeatPolicy(cfg.Nodes))
	app.agents = agents.NewService(app.provisioning, app.registry, app.authority)

	if _, err := app.authority.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("failed to bootstrap certificate authority: %w", err)
	}

	ok = true
	return app, nil
}

func heartbeatPolicy(cfg NodesConfig) heartbeat.Policy {
	p := heartbeat.DefaultPolicy()
	if cfg.CPUWeight != 0 || cfg.MemWeight != 0 || cfg.DiskWeight != 0 {
		p.CPUWeight, p.MemWeight, p.DiskWeight = cfg.CPUWeight, cfg.MemWeight, cfg.DiskWeight
	}
	if cfg.IssuePenalty != nil {
		p.IssuePenalty = *cfg.IssuePenalty
	}
	if cfg.IssueSaturation > 0 {
		p.IssueSaturation = cfg.IssueSaturation
	}
	if cfg.DegradedThreshold > 0 {
		p.DegradedThreshold = cfg.DegradedThreshold
	}
	if cfg.MaxClockSkew > 0 {
		p.MaxClockSkew = cfg.MaxClockSkew
	}
	return p
}

func (a *application) backgroundTasks(cfg ReaperConfig, enrollment EnrollmentConfig) *reaper.Runner {
	purgeAfter := enrollment.PurgeAfter
	if purgeAfter <= 0 {
		purgeAfter = provisioning.DefaultPurgeAfter
	}
	return reaper.NewRunner(
		reaper.StaleNodesTask(a.registry, cfg.StaleInterval),
		reaper.ReservationExpiryTask(a.reservations, cfg.ReservationInterval),
		reaper.TokenPurgeTask(a.provisioning, cfg.TokenPurgeInterval, purgeAfter),
	)
}
