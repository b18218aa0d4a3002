package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
)

type agent struct {
	server   string
	stateDir string
	caFile   string
	client   *http.Client
	state    nodeState
}

func runAgent(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	server := fs.String("server", config.Server.URL, "Server URL")
	stateDir := fs.String("state-dir", config.Agent.StateDir, "Directory holding the agent identity")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a := &agent{
		server:   *server,
		stateDir: *stateDir,
		caFile:   filepath.Join(*stateDir, bundleFile),
	}
	if err := a.reload(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := config.Agent.HeartbeatInterval
	slog.Info("Agent running", "node_id", a.state.NodeID, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Agent stopped")
			return nil
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *agent) reload() error {
	st, err := loadState(a.stateDir)
	if err != nil {
		return err
	}
	client, err := httpClient(a.stateDir, a.caFile, true)
	if err != nil {
		return err
	}
	a.state = st
	a.client = client
	return nil
}

func (a *agent) tick(ctx context.Context) {
	if time.Until(a.state.CertExpiresAt) < config.Agent.RenewBefore {
		if err := a.renew(ctx); err != nil {
			slog.Error("Failed to renew certificate", "node_id", a.state.NodeID, "error", err)
		}
	}

	hb := sample(ctx, config.Agent.DiskPath)
	hb.SentAt = time.Now().UTC()

	var resp dto.HeartbeatResponse
	if err := postJSON(ctx, a.client, a.server+"/agent/v1/heartbeat", hb, http.StatusOK, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
			slog.Error("Server rejected agent identity, re-enrollment required", "node_id", a.state.NodeID)
			return
		}
		slog.Warn("Heartbeat failed", "node_id", a.state.NodeID, "error", err)
		return
	}
	slog.Debug("Heartbeat sent",
		"node_id", resp.NodeID,
		"status", resp.Status,
		"health_score", resp.HealthScore,
		"discarded", resp.Discarded)
}

func (a *agent) renew(ctx context.Context) error {
	key, csrPEM, err := newKeyAndCSR(a.state.NodeID)
	if err != nil {
		return err
	}

	var resp dto.EnrollResponse
	if err := postJSON(ctx, a.client, a.server+"/agent/v1/renew", dto.RenewRequest{CSR: string(csrPEM)}, http.StatusOK, &resp); err != nil {
		return err
	}
	if err := saveEnrollment(a.stateDir, key, resp); err != nil {
		return err
	}
	if err := a.reload(); err != nil {
		return err
	}

	slog.Info("Certificate renewed", "node_id", resp.NodeID, "cert_expires_at", resp.CertExpiresAt)
	return nil
}
