// Package heartbeat authenticates agent health reports and turns them into
// node lifecycle updates.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/EternisAI/silo-fleet/internal/nodes"
)

const maxIssues = 64

var (
	ErrUnauthenticatedAgent = errors.New("agent not authenticated")
	ErrClockSkew            = errors.New("heartbeat timestamp is in the future")
	ErrInvalidReport        = errors.New("invalid heartbeat report")
)

type Report struct {
	SentAt  time.Time
	CPUPct  float64
	MemPct  float64
	DiskPct float64
	Issues  []string
}

type Result struct {
	NodeID      string
	Status      nodes.Status
	Previous    nodes.Status
	HealthScore float64
	Discarded   bool
}

type CertificateResolver interface {
	ResolveActive(ctx context.Context, thumbprint string) (cert.Certificate, error)
}

type NodeUpdater interface {
	ApplyHeartbeat(ctx context.Context, id string, obs nodes.Observation) (nodes.HeartbeatOutcome, error)
}

type Processor struct {
	certs  CertificateResolver
	nodes  NodeUpdater
	clock  clock.Clock
	policy Policy
}

func NewProcessor(certs CertificateResolver, registry NodeUpdater, clk clock.Clock, policy Policy) *Processor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Processor{
		certs:  certs,
		nodes:  registry,
		clock:  clk,
		policy: policy.withDefaults(),
	}
}

func (p *Processor) Policy() Policy {
	return p.policy
}

// ProcessHeartbeat applies a report from the agent presenting the
// certificate with the given thumbprint. The node is always derived from
// the certificate, never from the report.
func (p *Processor) ProcessHeartbeat(ctx context.Context, thumbprint string, report Report) (Result, error) {
	if thumbprint == "" {
		metrics.HeartbeatsTotal.WithLabelValues("unauthenticated").Inc()
		return Result{}, ErrUnauthenticatedAgent
	}

	c, err := p.certs.ResolveActive(ctx, thumbprint)
	if err != nil {
		if errors.Is(err, cert.ErrCertificateNotFound) {
			metrics.HeartbeatsTotal.WithLabelValues("unauthenticated").Inc()
			slog.Warn("Heartbeat with unknown or inactive certificate", "thumbprint", thumbprint)
			return Result{}, ErrUnauthenticatedAgent
		}
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("failed to resolve certificate: %w", err)
	}

	if err := validateReport(report); err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	now := p.clock.Now()
	sentAt := report.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}
	if sentAt.After(now.Add(p.policy.MaxClockSkew)) {
		metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("Heartbeat from the future rejected",
			"node_id", c.NodeID,
			"sent_at", sentAt,
			"now", now)
		return Result{}, fmt.Errorf("%w: sent at %s", ErrClockSkew, sentAt.Format(time.RFC3339))
	}

	issues := report.Issues
	if len(issues) > maxIssues {
		issues = issues[:maxIssues]
	}

	score := p.policy.Score(report.CPUPct, report.MemPct, report.DiskPct, len(report.Issues))
	obs := nodes.Observation{
		At: sentAt,
		Metrics: nodes.Metrics{
			CPUPct:  report.CPUPct,
			MemPct:  report.MemPct,
			DiskPct: report.DiskPct,
			Issues:  issues,
		},
		HealthScore:   score,
		UnderPressure: p.policy.UnderPressure(report.CPUPct, report.MemPct, report.DiskPct),
	}

	outcome, err := p.nodes.ApplyHeartbeat(ctx, c.NodeID, obs)
	if err != nil {
		if errors.Is(err, nodes.ErrNodeNotFound) || errors.Is(err, nodes.ErrInvalidTransition) {
			metrics.HeartbeatsTotal.WithLabelValues("unauthenticated").Inc()
			return Result{}, ErrUnauthenticatedAgent
		}
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}

	result := Result{
		NodeID:      c.NodeID,
		Status:      outcome.Node.Status,
		Previous:    outcome.Previous,
		HealthScore: outcome.Node.HealthScore,
		Discarded:   outcome.Discarded,
	}

	if outcome.Discarded {
		metrics.HeartbeatsTotal.WithLabelValues("discarded").Inc()
		slog.Debug("Discarded out-of-order heartbeat", "node_id", c.NodeID, "sent_at", sentAt)
		return result, nil
	}

	metrics.HeartbeatsTotal.WithLabelValues("applied").Inc()
	metrics.HealthScore.Observe(score)
	return result, nil
}

func validateReport(r Report) error {
	fields := []struct {
		name  string
		value float64
	}{
		{"cpu", r.CPUPct},
		{"memory", r.MemPct},
		{"disk", r.DiskPct},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || f.value < 0 || f.value > 100 {
			return fmt.Errorf("%w: %s utilisation %.1f outside 0-100", ErrInvalidReport, f.name, f.value)
		}
	}
	return nil
}
