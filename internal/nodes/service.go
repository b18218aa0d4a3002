package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/silo-fleet/internal/audit"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/google/uuid"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrNameTaken    = errors.New("node name already in use in organization")
	ErrInvalidNode  = errors.New("invalid node")
)

const (
	DefaultStaleAfter     = 5 * time.Minute
	DefaultDegradedAfter  = 3
	DefaultStaleBatchSize = 500
)

type Policy struct {
	// StaleAfter is how long a node may go without a heartbeat before the
	// stale detector moves it to offline.
	StaleAfter time.Duration
	// DegradedAfter is the number of consecutive pressured heartbeats that
	// count as sustained pressure.
	DegradedAfter  int
	StaleBatchSize int
}

func DefaultPolicy() Policy {
	return Policy{
		StaleAfter:     DefaultStaleAfter,
		DegradedAfter:  DefaultDegradedAfter,
		StaleBatchSize: DefaultStaleBatchSize,
	}
}

func (p Policy) withDefaults() Policy {
	if p.StaleAfter <= 0 {
		p.StaleAfter = DefaultStaleAfter
	}
	if p.DegradedAfter <= 0 {
		p.DegradedAfter = DefaultDegradedAfter
	}
	if p.StaleBatchSize <= 0 {
		p.StaleBatchSize = DefaultStaleBatchSize
	}
	return p
}

// Registry owns the Node entity and its lifecycle. All status changes go
// through Repository compare-and-swap updates; the registry holds no locks.
type Registry struct {
	repo   Repository
	clock  clock.Clock
	audit  *audit.Publisher
	policy Policy
}

func NewRegistry(repo Repository, clk clock.Clock, publisher *audit.Publisher, policy Policy) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		repo:   repo,
		clock:  clk,
		audit:  publisher,
		policy: policy.withDefaults(),
	}
}

func (r *Registry) Policy() Policy {
	return r.policy
}

// ValidateEnrollment checks the parts of a registration that need no
// stored state.
func ValidateEnrollment(name string, capacity Capacity) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidNode)
	}
	if capacity.MemoryMB < 0 || capacity.DiskMB < 0 || capacity.CPUMillicores < 0 {
		return fmt.Errorf("%w: capacity must not be negative", ErrInvalidNode)
	}
	if capacity == (Capacity{}) {
		return fmt.Errorf("%w: capacity must not be empty", ErrInvalidNode)
	}
	return nil
}

// EnrollNode creates a node in the enrolling state. A name already used by
// a live node of the same organization fails with ErrNameTaken; callers
// choose a different name.
func (r *Registry) EnrollNode(ctx context.Context, orgID, name, platform string, capacity Capacity) (Node, error) {
	name = strings.TrimSpace(name)
	if orgID == "" {
		return Node{}, fmt.Errorf("%w: organization is required", ErrInvalidNode)
	}
	if err := ValidateEnrollment(name, capacity); err != nil {
		return Node{}, err
	}

	now := r.clock.Now()
	node, err := r.repo.CreateNode(ctx, Node{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Name:      name,
		Platform:  platform,
		Status:    StatusEnrolling,
		Capacity:  capacity,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		if errors.Is(err, ErrNameTaken) {
			return Node{}, err
		}
		return Node{}, fmt.Errorf("failed to create node: %w", err)
	}

	slog.Info("Node enrolled",
		"node_id", node.ID,
		"org_id", orgID,
		"name", node.Name,
		"platform", platform)

	r.audit.Emit(ctx, audit.Event{
		Type:   audit.EventNodeEnrolled,
		OrgID:  orgID,
		NodeID: node.ID,
		Attributes: map[string]string{
			"name":     node.Name,
			"platform": platform,
		},
	})

	return node, nil
}

func (r *Registry) GetNode(ctx context.Context, id string) (Node, error) {
	node, err := r.repo.GetNode(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Node{}, ErrNodeNotFound
		}
		return Node{}, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

func (r *Registry) ListNodes(ctx context.Context, orgID string) ([]Node, error) {
	nodes, err := r.repo.ListNodes(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

// EnterMaintenance moves a node into maintenance. Heartbeats keep being
// recorded but no longer change its status until ExitMaintenance.
func (r *Registry) EnterMaintenance(ctx context.Context, id string) (Node, error) {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return Node{}, err
	}
	return r.transition(ctx, node, StatusMaintenance, "operator requested maintenance", nil)
}

// ExitMaintenance returns a node to online. The node must have reported a
// heartbeat within the stale window.
func (r *Registry) ExitMaintenance(ctx context.Context, id string) (Node, error) {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return Node{}, err
	}
	if node.Status != StatusMaintenance {
		return Node{}, &InvalidTransitionError{NodeID: id, From: node.Status, To: StatusOnline, Reason: "node is not in maintenance"}
	}
	cutoff := r.clock.Now().Add(-r.policy.StaleAfter)
	if node.LastHeartbeat == nil || node.LastHeartbeat.Before(cutoff) {
		return Node{}, &InvalidTransitionError{
			NodeID: id,
			From:   node.Status,
			To:     StatusOnline,
			Reason: fmt.Sprintf("no heartbeat within %s", r.policy.StaleAfter),
		}
	}
	return r.transition(ctx, node, StatusOnline, "operator ended maintenance", nil)
}

// Decommission is terminal: it soft-deletes the node, revokes its active
// certificate and releases its pending and claimed reservations in one
// repository transaction.
func (r *Registry) Decommission(ctx context.Context, id, reason string) (DecommissionResult, error) {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return DecommissionResult{}, err
	}
	if !CanTransition(node.Status, StatusDecommissioned) {
		return DecommissionResult{}, &InvalidTransitionError{NodeID: id, From: node.Status, To: StatusDecommissioned, Reason: "node is already decommissioned"}
	}
	if reason == "" {
		reason = "node decommissioned"
	}

	result, err := r.repo.Decommission(ctx, DecommissionParams{
		ID:   id,
		From: node.Status,
		At:   r.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DecommissionResult{}, ErrNodeNotFound
		}
		return DecommissionResult{}, fmt.Errorf("failed to decommission node: %w", err)
	}

	metrics.NodeTransitions.WithLabelValues(string(node.Status), string(StatusDecommissioned)).Inc()
	slog.Info("Node decommissioned",
		"node_id", id,
		"from", node.Status,
		"revoked_certificates", len(result.RevokedCertificateIDs),
		"released_reservations", len(result.ReleasedReservationIDs))

	r.audit.Emit(ctx, audit.Event{
		Type:   audit.EventNodeDecommissioned,
		OrgID:  node.OrgID,
		NodeID: id,
		Attributes: map[string]string{
			"from":                  string(node.Status),
			"reason":                reason,
			"revoked_certificates":  strings.Join(result.RevokedCertificateIDs, ","),
			"released_reservations": strings.Join(result.ReleasedReservationIDs, ","),
		},
	})

	return result, nil
}

// Observation is a validated heartbeat ready to be applied to a node.
type Observation struct {
	At            time.Time
	Metrics       Metrics
	HealthScore   float64
	UnderPressure bool
}

type HeartbeatOutcome struct {
	Node      Node
	Previous  Status
	Discarded bool
}

func (o HeartbeatOutcome) Transitioned() bool {
	return !o.Discarded && o.Previous != o.Node.Status
}

// ApplyHeartbeat records obs against the node. A heartbeat that is not
// newer than the stored one is discarded without error. Losing a race to a
// concurrent status change returns a *store.ConflictError.
func (r *Registry) ApplyHeartbeat(ctx context.Context, id string, obs Observation) (HeartbeatOutcome, error) {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return HeartbeatOutcome{}, err
	}
	if node.IsDeleted() || node.Status == StatusDecommissioned {
		return HeartbeatOutcome{}, &InvalidTransitionError{NodeID: id, From: node.Status, To: node.Status, Reason: "node is decommissioned"}
	}
	if isOlderHeartbeat(node, obs.At) {
		return HeartbeatOutcome{Node: node, Previous: node.Status, Discarded: true}, nil
	}

	streak := 0
	if obs.UnderPressure {
		streak = node.PressureStreak + 1
	}
	next := nextOnHeartbeat(node.Status, obs.UnderPressure, streak, r.policy.DegradedAfter)

	updated, err := r.repo.RecordHeartbeat(ctx, HeartbeatUpdate{
		ID:             id,
		ExpectedStatus: node.Status,
		NewStatus:      next,
		HeartbeatAt:    obs.At,
		Metrics:        obs.Metrics,
		HealthScore:    obs.HealthScore,
		PressureStreak: streak,
		UpdatedAt:      r.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return HeartbeatOutcome{}, ErrNodeNotFound
		}
		if errors.Is(err, store.ErrConflict) {
			// A newer heartbeat may have been stored concurrently; that is
			// the reordering case, not a lost race.
			if current, getErr := r.repo.GetNode(ctx, id); getErr == nil && isOlderHeartbeat(current, obs.At) {
				return HeartbeatOutcome{Node: current, Previous: current.Status, Discarded: true}, nil
			}
			return HeartbeatOutcome{}, err
		}
		return HeartbeatOutcome{}, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	outcome := HeartbeatOutcome{Node: updated, Previous: node.Status}
	if outcome.Transitioned() {
		r.recordTransition(ctx, updated, node.Status, "heartbeat")
	}
	return outcome, nil
}

func isOlderHeartbeat(node Node, at time.Time) bool {
	return node.LastHeartbeat != nil && !at.After(*node.LastHeartbeat)
}

func (r *Registry) transition(ctx context.Context, node Node, to Status, reason string, heartbeatBefore *time.Time) (Node, error) {
	if node.IsDeleted() || !CanTransition(node.Status, to) {
		return Node{}, &InvalidTransitionError{NodeID: node.ID, From: node.Status, To: to}
	}

	updated, err := r.repo.UpdateStatus(ctx, StatusUpdate{
		ID:              node.ID,
		From:            node.Status,
		To:              to,
		At:              r.clock.Now(),
		HeartbeatBefore: heartbeatBefore,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Node{}, ErrNodeNotFound
		}
		if errors.Is(err, store.ErrConflict) {
			return Node{}, err
		}
		return Node{}, fmt.Errorf("failed to update node status: %w", err)
	}

	r.recordTransition(ctx, updated, node.Status, reason)
	return updated, nil
}

func (r *Registry) recordTransition(ctx context.Context, node Node, from Status, reason string) {
	metrics.NodeTransitions.WithLabelValues(string(from), string(node.Status)).Inc()
	slog.Info("Node status changed",
		"node_id", node.ID,
		"from", from,
		"to", node.Status,
		"reason", reason)

	r.audit.Emit(ctx, audit.Event{
		Type:   audit.EventNodeTransitioned,
		OrgID:  node.OrgID,
		NodeID: node.ID,
		Attributes: map[string]string{
			"from":   string(from),
			"to":     string(node.Status),
			"reason": reason,
		},
	})
}
