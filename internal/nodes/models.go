package nodes

import (
	"context"
	"time"
)

type Status string

const (
	StatusEnrolling      Status = "enrolling"
	StatusOnline         Status = "online"
	StatusDegraded       Status = "degraded"
	StatusOffline        Status = "offline"
	StatusMaintenance    Status = "maintenance"
	StatusDecommissioned Status = "decommissioned"
)

// Capacity is the total raw capacity a node offers.
type Capacity struct {
	MemoryMB      int64
	DiskMB        int64
	CPUMillicores int64
}

// Metrics is the last health report an agent sent for its node.
type Metrics struct {
	CPUPct  float64
	MemPct  float64
	DiskPct float64
	Issues  []string
}

type Node struct {
	ID             string
	OrgID          string
	Name           string
	Platform       string
	Status         Status
	Capacity       Capacity
	LastHeartbeat  *time.Time
	Metrics        Metrics
	HealthScore    float64
	PressureStreak int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (n Node) IsDeleted() bool {
	return n.DeletedAt != nil
}

// StatusUpdate is a compare-and-swap on a node's status. The update only
// applies while the stored status equals From and the node is not deleted.
// When HeartbeatBefore is set, the stored last heartbeat must also be
// strictly older than it, so a heartbeat that lands after the caller read
// the node is never overwritten.
type StatusUpdate struct {
	ID              string
	From            Status
	To              Status
	At              time.Time
	HeartbeatBefore *time.Time
}

// HeartbeatUpdate records a heartbeat. It applies only while the stored
// status equals ExpectedStatus and the stored last heartbeat is absent or
// strictly older than HeartbeatAt.
type HeartbeatUpdate struct {
	ID             string
	ExpectedStatus Status
	NewStatus      Status
	HeartbeatAt    time.Time
	Metrics        Metrics
	HealthScore    float64
	PressureStreak int
	UpdatedAt      time.Time
}

// DecommissionParams soft-deletes a node. Implementations must, in the same
// transaction, deactivate and revoke the node's active certificate and move
// all of its pending and claimed reservations to released.
type DecommissionParams struct {
	ID   string
	From Status
	At   time.Time
}

type DecommissionResult struct {
	Node                   Node
	RevokedCertificateIDs  []string
	ReleasedReservationIDs []string
}

// Repository is the persistence the registry needs. GetNode and the update
// methods return store.ErrNotFound for unknown ids; updates that find the
// row in a different state return a *store.ConflictError.
type Repository interface {
	CreateNode(ctx context.Context, node Node) (Node, error)
	GetNode(ctx context.Context, id string) (Node, error)
	ListNodes(ctx context.Context, orgID string) ([]Node, error)
	ListStaleNodes(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]Node, error)
	UpdateStatus(ctx context.Context, update StatusUpdate) (Node, error)
	RecordHeartbeat(ctx context.Context, update HeartbeatUpdate) (Node, error)
	Decommission(ctx context.Context, params DecommissionParams) (DecommissionResult, error)
}
