package reservations

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusClaimed  Status = "claimed"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
)

// Resources is an amount of node capacity in each tracked dimension.
type Resources struct {
	MemoryMB      int64 `json:"memory_mb"`
	DiskMB        int64 `json:"disk_mb"`
	CPUMillicores int64 `json:"cpu_millicores"`
}

func (r Resources) Add(o Resources) Resources {
	return Resources{
		MemoryMB:      r.MemoryMB + o.MemoryMB,
		DiskMB:        r.DiskMB + o.DiskMB,
		CPUMillicores: r.CPUMillicores + o.CPUMillicores,
	}
}

func (r Resources) Sub(o Resources) Resources {
	return Resources{
		MemoryMB:      r.MemoryMB - o.MemoryMB,
		DiskMB:        r.DiskMB - o.DiskMB,
		CPUMillicores: r.CPUMillicores - o.CPUMillicores,
	}
}

type Reservation struct {
	ID         string
	NodeID     string
	Requested  Resources
	Status     Status
	Token      string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	ClaimedAt  *time.Time
	ReleasedAt *time.Time
}

// Holds reports whether the reservation counts against node capacity at
// now. Pending reservations stop holding capacity once they expire, even
// before the reaper marks them.
func (r Reservation) Holds(now time.Time) bool {
	switch r.Status {
	case StatusClaimed:
		return true
	case StatusPending:
		return r.ExpiresAt != nil && now.Before(*r.ExpiresAt)
	}
	return false
}

// Capacity is a point-in-time view of a node's capacity.
type Capacity struct {
	NodeID    string    `json:"node_id"`
	Total     Resources `json:"total"`
	Reserved  Resources `json:"reserved"`
	Available Resources `json:"available"`
}

// Repository persists reservations.
//
// Reserve must read the node's total capacity, sum the reservations that
// hold capacity at now and insert r in one transaction serialized per node,
// so two concurrent reservations can never both pass against the same
// stale total. It returns store.ErrNotFound for unknown or deleted nodes
// and the error from CheckFits when r does not fit.
//
// Claim, Release and Expire are conditional updates. They return
// store.ErrNotFound when no row matches the token or id, and a
// *store.ConflictError when the row is not in a state the update applies
// to at now.
type Repository interface {
	Reserve(ctx context.Context, r Reservation, now time.Time) (Reservation, error)
	GetByToken(ctx context.Context, token string) (Reservation, error)
	Claim(ctx context.Context, token string, now time.Time) (Reservation, error)
	Release(ctx context.Context, token string, now time.Time) (Reservation, error)
	Capacity(ctx context.Context, nodeID string, now time.Time) (Capacity, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	Expire(ctx context.Context, id string, now time.Time) (Reservation, error)
	ListReservations(ctx context.Context, nodeID string) ([]Reservation, error)
}
