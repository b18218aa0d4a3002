package reservations

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrNodeNotFound         = errors.New("node not found")
	ErrInvalidRequest       = errors.New("invalid reservation request")
)

// InsufficientCapacityError names the first dimension a reservation did
// not fit in.
type InsufficientCapacityError struct {
	NodeID    string
	Dimension string
	Requested int64
	Available int64
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("node %s: insufficient %s: requested %d, available %d",
		e.NodeID, e.Dimension, e.Requested, e.Available)
}

func (e *InsufficientCapacityError) Is(target error) bool {
	return target == ErrInsufficientCapacity
}

// CheckFits returns an *InsufficientCapacityError if requested exceeds
// total minus reserved in any dimension.
func CheckFits(nodeID string, total, reserved, requested Resources) error {
	available := total.Sub(reserved)
	dims := []struct {
		name      string
		requested int64
		available int64
	}{
		{"memory_mb", requested.MemoryMB, available.MemoryMB},
		{"disk_mb", requested.DiskMB, available.DiskMB},
		{"cpu_millicores", requested.CPUMillicores, available.CPUMillicores},
	}
	for _, d := range dims {
		if d.requested > d.available {
			return &InsufficientCapacityError{
				NodeID:    nodeID,
				Dimension: d.name,
				Requested: d.requested,
				Available: max(d.available, 0),
			}
		}
	}
	return nil
}
