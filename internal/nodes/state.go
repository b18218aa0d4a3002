package nodes

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid node status transition")

// InvalidTransitionError reports a transition the lifecycle does not allow
// from the node's current status.
type InvalidTransitionError struct {
	NodeID string
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("node %s: cannot move from %s to %s", e.NodeID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var transitions = map[Status][]Status{
	StatusEnrolling:   {StatusOnline, StatusMaintenance, StatusDecommissioned},
	StatusOnline:      {StatusDegraded, StatusOffline, StatusMaintenance, StatusDecommissioned},
	StatusDegraded:    {StatusOnline, StatusOffline, StatusMaintenance, StatusDecommissioned},
	StatusOffline:     {StatusOnline, StatusMaintenance, StatusDecommissioned},
	StatusMaintenance: {StatusOnline, StatusDecommissioned},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
// Decommissioned has no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ValidStatus(s Status) bool {
	switch s {
	case StatusEnrolling, StatusOnline, StatusDegraded, StatusOffline, StatusMaintenance, StatusDecommissioned:
		return true
	}
	return false
}

// nextOnHeartbeat decides the status a heartbeat moves a node to.
// Maintenance is sticky: heartbeats refresh metrics but never change it.
func nextOnHeartbeat(current Status, pressured bool, streak, degradedAfter int) Status {
	switch current {
	case StatusEnrolling, StatusOffline:
		return StatusOnline
	case StatusOnline:
		if pressured && streak >= degradedAfter {
			return StatusDegraded
		}
		return StatusOnline
	case StatusDegraded:
		if !pressured {
			return StatusOnline
		}
		return StatusDegraded
	default:
		return current
	}
}
