package reaper

import (
	"context"
	"time"

	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/reservations"
)

const (
	TaskStaleNodes        = "stale-nodes"
	TaskReservationExpiry = "reservation-expiry"
	TaskTokenPurge        = "enrollment-token-purge"
)

type StaleDetector interface {
	DemoteStale(ctx context.Context) (nodes.StaleScanResult, error)
}

type ReservationExpirer interface {
	ExpireDue(ctx context.Context) (reservations.ExpiryResult, error)
}

type TokenPurger interface {
	PurgeExpired(ctx context.Context, retention time.Duration) (int, error)
}

func StaleNodesTask(d StaleDetector, interval time.Duration) Task {
	return Task{
		Name:     TaskStaleNodes,
		Interval: interval,
		Run: func(ctx context.Context) (map[string]int, error) {
			res, err := d.DemoteStale(ctx)
			return map[string]int{
				"demoted": res.Demoted,
				"skipped": res.Skipped,
				"failed":  res.Failed,
			}, err
		},
	}
}

func ReservationExpiryTask(e ReservationExpirer, interval time.Duration) Task {
	return Task{
		Name:     TaskReservationExpiry,
		Interval: interval,
		Run: func(ctx context.Context) (map[string]int, error) {
			res, err := e.ExpireDue(ctx)
			return map[string]int{
				"expired": res.Expired,
				"skipped": res.Skipped,
				"failed":  res.Failed,
			}, err
		},
	}
}

func TokenPurgeTask(p TokenPurger, interval, retention time.Duration) Task {
	return Task{
		Name:     TaskTokenPurge,
		Interval: interval,
		Run: func(ctx context.Context) (map[string]int, error) {
			n, err := p.PurgeExpired(ctx, retention)
			return map[string]int{"purged": n}, err
		},
	}
}
