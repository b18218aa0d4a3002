package bolt

import (
	"context"
	"slices"
	"time"

	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/reservations"
	"github.com/EternisAI/silo-fleet/internal/store"
	bbolt "go.etcd.io/bbolt"
)

func nodeTotal(node nodes.Node) reservations.Resources {
	return reservations.Resources{
		MemoryMB:      node.Capacity.MemoryMB,
		DiskMB:        node.Capacity.DiskMB,
		CPUMillicores: node.Capacity.CPUMillicores,
	}
}

// capacityTx computes the node's capacity view inside tx.
func capacityTx(tx *bbolt.Tx, nodeID string, now time.Time) (reservations.Capacity, error) {
	var node nodes.Node
	if err := getJSON(tx.Bucket(bucketNodes), nodeID, &node); err != nil {
		return reservations.Capacity{}, err
	}
	if node.IsDeleted() {
		return reservations.Capacity{}, store.ErrNotFound
	}

	var reserved reservations.Resources
	err := forEachJSON(tx.Bucket(bucketReservations), func(r reservations.Reservation) error {
		if r.NodeID == nodeID && r.Holds(now) {
			reserved = reserved.Add(r.Requested)
		}
		return nil
	})
	if err != nil {
		return reservations.Capacity{}, err
	}

	total := nodeTotal(node)
	return reservations.Capacity{
		NodeID:    nodeID,
		Total:     total,
		Reserved:  reserved,
		Available: total.Sub(reserved),
	}, nil
}

func (s *Store) Reserve(ctx context.Context, r reservations.Reservation, now time.Time) (reservations.Reservation, error) {
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		c, err := capacityTx(tx, r.NodeID, now)
		if err != nil {
			return err
		}
		if err := reservations.CheckFits(r.NodeID, c.Total, c.Reserved, r.Requested); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(bucketReservations), r.ID, r); err != nil {
			return err
		}
		return tx.Bucket(bucketReservationTokens).Put([]byte(r.Token), []byte(r.ID))
	})
	if err != nil {
		return reservations.Reservation{}, err
	}
	return r, nil
}

func reservationByToken(tx *bbolt.Tx, token string) (reservations.Reservation, error) {
	var r reservations.Reservation
	id, ok := lookup(tx.Bucket(bucketReservationTokens), token)
	if !ok {
		return r, store.ErrNotFound
	}
	err := getJSON(tx.Bucket(bucketReservations), id, &r)
	return r, err
}

func (s *Store) GetByToken(ctx context.Context, token string) (reservations.Reservation, error) {
	var r reservations.Reservation
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		r, err = reservationByToken(tx, token)
		return err
	})
	return r, err
}

func (s *Store) Claim(ctx context.Context, token string, now time.Time) (reservations.Reservation, error) {
	var r reservations.Reservation
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		var err error
		if r, err = reservationByToken(tx, token); err != nil {
			return err
		}
		if r.Status != reservations.StatusPending || !r.Holds(now) {
			return store.Conflict("reservation", r.ID, "not pending or expired")
		}
		claimedAt := now
		r.Status = reservations.StatusClaimed
		r.ClaimedAt = &claimedAt
		r.ExpiresAt = nil
		return putJSON(tx.Bucket(bucketReservations), r.ID, r)
	})
	if err != nil {
		return reservations.Reservation{}, err
	}
	return r, nil
}

func (s *Store) Release(ctx context.Context, token string, now time.Time) (reservations.Reservation, error) {
	var r reservations.Reservation
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		var err error
		if r, err = reservationByToken(tx, token); err != nil {
			return err
		}
		if r.Status != reservations.StatusPending && r.Status != reservations.StatusClaimed {
			return store.Conflict("reservation", r.ID, "status is "+string(r.Status))
		}
		releasedAt := now
		r.Status = reservations.StatusReleased
		r.ReleasedAt = &releasedAt
		return putJSON(tx.Bucket(bucketReservations), r.ID, r)
	})
	if err != nil {
		return reservations.Reservation{}, err
	}
	return r, nil
}

func (s *Store) Capacity(ctx context.Context, nodeID string, now time.Time) (reservations.Capacity, error) {
	var c reservations.Capacity
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		c, err = capacityTx(tx, nodeID, now)
		return err
	})
	return c, err
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]reservations.Reservation, error) {
	var result []reservations.Reservation
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketReservations), func(r reservations.Reservation) error {
			if r.Status == reservations.StatusPending && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
				result = append(result, r)
			}
			return nil
		})
	})
	slices.SortFunc(result, func(a, b reservations.Reservation) int { return a.ExpiresAt.Compare(*b.ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, err
}

func (s *Store) Expire(ctx context.Context, id string, now time.Time) (reservations.Reservation, error) {
	var r reservations.Reservation
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		if err := getJSON(b, id, &r); err != nil {
			return err
		}
		if r.Status != reservations.StatusPending || r.ExpiresAt == nil || now.Before(*r.ExpiresAt) {
			return store.Conflict("reservation", id, "not pending or not yet due")
		}
		r.Status = reservations.StatusExpired
		return putJSON(b, id, r)
	})
	if err != nil {
		return reservations.Reservation{}, err
	}
	return r, nil
}

func (s *Store) ListReservations(ctx context.Context, nodeID string) ([]reservations.Reservation, error) {
	var result []reservations.Reservation
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketReservations), func(r reservations.Reservation) error {
			if r.NodeID == nodeID {
				result = append(result, r)
			}
			return nil
		})
	})
	sortNewestFirst(result, func(r reservations.Reservation) time.Time { return r.CreatedAt })
	return result, err
}
