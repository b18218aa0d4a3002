package bolt

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/reservations"
	"github.com/EternisAI/silo-fleet/internal/store"
	bbolt "go.etcd.io/bbolt"
)

func nameKey(orgID, name string) string {
	return orgID + "/" + strings.ToLower(name)
}

func (s *Store) CreateNode(ctx context.Context, node nodes.Node) (nodes.Node, error) {
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNodeNames)
		key := nameKey(node.OrgID, node.Name)
		if _, taken := lookup(names, key); taken {
			return nodes.ErrNameTaken
		}
		if err := putJSON(tx.Bucket(bucketNodes), node.ID, node); err != nil {
			return err
		}
		return names.Put([]byte(key), []byte(node.ID))
	})
	if err != nil {
		return nodes.Node{}, err
	}
	return node, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (nodes.Node, error) {
	var node nodes.Node
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketNodes), id, &node)
	})
	return node, err
}

func (s *Store) ListNodes(ctx context.Context, orgID string) ([]nodes.Node, error) {
	var result []nodes.Node
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketNodes), func(n nodes.Node) error {
			if n.OrgID == orgID && !n.IsDeleted() {
				result = append(result, n)
			}
			return nil
		})
	})
	slices.SortFunc(result, func(a, b nodes.Node) int { return strings.Compare(a.Name, b.Name) })
	return result, err
}

func (s *Store) ListStaleNodes(ctx context.Context, statuses []nodes.Status, cutoff time.Time, limit int) ([]nodes.Node, error) {
	var result []nodes.Node
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketNodes), func(n nodes.Node) error {
			if n.IsDeleted() || !slices.Contains(statuses, n.Status) {
				return nil
			}
			if n.LastHeartbeat == nil || n.LastHeartbeat.Before(cutoff) {
				result = append(result, n)
			}
			return nil
		})
	})
	slices.SortFunc(result, func(a, b nodes.Node) int { return heartbeatOf(a).Compare(heartbeatOf(b)) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, err
}

func heartbeatOf(n nodes.Node) time.Time {
	if n.LastHeartbeat == nil {
		return time.Time{}
	}
	return *n.LastHeartbeat
}

func (s *Store) UpdateStatus(ctx context.Context, update nodes.StatusUpdate) (nodes.Node, error) {
	var node nodes.Node
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if err := getJSON(b, update.ID, &node); err != nil {
			return err
		}
		if node.IsDeleted() || node.Status != update.From {
			return store.Conflict("node", update.ID, "status changed to "+string(node.Status))
		}
		if update.HeartbeatBefore != nil && node.LastHeartbeat != nil && !node.LastHeartbeat.Before(*update.HeartbeatBefore) {
			return store.Conflict("node", update.ID, "newer heartbeat recorded")
		}
		node.Status = update.To
		node.UpdatedAt = update.At
		return putJSON(b, node.ID, node)
	})
	if err != nil {
		return nodes.Node{}, err
	}
	return node, nil
}

func (s *Store) RecordHeartbeat(ctx context.Context, update nodes.HeartbeatUpdate) (nodes.Node, error) {
	var node nodes.Node
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if err := getJSON(b, update.ID, &node); err != nil {
			return err
		}
		if node.IsDeleted() || node.Status != update.ExpectedStatus {
			return store.Conflict("node", update.ID, "status changed to "+string(node.Status))
		}
		if node.LastHeartbeat != nil && !update.HeartbeatAt.After(*node.LastHeartbeat) {
			return store.Conflict("node", update.ID, "newer heartbeat recorded")
		}
		at := update.HeartbeatAt
		node.Status = update.NewStatus
		node.LastHeartbeat = &at
		node.Metrics = update.Metrics
		node.HealthScore = update.HealthScore
		node.PressureStreak = update.PressureStreak
		node.UpdatedAt = update.UpdatedAt
		return putJSON(b, node.ID, node)
	})
	if err != nil {
		return nodes.Node{}, err
	}
	return node, nil
}

func (s *Store) Decommission(ctx context.Context, params nodes.DecommissionParams) (nodes.DecommissionResult, error) {
	var result nodes.DecommissionResult
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		result = nodes.DecommissionResult{}

		b := tx.Bucket(bucketNodes)
		var node nodes.Node
		if err := getJSON(b, params.ID, &node); err != nil {
			return err
		}
		if node.IsDeleted() || node.Status != params.From {
			return store.Conflict("node", params.ID, "status changed to "+string(node.Status))
		}

		at := params.At
		node.Status = nodes.StatusDecommissioned
		node.DeletedAt = &at
		node.UpdatedAt = at
		if err := putJSON(b, node.ID, node); err != nil {
			return err
		}
		if err := tx.Bucket(bucketNodeNames).Delete([]byte(nameKey(node.OrgID, node.Name))); err != nil {
			return err
		}
		result.Node = node

		revoked, err := revokeActiveCertificate(tx, node.ID, cert.ReasonDecommissioned, at)
		if err != nil {
			return err
		}
		if revoked != "" {
			result.RevokedCertificateIDs = append(result.RevokedCertificateIDs, revoked)
		}

		rb := tx.Bucket(bucketReservations)
		var held []reservations.Reservation
		err = forEachJSON(rb, func(r reservations.Reservation) error {
			if r.NodeID == node.ID && (r.Status == reservations.StatusPending || r.Status == reservations.StatusClaimed) {
				held = append(held, r)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, r := range held {
			r.Status = reservations.StatusReleased
			r.ReleasedAt = &at
			if err := putJSON(rb, r.ID, r); err != nil {
				return err
			}
			result.ReleasedReservationIDs = append(result.ReleasedReservationIDs, r.ID)
		}
		return nil
	})
	if err != nil {
		return nodes.DecommissionResult{}, err
	}
	return result, nil
}
