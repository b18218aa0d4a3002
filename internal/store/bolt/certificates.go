package bolt

import (
	"context"
	"slices"
	"time"

	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/store"
	bbolt "go.etcd.io/bbolt"
)

// revokeActiveCertificate retires the node's active certificate inside tx
// and returns its id, or "" if the node had none.
func revokeActiveCertificate(tx *bbolt.Tx, nodeID, reason string, at time.Time) (string, error) {
	active := tx.Bucket(bucketActiveCerts)
	id, ok := lookup(active, nodeID)
	if !ok {
		return "", nil
	}

	b := tx.Bucket(bucketCertificates)
	var c cert.Certificate
	if err := getJSON(b, id, &c); err != nil {
		return "", err
	}
	c.IsActive = false
	if c.RevokedAt == nil {
		revokedAt := at
		c.RevokedAt = &revokedAt
		c.RevocationReason = reason
	}
	if err := putJSON(b, c.ID, c); err != nil {
		return "", err
	}
	return id, active.Delete([]byte(nodeID))
}

func (s *Store) ActivateCertificate(ctx context.Context, c cert.Certificate, supersededReason string) ([]string, error) {
	var superseded []string
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		superseded = nil

		var node nodes.Node
		if err := getJSON(tx.Bucket(bucketNodes), c.NodeID, &node); err != nil {
			return err
		}
		if node.IsDeleted() {
			return store.ErrNotFound
		}

		previous, err := revokeActiveCertificate(tx, c.NodeID, supersededReason, c.IssuedAt)
		if err != nil {
			return err
		}
		if previous != "" {
			superseded = append(superseded, previous)
		}

		c.IsActive = true
		if err := putJSON(tx.Bucket(bucketCertificates), c.ID, c); err != nil {
			return err
		}
		if err := tx.Bucket(bucketCertThumbprints).Put([]byte(c.Thumbprint), []byte(c.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketActiveCerts).Put([]byte(c.NodeID), []byte(c.ID))
	})
	if err != nil {
		return nil, err
	}
	return superseded, nil
}

func (s *Store) GetCertificate(ctx context.Context, id string) (cert.Certificate, error) {
	var c cert.Certificate
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketCertificates), id, &c)
	})
	return c, err
}

func (s *Store) GetCertificateByThumbprint(ctx context.Context, thumbprint string) (cert.Certificate, error) {
	var c cert.Certificate
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		id, ok := lookup(tx.Bucket(bucketCertThumbprints), thumbprint)
		if !ok {
			return store.ErrNotFound
		}
		return getJSON(tx.Bucket(bucketCertificates), id, &c)
	})
	return c, err
}

func (s *Store) RevokeCertificate(ctx context.Context, id, reason string, at time.Time) (cert.Certificate, bool, error) {
	var c cert.Certificate
	changed := false
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		changed = false
		b := tx.Bucket(bucketCertificates)
		if err := getJSON(b, id, &c); err != nil {
			return err
		}
		if c.RevokedAt != nil {
			return nil
		}

		revokedAt := at
		c.RevokedAt = &revokedAt
		c.RevocationReason = reason
		c.IsActive = false
		if err := putJSON(b, id, c); err != nil {
			return err
		}

		active := tx.Bucket(bucketActiveCerts)
		if current, ok := lookup(active, c.NodeID); ok && current == id {
			if err := active.Delete([]byte(c.NodeID)); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	return c, changed, err
}

func (s *Store) ListCertificates(ctx context.Context, nodeID string) ([]cert.Certificate, error) {
	var result []cert.Certificate
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketCertificates), func(c cert.Certificate) error {
			if c.NodeID == nodeID {
				result = append(result, c)
			}
			return nil
		})
	})
	sortNewestFirst(result, func(c cert.Certificate) time.Time { return c.IssuedAt })
	return result, err
}

func (s *Store) ListRevokedCertificates(ctx context.Context, expiringAfter time.Time) ([]cert.Certificate, error) {
	var result []cert.Certificate
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketCertificates), func(c cert.Certificate) error {
			if c.RevokedAt != nil && c.ExpiresAt.After(expiringAfter) {
				result = append(result, c)
			}
			return nil
		})
	})
	return result, err
}

func sortNewestFirst[T any](items []T, at func(T) time.Time) {
	slices.SortStableFunc(items, func(a, b T) int { return at(b).Compare(at(a)) })
}
