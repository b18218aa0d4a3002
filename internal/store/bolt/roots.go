package bolt

import (
	"context"
	"time"

	"github.com/EternisAI/silo-fleet/internal/keystore"
	"github.com/EternisAI/silo-fleet/internal/store"
	bbolt "go.etcd.io/bbolt"
)

func (s *Store) GetActiveRoot(ctx context.Context) (keystore.Record, error) {
	var rec keystore.Record
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketRootActive).Get(activeRootKey)
		if id == nil {
			return store.ErrNotFound
		}
		return getJSON(tx.Bucket(bucketRoots), string(id), &rec)
	})
	return rec, err
}

func (s *Store) ListRoots(ctx context.Context) ([]keystore.Record, error) {
	var result []keystore.Record
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketRoots), func(rec keystore.Record) error {
			result = append(result, rec)
			return nil
		})
	})
	sortNewestFirst(result, func(rec keystore.Record) time.Time { return rec.CreatedAt })
	return result, err
}

func (s *Store) RotateRoot(ctx context.Context, expectedActiveID string, next keystore.Record, retiredAt, retainUntil time.Time) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		active := tx.Bucket(bucketRootActive)
		roots := tx.Bucket(bucketRoots)

		current := string(active.Get(activeRootKey))
		if current != expectedActiveID {
			return store.Conflict("root", next.ID, "active root changed")
		}

		if current != "" {
			var prev keystore.Record
			if err := getJSON(roots, current, &prev); err != nil {
				return err
			}
			prev.Active = false
			prev.RetiredAt = &retiredAt
			prev.RetainUntil = &retainUntil
			if err := putJSON(roots, prev.ID, prev); err != nil {
				return err
			}
		}

		next.Active = true
		if err := putJSON(roots, next.ID, next); err != nil {
			return err
		}
		return active.Put(activeRootKey, []byte(next.ID))
	})
}

func (s *Store) DeleteRootsRetainedBefore(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		removed = 0
		roots := tx.Bucket(bucketRoots)
		var expired []string
		err := forEachJSON(roots, func(rec keystore.Record) error {
			if !rec.Active && rec.RetainUntil != nil && !rec.RetainUntil.After(before) {
				expired = append(expired, rec.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range expired {
			if err := roots.Delete([]byte(id)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
