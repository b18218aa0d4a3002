// Package bolt implements every repository on an embedded bbolt database.
// bbolt serializes writers, so each Update transaction is both the
// compare-and-swap and the per-node lock the repositories require. It suits
// a single replica and tests; multi-replica deployments use postgres.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/EternisAI/silo-fleet/internal/store"
	bbolt "go.etcd.io/bbolt"
)

var (
	bucketNodes             = []byte("nodes")
	bucketNodeNames         = []byte("node_names")
	bucketTokens            = []byte("enrollment_tokens")
	bucketTokenHashes       = []byte("enrollment_token_hashes")
	bucketCertificates      = []byte("agent_certificates")
	bucketCertThumbprints   = []byte("agent_certificate_thumbprints")
	bucketActiveCerts       = []byte("agent_active_certificates")
	bucketReservations      = []byte("capacity_reservations")
	bucketReservationTokens = []byte("capacity_reservation_tokens")
	bucketRoots             = []byte("ca_roots")
	bucketRootActive        = []byte("ca_root_active")

	activeRootKey = []byte("active")
)

type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketNodeNames,
			bucketTokens,
			bucketTokenHashes,
			bucketCertificates,
			bucketCertThumbprints,
			bucketActiveCerts,
			bucketReservations,
			bucketReservationTokens,
			bucketRoots,
			bucketRootActive,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *Store) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func getJSON(b *bbolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return store.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func lookup(b *bbolt.Bucket, key string) (string, bool) {
	v := b.Get([]byte(key))
	if v == nil {
		return "", false
	}
	return string(v), true
}

func forEachJSON[T any](b *bbolt.Bucket, fn func(T) error) error {
	return b.ForEach(func(_, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		return fn(item)
	})
}
