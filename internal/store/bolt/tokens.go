package bolt

import (
	"context"
	"time"

	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/store"
	bbolt "go.etcd.io/bbolt"
)

func (s *Store) CreateToken(ctx context.Context, token provisioning.Token) (provisioning.Token, error) {
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		hashes := tx.Bucket(bucketTokenHashes)
		if _, exists := lookup(hashes, token.SecretHash); exists {
			return store.Conflict("enrollment_token", token.ID, "secret hash already exists")
		}
		if err := putJSON(tx.Bucket(bucketTokens), token.ID, token); err != nil {
			return err
		}
		return hashes.Put([]byte(token.SecretHash), []byte(token.ID))
	})
	if err != nil {
		return provisioning.Token{}, err
	}
	return token, nil
}

func tokenByHash(tx *bbolt.Tx, hash string) (provisioning.Token, error) {
	var token provisioning.Token
	id, ok := lookup(tx.Bucket(bucketTokenHashes), hash)
	if !ok {
		return token, store.ErrNotFound
	}
	err := getJSON(tx.Bucket(bucketTokens), id, &token)
	return token, err
}

func (s *Store) ConsumeToken(ctx context.Context, secretHash string, now time.Time) (provisioning.Token, error) {
	var token provisioning.Token
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		var err error
		token, err = tokenByHash(tx, secretHash)
		if err != nil {
			return err
		}
		if !token.Usable(now) {
			return store.ErrNotFound
		}
		usedAt := now
		token.UsedAt = &usedAt
		return putJSON(tx.Bucket(bucketTokens), token.ID, token)
	})
	if err != nil {
		return provisioning.Token{}, err
	}
	return token, nil
}

func (s *Store) RestoreToken(ctx context.Context, secretHash string) (provisioning.Token, error) {
	var token provisioning.Token
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		var err error
		token, err = tokenByHash(tx, secretHash)
		if err != nil {
			return err
		}
		if token.UsedAt == nil || token.Revoked {
			return store.ErrNotFound
		}
		token.UsedAt = nil
		return putJSON(tx.Bucket(bucketTokens), token.ID, token)
	})
	if err != nil {
		return provisioning.Token{}, err
	}
	return token, nil
}

func (s *Store) GetTokenByHash(ctx context.Context, secretHash string) (provisioning.Token, error) {
	var token provisioning.Token
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		token, err = tokenByHash(tx, secretHash)
		return err
	})
	return token, err
}

func (s *Store) RevokeToken(ctx context.Context, id string) (provisioning.Token, error) {
	var token provisioning.Token
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		if err := getJSON(b, id, &token); err != nil {
			return err
		}
		token.Revoked = true
		return putJSON(b, id, token)
	})
	if err != nil {
		return provisioning.Token{}, err
	}
	return token, nil
}

func (s *Store) ListTokens(ctx context.Context, orgID string) ([]provisioning.Token, error) {
	var result []provisioning.Token
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketTokens), func(t provisioning.Token) error {
			if t.OrgID == orgID {
				result = append(result, t)
			}
			return nil
		})
	})
	sortNewestFirst(result, func(t provisioning.Token) time.Time { return t.CreatedAt })
	return result, err
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		removed = 0
		b := tx.Bucket(bucketTokens)
		var expired []provisioning.Token
		err := forEachJSON(b, func(t provisioning.Token) error {
			if t.ExpiresAt.Before(before) {
				expired = append(expired, t)
			}
			return nil
		})
		if err != nil {
			return err
		}
		hashes := tx.Bucket(bucketTokenHashes)
		for _, t := range expired {
			if err := b.Delete([]byte(t.ID)); err != nil {
				return err
			}
			if err := hashes.Delete([]byte(t.SecretHash)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
