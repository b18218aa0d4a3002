// Package keystore is the secure storage for the certificate authority's
// root key material. Private keys are sealed before they reach the
// repository and are only handed out as crypto.Signer values.
package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/google/uuid"
)

var ErrNoActiveRoot = errors.New("no active root certificate")

// Record is the persisted form of a root. SealedKey is opaque to the
// repository.
type Record struct {
	ID          string
	CertDER     []byte
	SealedKey   []byte
	Active      bool
	CreatedAt   time.Time
	RetiredAt   *time.Time
	RetainUntil *time.Time
}

// Repository persists root records.
//
// RotateRoot must, in one transaction, retire the root identified by
// expectedActiveID (setting retired_at and retain_until) and insert next
// as the only active root. An empty expectedActiveID means no root may be
// active yet. If the active root differs from the expectation it returns a
// *store.ConflictError.
type Repository interface {
	GetActiveRoot(ctx context.Context) (Record, error)
	ListRoots(ctx context.Context) ([]Record, error)
	RotateRoot(ctx context.Context, expectedActiveID string, next Record, retiredAt, retainUntil time.Time) error
	DeleteRootsRetainedBefore(ctx context.Context, before time.Time) (int, error)
}

// Root is an unsealed root certificate together with its signer.
type Root struct {
	ID          string
	Certificate *x509.Certificate
	Signer      crypto.Signer
	CreatedAt   time.Time
}

type Sealed struct {
	repo   Repository
	sealer *Sealer
	clock  clock.Clock
}

func New(repo Repository, sealer *Sealer, clk clock.Clock) *Sealed {
	if clk == nil {
		clk = clock.Real()
	}
	return &Sealed{repo: repo, sealer: sealer, clock: clk}
}

// ActiveRoot unseals the root used for new issuances.
func (k *Sealed) ActiveRoot(ctx context.Context) (*Root, error) {
	rec, err := k.repo.GetActiveRoot(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoActiveRoot
		}
		return nil, fmt.Errorf("failed to load active root: %w", err)
	}
	return k.unseal(rec)
}

// RotateRoot stores cert/key as the new active root and retires the current
// one, which stays in the trust bundle until retainUntil.
func (k *Sealed) RotateRoot(ctx context.Context, cert *x509.Certificate, key crypto.Signer, retainUntil time.Time) (*Root, error) {
	expected := ""
	current, err := k.repo.GetActiveRoot(ctx)
	switch {
	case err == nil:
		expected = current.ID
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load active root: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal root key: %w", err)
	}

	id := uuid.NewString()
	sealed, err := k.sealer.Seal(keyDER, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("failed to seal root key: %w", err)
	}

	now := k.clock.Now()
	next := Record{
		ID:        id,
		CertDER:   cert.Raw,
		SealedKey: sealed,
		Active:    true,
		CreatedAt: now,
	}
	if err := k.repo.RotateRoot(ctx, expected, next, now, retainUntil); err != nil {
		return nil, fmt.Errorf("failed to store root: %w", err)
	}

	slog.Info("Root certificate stored",
		"root_id", id,
		"previous_root_id", expected,
		"retain_previous_until", retainUntil)

	return &Root{ID: id, Certificate: cert, Signer: key, CreatedAt: now}, nil
}

// TrustBundle returns every root whose descendants may still be valid:
// the active root and retired roots inside their retention window.
func (k *Sealed) TrustBundle(ctx context.Context) ([]*x509.Certificate, error) {
	records, err := k.repo.ListRoots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list roots: %w", err)
	}

	now := k.clock.Now()
	bundle := make([]*x509.Certificate, 0, len(records))
	for _, rec := range records {
		if !rec.Active && (rec.RetainUntil == nil || !now.Before(*rec.RetainUntil)) {
			continue
		}
		cert, err := x509.ParseCertificate(rec.CertDER)
		if err != nil {
			return nil, fmt.Errorf("failed to parse root %s: %w", rec.ID, err)
		}
		bundle = append(bundle, cert)
	}
	return bundle, nil
}

// PruneRoots deletes retired roots whose retention window has passed.
func (k *Sealed) PruneRoots(ctx context.Context) (int, error) {
	n, err := k.repo.DeleteRootsRetainedBefore(ctx, k.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to prune roots: %w", err)
	}
	if n > 0 {
		slog.Info("Pruned retired root certificates", "removed", n)
	}
	return n, nil
}

func (k *Sealed) unseal(rec Record) (*Root, error) {
	cert, err := x509.ParseCertificate(rec.CertDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}

	keyDER, err := k.sealer.Open(rec.SealedKey, []byte(rec.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to unseal root key: %w", err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse root key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("root key is not a signer")
	}

	return &Root{ID: rec.ID, Certificate: cert, Signer: signer, CreatedAt: rec.CreatedAt}, nil
}
