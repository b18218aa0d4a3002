// Package reservations arbitrates node capacity. A reservation holds
// capacity while pending, keeps it once claimed, and gives it back when
// released or when a pending hold expires.
package reservations

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/EternisAI/silo-fleet/internal/audit"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/google/uuid"
)

const (
	tokenPrefix = "rsv_"
	tokenLength = 24

	DefaultTTL             = 15 * time.Minute
	DefaultExpiryBatchSize = 500
)

type Policy struct {
	DefaultTTL      time.Duration
	ExpiryBatchSize int
}

func (p Policy) withDefaults() Policy {
	if p.DefaultTTL <= 0 {
		p.DefaultTTL = DefaultTTL
	}
	if p.ExpiryBatchSize <= 0 {
		p.ExpiryBatchSize = DefaultExpiryBatchSize
	}
	return p
}

type Manager struct {
	repo   Repository
	clock  clock.Clock
	audit  *audit.Publisher
	policy Policy
}

func NewManager(repo Repository, clk clock.Clock, publisher *audit.Publisher, policy Policy) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		repo:   repo,
		clock:  clk,
		audit:  publisher,
		policy: policy.withDefaults(),
	}
}

func generateToken() (string, error) {
	bytes := make([]byte, tokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Reserve holds requested capacity on a node for ttl (DefaultTTL when
// ttl <= 0). The availability check and the insert are one atomic step in
// the repository.
func (m *Manager) Reserve(ctx context.Context, nodeID string, requested Resources, ttl time.Duration) (Reservation, error) {
	if nodeID == "" {
		return Reservation{}, fmt.Errorf("%w: node id is required", ErrInvalidRequest)
	}
	if requested.MemoryMB < 0 || requested.DiskMB < 0 || requested.CPUMillicores < 0 {
		return Reservation{}, fmt.Errorf("%w: requested resources must not be negative", ErrInvalidRequest)
	}
	if requested == (Resources{}) {
		return Reservation{}, fmt.Errorf("%w: requested resources must not be empty", ErrInvalidRequest)
	}
	if ttl <= 0 {
		ttl = m.policy.DefaultTTL
	}

	token, err := generateToken()
	if err != nil {
		return Reservation{}, err
	}

	now := m.clock.Now()
	expiresAt := now.Add(ttl)
	r, err := m.repo.Reserve(ctx, Reservation{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Requested: requested,
		Status:    StatusPending,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: &expiresAt,
	}, now)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientCapacity):
			metrics.ReservationsTotal.WithLabelValues("reserve", "insufficient").Inc()
			slog.Debug("Reservation rejected", "node_id", nodeID, "error", err)
			return Reservation{}, err
		case errors.Is(err, store.ErrNotFound):
			metrics.ReservationsTotal.WithLabelValues("reserve", "not_found").Inc()
			return Reservation{}, ErrNodeNotFound
		}
		metrics.ReservationsTotal.WithLabelValues("reserve", "error").Inc()
		return Reservation{}, fmt.Errorf("failed to reserve capacity: %w", err)
	}

	metrics.ReservationsTotal.WithLabelValues("reserve", "ok").Inc()
	slog.Info("Capacity reserved",
		"reservation_id", r.ID,
		"node_id", nodeID,
		"memory_mb", requested.MemoryMB,
		"disk_mb", requested.DiskMB,
		"cpu_millicores", requested.CPUMillicores,
		"expires_at", expiresAt)

	m.emit(ctx, audit.EventReservationCreated, r)
	return r, nil
}

// Claim turns a pending reservation into a claimed one that never expires.
// Claiming an already claimed reservation returns it unchanged.
func (m *Manager) Claim(ctx context.Context, token string) (Reservation, error) {
	r, err := m.repo.Claim(ctx, token, m.clock.Now())
	if err == nil {
		metrics.ReservationsTotal.WithLabelValues("claim", "ok").Inc()
		slog.Info("Reservation claimed", "reservation_id", r.ID, "node_id", r.NodeID)
		m.emit(ctx, audit.EventReservationClaimed, r)
		return r, nil
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.ReservationsTotal.WithLabelValues("claim", "not_found").Inc()
		return Reservation{}, ErrReservationNotFound
	case !errors.Is(err, store.ErrConflict):
		metrics.ReservationsTotal.WithLabelValues("claim", "error").Inc()
		return Reservation{}, fmt.Errorf("failed to claim reservation: %w", err)
	}

	current, getErr := m.repo.GetByToken(ctx, token)
	if getErr != nil {
		if errors.Is(getErr, store.ErrNotFound) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, fmt.Errorf("failed to load reservation: %w", getErr)
	}

	switch current.Status {
	case StatusClaimed:
		metrics.ReservationsTotal.WithLabelValues("claim", "ok").Inc()
		return current, nil
	case StatusExpired:
		metrics.ReservationsTotal.WithLabelValues("claim", "expired").Inc()
		return Reservation{}, ErrReservationExpired
	case StatusReleased:
		metrics.ReservationsTotal.WithLabelValues("claim", "not_found").Inc()
		return Reservation{}, ErrReservationNotFound
	case StatusPending:
		if !current.Holds(m.clock.Now()) {
			metrics.ReservationsTotal.WithLabelValues("claim", "expired").Inc()
			return Reservation{}, ErrReservationExpired
		}
	}

	metrics.ReservationsTotal.WithLabelValues("claim", "conflict").Inc()
	return Reservation{}, err
}

// Release gives the reservation's capacity back. Releasing a reservation
// that is already released or expired succeeds.
func (m *Manager) Release(ctx context.Context, token string) (Reservation, error) {
	r, err := m.repo.Release(ctx, token, m.clock.Now())
	if err == nil {
		metrics.ReservationsTotal.WithLabelValues("release", "ok").Inc()
		slog.Info("Reservation released", "reservation_id", r.ID, "node_id", r.NodeID)
		m.emit(ctx, audit.EventReservationReleased, r)
		return r, nil
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.ReservationsTotal.WithLabelValues("release", "not_found").Inc()
		return Reservation{}, ErrReservationNotFound
	case !errors.Is(err, store.ErrConflict):
		metrics.ReservationsTotal.WithLabelValues("release", "error").Inc()
		return Reservation{}, fmt.Errorf("failed to release reservation: %w", err)
	}

	current, getErr := m.repo.GetByToken(ctx, token)
	if getErr != nil {
		if errors.Is(getErr, store.ErrNotFound) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, fmt.Errorf("failed to load reservation: %w", getErr)
	}
	if current.Status == StatusReleased || current.Status == StatusExpired {
		metrics.ReservationsTotal.WithLabelValues("release", "ok").Inc()
		return current, nil
	}

	metrics.ReservationsTotal.WithLabelValues("release", "conflict").Inc()
	return Reservation{}, err
}

// GetAvailableCapacity returns total, reserved and available capacity for
// a node as of now.
func (m *Manager) GetAvailableCapacity(ctx context.Context, nodeID string) (Capacity, error) {
	c, err := m.repo.Capacity(ctx, nodeID, m.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Capacity{}, ErrNodeNotFound
		}
		return Capacity{}, fmt.Errorf("failed to read capacity: %w", err)
	}
	return c, nil
}

func (m *Manager) ListReservations(ctx context.Context, nodeID string) ([]Reservation, error) {
	rs, err := m.repo.ListReservations(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return rs, nil
}

func (m *Manager) emit(ctx context.Context, t audit.EventType, r Reservation) {
	m.audit.Emit(ctx, audit.Event{
		Type:   t,
		NodeID: r.NodeID,
		Attributes: map[string]string{
			"reservation_id": r.ID,
			"status":         string(r.Status),
			"memory_mb":      strconv.FormatInt(r.Requested.MemoryMB, 10),
			"disk_mb":        strconv.FormatInt(r.Requested.DiskMB, 10),
			"cpu_millicores": strconv.FormatInt(r.Requested.CPUMillicores, 10),
		},
	})
}
