package reservations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-fleet/internal/audit"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/EternisAI/silo-fleet/internal/store"
)

type ExpiryResult struct {
	Scanned int
	Expired int
	Skipped int
	Failed  int
}

// ExpireDue marks pending reservations past their expiry as expired. Each
// row is a conditional update, so a claim that committed first wins and the
// row is skipped. Failures on one row do not stop the batch.
func (m *Manager) ExpireDue(ctx context.Context) (ExpiryResult, error) {
	now := m.clock.Now()

	due, err := m.repo.ListExpiredPending(ctx, now, m.policy.ExpiryBatchSize)
	if err != nil {
		return ExpiryResult{}, fmt.Errorf("failed to list expired reservations: %w", err)
	}

	var result ExpiryResult
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		expired, err := m.repo.Expire(ctx, r.ID, now)
		switch {
		case err == nil:
			result.Expired++
			slog.Debug("Reservation expired", "reservation_id", r.ID, "node_id", r.NodeID)
			m.emit(ctx, audit.EventReservationExpired, expired)
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			result.Skipped++
		default:
			result.Failed++
			slog.Warn("Failed to expire reservation", "reservation_id", r.ID, "error", err)
		}
	}

	metrics.ReservationsTotal.WithLabelValues("expire", "ok").Add(float64(result.Expired))
	return result, nil
}
