package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-fleet/internal/store"
)

// StaleScanResult summarises one stale-node scan.
type StaleScanResult struct {
	Scanned int
	Demoted int
	Skipped int
	Failed  int
}

// DemoteStale moves online and degraded nodes whose last heartbeat is
// older than the stale window to offline. Each demotion is conditional on
// the heartbeat still being older than the cutoff, so a heartbeat that
// arrives mid-scan wins. Failures on one node do not stop the scan.
func (r *Registry) DemoteStale(ctx context.Context) (StaleScanResult, error) {
	cutoff := r.clock.Now().Add(-r.policy.StaleAfter)

	candidates, err := r.repo.ListStaleNodes(ctx, []Status{StatusOnline, StatusDegraded}, cutoff, r.policy.StaleBatchSize)
	if err != nil {
		return StaleScanResult{}, fmt.Errorf("failed to list stale nodes: %w", err)
	}

	var result StaleScanResult
	for _, node := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		_, err := r.transition(ctx, node, StatusOffline, "heartbeat timeout", &cutoff)
		switch {
		case err == nil:
			result.Demoted++
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNodeNotFound):
			result.Skipped++
		case errors.Is(err, store.ErrConflict):
			result.Skipped++
			slog.Debug("Stale node changed during scan, skipping", "node_id", node.ID, "error", err)
		default:
			result.Failed++
			slog.Warn("Failed to demote stale node", "node_id", node.ID, "error", err)
		}
	}

	return result, nil
}
