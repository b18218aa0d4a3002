// Package audit publishes control-plane lifecycle events to an external
// sink. Publication is fire-and-forget: a failing sink is logged and
// counted, never surfaced to the operation that produced the event.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/metrics"
	"github.com/google/uuid"
)

type EventType string

const (
	EventTokenCreated        EventType = "enrollment.token_created"
	EventTokenConsumed       EventType = "enrollment.token_consumed"
	EventTokenRevoked        EventType = "enrollment.token_revoked"
	EventNodeEnrolled        EventType = "node.enrolled"
	EventNodeTransitioned    EventType = "node.transitioned"
	EventNodeDecommissioned  EventType = "node.decommissioned"
	EventCertificateIssued   EventType = "certificate.issued"
	EventCertificateRevoked  EventType = "certificate.revoked"
	EventRootRotated         EventType = "ca.root_rotated"
	EventReservationCreated  EventType = "reservation.created"
	EventReservationClaimed  EventType = "reservation.claimed"
	EventReservationReleased EventType = "reservation.released"
	EventReservationExpired  EventType = "reservation.expired"
)

type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	OrgID      string            `json:"org_id,omitempty"`
	NodeID     string            `json:"node_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Sink receives events. Implementations may block on I/O.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

const defaultPublishTimeout = 2 * time.Second

// Publisher stamps events and delivers them to a Sink with a bounded
// timeout detached from the caller's cancellation.
type Publisher struct {
	sink    Sink
	clock   clock.Clock
	timeout time.Duration
}

func NewPublisher(sink Sink, clk clock.Clock, timeout time.Duration) *Publisher {
	if sink == nil {
		sink = Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Publisher{sink: sink, clock: clk, timeout: timeout}
}

// Emit publishes event. It never returns an error; delivery failures are
// logged and counted.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	if p == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.clock.Now()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.sink.Publish(ctx, event); err != nil {
		metrics.AuditFailures.WithLabelValues(string(event.Type)).Inc()
		slog.Warn("Failed to publish audit event",
			"event_id", event.ID,
			"type", event.Type,
			"node_id", event.NodeID,
			"error", err)
	}
}
