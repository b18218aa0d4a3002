package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Publish(ctx context.Context, event Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func TestPublisherStampsEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := new(MockSink)
	sink.On("Publish", mock.Anything, mock.MatchedBy(func(e Event) bool {
		return e.ID != "" && e.OccurredAt.Equal(now) && e.Type == EventNodeEnrolled
	})).Return(nil)

	p := NewPublisher(sink, clock.NewFake(now), time.Second)
	p.Emit(context.Background(), Event{Type: EventNodeEnrolled, NodeID: "n-1"})

	sink.AssertExpectations(t)
}

func TestPublisherSwallowsSinkErrors(t *testing.T) {
	sink := new(MockSink)
	sink.On("Publish", mock.Anything, mock.Anything).Return(errors.New("sink down"))

	p := NewPublisher(sink, nil, 0)
	assert.NotPanics(t, func() {
		p.Emit(context.Background(), Event{Type: EventCertificateRevoked})
	})
	sink.AssertNumberOfCalls(t, "Publish", 1)
}

func TestPublisherIgnoresCallerCancellation(t *testing.T) {
	sink := new(MockSink)
	sink.On("Publish", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewPublisher(sink, nil, time.Second).Emit(ctx, Event{Type: EventReservationExpired})
	sink.AssertExpectations(t)
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() { p.Emit(context.Background(), Event{}) })
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := new(MockSink)
	ok.On("Publish", mock.Anything, mock.Anything).Return(nil)
	bad := new(MockSink)
	bad.On("Publish", mock.Anything, mock.Anything).Return(errors.New("boom"))

	err := Multi{ok, bad, ok}.Publish(context.Background(), Event{Type: EventRootRotated})
	assert.EqualError(t, err, "boom")
	ok.AssertNumberOfCalls(t, "Publish", 2)
}

func TestNATSSubject(t *testing.T) {
	s := NewNATSSink(nil, "")
	assert.Equal(t, "silo.fleet.audit.node.enrolled", s.Subject(EventNodeEnrolled))

	s = NewNATSSink(nil, "acme.events")
	assert.Equal(t, "acme.events.reservation.claimed", s.Subject(EventReservationClaimed))
}

func TestLogSinkNeverFails(t *testing.T) {
	s := NewLogSink(nil)
	err := s.Publish(context.Background(), Event{
		ID:         "e-1",
		Type:       EventTokenRevoked,
		OrgID:      "org-1",
		Attributes: map[string]string{"token_id": "t-1"},
	})
	assert.NoError(t, err)
}
