package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) ResolveActive(ctx context.Context, thumbprint string) (cert.Certificate, error) {
	args := m.Called(ctx, thumbprint)
	return args.Get(0).(cert.Certificate), args.Error(1)
}

type MockUpdater struct {
	mock.Mock
}

func (m *MockUpdater) ApplyHeartbeat(ctx context.Context, id string, obs nodes.Observation) (nodes.HeartbeatOutcome, error) {
	args := m.Called(ctx, id, obs)
	return args.Get(0).(nodes.HeartbeatOutcome), args.Error(1)
}

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestProcessor() (*Processor, *MockResolver, *MockUpdater) {
	certs := new(MockResolver)
	updater := new(MockUpdater)
	return NewProcessor(certs, updater, clock.NewFake(now), DefaultPolicy()), certs, updater
}

func TestProcessHeartbeatApplies(t *testing.T) {
	p, certs, updater := newTestProcessor()
	certs.On("ResolveActive", mock.Anything, "abc").Return(cert.Certificate{ID: "c-1", NodeID: "n-1"}, nil)
	updater.On("ApplyHeartbeat", mock.Anything, "n-1", mock.MatchedBy(func(obs nodes.Observation) bool {
		return obs.At.Equal(now.Add(-time.Second)) &&
			obs.UnderPressure &&
			obs.HealthScore == DefaultPolicy().Score(10, 95, 10, 1) &&
			len(obs.Metrics.Issues) == 1
	})).Return(nodes.HeartbeatOutcome{
		Node:     nodes.Node{ID: "n-1", Status: nodes.StatusOnline, HealthScore: 60},
		Previous: nodes.StatusEnrolling,
	}, nil)

	res, err := p.ProcessHeartbeat(context.Background(), "abc", Report{
		SentAt:  now.Add(-time.Second),
		CPUPct:  10,
		MemPct:  95,
		DiskPct: 10,
		Issues:  []string{"swap in use"},
	})
	require.NoError(t, err)
	assert.Equal(t, "n-1", res.NodeID)
	assert.Equal(t, nodes.StatusOnline, res.Status)
	assert.Equal(t, nodes.StatusEnrolling, res.Previous)
	assert.False(t, res.Discarded)
	updater.AssertExpectations(t)
}

func TestProcessHeartbeatDefaultsSentAt(t *testing.T) {
	p, certs, updater := newTestProcessor()
	certs.On("ResolveActive", mock.Anything, "abc").Return(cert.Certificate{NodeID: "n-1"}, nil)
	updater.On("ApplyHeartbeat", mock.Anything, "n-1", mock.MatchedBy(func(obs nodes.Observation) bool {
		return obs.At.Equal(now)
	})).Return(nodes.HeartbeatOutcome{Node: nodes.Node{Status: nodes.StatusOnline}}, nil)

	_, err := p.ProcessHeartbeat(context.Background(), "abc", Report{})
	require.NoError(t, err)
	updater.AssertExpectations(t)
}

func TestProcessHeartbeatUnauthenticated(t *testing.T) {
	t.Run("missing thumbprint", func(t *testing.T) {
		p, certs, _ := newTestProcessor()
		_, err := p.ProcessHeartbeat(context.Background(), "", Report{})
		assert.ErrorIs(t, err, ErrUnauthenticatedAgent)
		certs.AssertNotCalled(t, "ResolveActive", mock.Anything, mock.Anything)
	})

	t.Run("unknown or revoked certificate", func(t *testing.T) {
		p, certs, updater := newTestProcessor()
		certs.On("ResolveActive", mock.Anything, "gone").Return(cert.Certificate{}, cert.ErrCertificateNotFound)
		_, err := p.ProcessHeartbeat(context.Background(), "gone", Report{})
		assert.ErrorIs(t, err, ErrUnauthenticatedAgent)
		updater.AssertNotCalled(t, "ApplyHeartbeat", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("decommissioned node", func(t *testing.T) {
		p, certs, updater := newTestProcessor()
		certs.On("ResolveActive", mock.Anything, "abc").Return(cert.Certificate{NodeID: "n-1"}, nil)
		updater.On("ApplyHeartbeat", mock.Anything, "n-1", mock.Anything).
			Return(nodes.HeartbeatOutcome{}, &nodes.InvalidTransitionError{NodeID: "n-1"})
		_, err := p.ProcessHeartbeat(context.Background(), "abc", Report{})
		assert.ErrorIs(t, err, ErrUnauthenticatedAgent)
	})
}

func TestProcessHeartbeatRejectsBadReports(t *testing.T) {
	p, certs, updater := newTestProcessor()
	certs.On("ResolveActive", mock.Anything, "abc").Return(cert.Certificate{NodeID: "n-1"}, nil)

	_, err := p.ProcessHeartbeat(context.Background(), "abc", Report{CPUPct: 101})
	assert.ErrorIs(t, err, ErrInvalidReport)

	_, err = p.ProcessHeartbeat(context.Background(), "abc", Report{DiskPct: -1})
	assert.ErrorIs(t, err, ErrInvalidReport)

	_, err = p.ProcessHeartbeat(context.Background(), "abc", Report{SentAt: now.Add(2 * time.Minute)})
	assert.ErrorIs(t, err, ErrClockSkew)

	updater.AssertNotCalled(t, "ApplyHeartbeat", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessHeartbeatToleratesSmallSkew(t *testing.T) {
	p, certs, updater := newTestProcessor()
	certs.On("ResolveActive", mock.Anything, "abc").Return(cert.Certificate{NodeID: "n-1"}, nil)
	updater.On("ApplyHeartbeat", mock.Anything, "n-1", mock.Anything).
		Return(nodes.HeartbeatOutcome{Node: nodes.Node{Status: nodes.StatusOnline}}, nil)

	_, err := p.ProcessHeartbeat(context.Background(), "abc", Report{SentAt: now.Add(30 * time.Second)})
	assert.NoError(t, err)
}

func TestProcessHeartbeatCapsIssues(t *testing.T) {
	p, certs, updater := newTestProcessor()
	certs.On("ResolveActive", mock.Anything, "abc").Return(cert.Certificate{NodeID: "n-1"}, nil)
	updater.On("ApplyHeartbeat", mock.Anything, "n-1", mock.MatchedBy(func(obs nodes.Observation) bool {
		return len(obs.Metrics.Issues) == maxIssues
	})).Return(nodes.HeartbeatOutcome{Node: nodes.Node{Status: nodes.StatusOnline}}, nil)

	issues := make([]string, maxIssues+10)
	for i := range issues {
		issues[i] = "issue"
	}
	_, err := p.ProcessHeartbeat(context.Background(), "abc", Report{Issues: issues})
	require.NoError(t, err)
	updater.AssertExpectations(t)
}

func TestProcessHeartbeatDiscarded(t *testing.T) {
	p, certs, updater := newTestProcessor()
	certs.On("ResolveActive", mock.Anything, "abc").Return(cert.Certificate{NodeID: "n-1"}, nil)
	updater.On("ApplyHeartbeat", mock.Anything, "n-1", mock.Anything).Return(nodes.HeartbeatOutcome{
		Node:      nodes.Node{ID: "n-1", Status: nodes.StatusDegraded},
		Previous:  nodes.StatusDegraded,
		Discarded: true,
	}, nil)

	res, err := p.ProcessHeartbeat(context.Background(), "abc", Report{})
	require.NoError(t, err)
	assert.True(t, res.Discarded)
	assert.Equal(t, nodes.StatusDegraded, res.Status)
}

func TestProcessHeartbeatStoreError(t *testing.T) {
	p, certs, updater := newTestProcessor()
	certs.On("ResolveActive", mock.Anything, "abc").Return(cert.Certificate{NodeID: "n-1"}, nil)
	boom := errors.New("disk full")
	updater.On("ApplyHeartbeat", mock.Anything, "n-1", mock.Anything).Return(nodes.HeartbeatOutcome{}, boom)

	_, err := p.ProcessHeartbeat(context.Background(), "abc", Report{})
	assert.ErrorIs(t, err, boom)
}
