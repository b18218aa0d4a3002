package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)

	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(NodeTransitions.WithLabelValues("online", "offline"))
	NodeTransitions.WithLabelValues("online", "offline").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(NodeTransitions.WithLabelValues("online", "offline")))
}

func TestHandlerServesMetrics(t *testing.T) {
	HeartbeatsTotal.WithLabelValues("accepted").Inc()

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "silo_fleet_heartbeats_total")
}
