package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node lifecycle
	NodeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_fleet_node_transitions_total",
			Help: "Node status transitions by source and target status",
		},
		[]string{"from", "to"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_fleet_heartbeats_total",
			Help: "Processed heartbeats by outcome",
		},
		[]string{"outcome"},
	)

	HealthScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "silo_fleet_node_health_score",
			Help:    "Distribution of computed node health scores",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	// Enrollment and certificates
	EnrollmentTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_fleet_enrollment_tokens_total",
			Help: "Enrollment token operations by outcome",
		},
		[]string{"outcome"},
	)

	CertificatesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_fleet_certificates_issued_total",
			Help: "Leaf certificate issuance attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Capacity
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_fleet_reservations_total",
			Help: "Reservation operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Background tasks
	ReaperRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_fleet_reaper_runs_total",
			Help: "Background task runs by task and outcome",
		},
		[]string{"task", "outcome"},
	)

	ReaperItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_fleet_reaper_items_total",
			Help: "Items handled by background tasks by task and result",
		},
		[]string{"task", "result"},
	)

	ReaperDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "silo_fleet_reaper_duration_seconds",
			Help:    "Background task run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	AuditFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_fleet_audit_publish_failures_total",
			Help: "Audit events that could not be delivered, by event type",
		},
		[]string{"type"},
	)

	// API
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_fleet_api_requests_total",
			Help: "HTTP API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "silo_fleet_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(NodeTransitions)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(HealthScore)
	prometheus.MustRegister(EnrollmentTokens)
	prometheus.MustRegister(CertificatesIssued)
	prometheus.MustRegister(ReservationsTotal)
	prometheus.MustRegister(ReaperRuns)
	prometheus.MustRegister(ReaperItems)
	prometheus.MustRegister(ReaperDuration)
	prometheus.MustRegister(AuditFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
