package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ServicesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "service_verification", Name: "services_created_total", Help: "Total services created"})

	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "service_verification", Name: "verifications_total", Help: "Verification attempts by method, stage and result"},
		[]string{"method", "stage", "result"},
	)
	FraudContribution = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "service_verification",
		Name:      "fraud_contribution",
		Help:      "Fraud score contribution per verification attempt",
		Buckets:   []float64{0, 15, 30, 45, 60, 75, 100},
	})

	SamplesProcessed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "service_verification", Name: "location_samples_total", Help: "Location samples processed"})
	SamplesRejected  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "service_verification", Name: "location_samples_rejected_total", Help: "Malformed location samples dropped"})
	TrackingLoops    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "service_verification", Name: "tracking_loops_active", Help: "Active per-service tracking loops"})

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "service_verification", Name: "alerts_total", Help: "Alerts raised by type and severity"},
		[]string{"type", "severity"},
	)
	RouteRecalcTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "service_verification", Name: "route_recalculations_total", Help: "Route recalculations after off-route detection"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "service_verification", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "service_verification",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
