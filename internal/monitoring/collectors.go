package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	authAttempts         *prometheus.CounterVec
	apiLatency           *prometheus.HistogramVec
	activeSessions       prometheus.Gauge
	sessionTransitions   *prometheus.CounterVec
	sessionEstablishment *prometheus.HistogramVec
	sessionDuration      prometheus.Histogram
	poolFreePairs        *prometheus.GaugeVec
	poolExhausted        prometheus.Counter
	activeTunnels        prometheus.Gauge
	tunnelValidations    *prometheus.CounterVec
	auditAppends         *prometheus.CounterVec
	auditVerifications   *prometheus.CounterVec
	signalingConnections *prometheus.GaugeVec
	signalingMessages    *prometheus.CounterVec
	signalingFailures    *prometheus.CounterVec
	maintenanceRuns      *prometheus.CounterVec
	maintenanceDuration  *prometheus.HistogramVec
	maintenanceLastRun   *prometheus.GaugeVec
}

// defaultEstablishBuckets spans the direct window through the overall establishment timeout.
var defaultEstablishBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 15, 35}

func newCollectors(namespace string, establishBuckets []float64) *collectors {
	buckets := prometheus.DefBuckets
	if len(establishBuckets) == 0 {
		establishBuckets = defaultEstablishBuckets
	}
	sessionBuckets := []float64{
		1, 5, 15, 30, 60, // seconds
		120, 300, 600, // minutes
		900, 1800, 3600, 14400,
	}

	return &collectors{
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Authentication attempts by principal kind and result",
			},
			[]string{"principal", "result"},
		),
		apiLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_latency_seconds",
				Help:      "API endpoint latency",
				Buckets:   buckets,
			},
			[]string{"method", "path", "status"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Sessions currently PENDING or ACTIVE",
			},
		),
		sessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session state transitions by source state, target state and outcome",
			},
			[]string{"from", "to", "result"},
		),
		sessionEstablishment: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_establishment_seconds",
				Help:      "Time from session creation to activation by connection type",
				Buckets:   establishBuckets,
			},
			[]string{"connection_type"},
		),
		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Observed active session lifetimes",
				Buckets:   sessionBuckets,
			},
		),
		poolFreePairs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "address_pool_free_pairs",
				Help:      "Free overlay address pairs per gateway partition",
			},
			[]string{"gateway"},
		),
		poolExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "address_pool_exhausted_total",
				Help:      "Allocation attempts rejected because every partition was full",
			},
		),
		activeTunnels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tunnels",
				Help:      "Tunnel credentials in the active set",
			},
		),
		tunnelValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnel_validations_total",
				Help:      "Relay tunnel token validations by result",
			},
			[]string{"result"},
		),
		auditAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_appends_total",
				Help:      "Audit chain appends by event type",
			},
			[]string{"event"},
		),
		auditVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_chain_verifications_total",
				Help:      "Audit chain verifications by result",
			},
			[]string{"result"},
		),
		signalingConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "signaling_connections",
				Help:      "Open signaling websocket connections by peer role",
			},
			[]string{"role"},
		),
		signalingMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signaling_messages_total",
				Help:      "Signaling messages by direction and type",
			},
			[]string{"direction", "type"},
		),
		signalingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signaling_failures_total",
				Help:      "Signaling delivery failures by peer role and failure type",
			},
			[]string{"role", "type"},
		),
		maintenanceRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_runs_total",
				Help:      "Maintenance job executions",
			},
			[]string{"job", "result"},
		),
		maintenanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "maintenance_duration_seconds",
				Help:      "Maintenance job duration",
				Buckets:   buckets,
			},
			[]string{"job"},
		),
		maintenanceLastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "maintenance_last_success_timestamp",
				Help:      "Timestamp of the last successful maintenance run (seconds since epoch)",
			},
			[]string{"job"},
		),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.authAttempts,
		c.apiLatency,
		c.activeSessions,
		c.sessionTransitions,
		c.sessionEstablishment,
		c.sessionDuration,
		c.poolFreePairs,
		c.poolExhausted,
		c.activeTunnels,
		c.tunnelValidations,
		c.auditAppends,
		c.auditVerifications,
		c.signalingConnections,
		c.signalingMessages,
		c.signalingFailures,
		c.maintenanceRuns,
		c.maintenanceDuration,
		c.maintenanceLastRun,
	}
}

// observeDuration records a duration in seconds on the supplied histogram observer.
func observeDuration(observer prometheus.Observer, d time.Duration) {
	if observer == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	observer.Observe(d.Seconds())
}
