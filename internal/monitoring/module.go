package monitoring

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "gpubroker"

// Options control monitoring module configuration.
type Options struct {
	// Namespace prefixes every broker metric. Defaults to "gpubroker".
	Namespace string
	// Replica, when set, is attached to every broker metric as the "replica"
	// label so replicas sharing one Prometheus job stay distinguishable.
	Replica string
	// EstablishmentBuckets overrides the session establishment histogram buckets (seconds).
	EstablishmentBuckets []float64

	DisableGoCollector      bool
	DisableProcessCollector bool
}

// Module owns the broker's Prometheus registry, runtime statistics and health probes.
type Module struct {
	registry *prometheus.Registry
	metrics  *collectors
	stats    *statStore
	health   *HealthManager
}

// NewModule constructs a monitoring module with its own Prometheus registry.
func NewModule(opts Options) (*Module, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	registry := prometheus.NewRegistry()
	var runtime []prometheus.Collector
	if !opts.DisableGoCollector {
		runtime = append(runtime, promcollectors.NewGoCollector())
	}
	if !opts.DisableProcessCollector {
		runtime = append(runtime, promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}))
	}
	for _, c := range runtime {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	var broker prometheus.Registerer = registry
	if opts.Replica != "" {
		broker = prometheus.WrapRegistererWith(prometheus.Labels{"replica": opts.Replica}, registry)
	}

	metrics := newCollectors(namespace, opts.EstablishmentBuckets)
	for _, c := range metrics.all() {
		if err := broker.Register(c); err != nil {
			return nil, err
		}
	}

	return &Module{
		registry: registry,
		metrics:  metrics,
		stats:    newStatStore(),
		health:   NewHealthManager(),
	}, nil
}

// Registry exposes the underlying Prometheus registry.
func (m *Module) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves this module's metrics in the Prometheus or OpenMetrics format.
func (m *Module) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          m.registry,
	})
}

// Health exposes the liveness and readiness probe manager.
func (m *Module) Health() *HealthManager {
	if m == nil {
		return nil
	}
	return m.health
}

// Summary returns this module's point-in-time statistics.
func (m *Module) Summary() Summary {
	if m == nil || m.stats == nil {
		return emptySummary()
	}
	return m.stats.summary()
}

var globalModule atomic.Pointer[Module]

// SetModule installs the process-wide module used by the Record* helpers.
func SetModule(module *Module) {
	if module == nil {
		return
	}
	globalModule.Store(module)
}

// CurrentModule returns the process-wide monitoring module, or nil when unset.
func CurrentModule() *Module {
	return globalModule.Load()
}
