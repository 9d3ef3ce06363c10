// Package metrics exposes protocol-layer counters to Prometheus. Every
// method is safe to call on a nil *Metrics, so components can be built
// without metrics in tests.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "treeland").
	Namespace string

	// Registry is where collectors are registered. Default: a fresh registry.
	Registry *prometheus.Registry

	// Buckets are the histogram buckets for request dispatch time.
	Buckets []float64
}

// Option configures the collectors.
type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "treeland",
		Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
	}
}

// Metrics holds the collectors.
type Metrics struct {
	registry *prometheus.Registry

	clients         prometheus.Gauge
	requests        *prometheus.CounterVec
	events          *prometheus.CounterVec
	protocolErrors  *prometheus.CounterVec
	binds           *prometheus.CounterVec
	dispatch        prometheus.Histogram
	doneCoalesced   prometheus.Counter
	handles         *prometheus.GaugeVec
	sessionLocked   prometheus.Gauge
	frozenClients   prometheus.Gauge
	storeOperations *prometheus.CounterVec
}

func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(config.Registry)
	ns := config.Namespace

	return &Metrics{
		registry: config.Registry,

		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "clients_connected",
			Help:      "Number of connected Wayland clients",
		}),

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Requests dispatched, by interface",
		}, []string{"interface"}),

		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "events_total",
			Help:      "Events queued to clients, by interface",
		}, []string{"interface"}),

		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "protocol_errors_total",
			Help:      "Protocol errors posted to clients",
		}, []string{"interface", "code"}),

		binds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "global_binds_total",
			Help:      "Global binds, by interface",
		}, []string{"interface"}),

		dispatch: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_dispatch_seconds",
			Help:      "Time spent handling one request on the event loop",
			Buckets:   config.Buckets,
		}),

		doneCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "done_coalesced_total",
			Help:      "Updates folded into an already pending done event",
		}),

		handles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "handles",
			Help:      "Live protocol handles, by kind",
		}, []string{"kind"}),

		sessionLocked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "session_locked",
			Help:      "1 while a session lock is held",
		}),

		frozenClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "clients_frozen",
			Help:      "Clients whose process is suspended",
		}),

		storeOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "store_operations_total",
			Help:      "Settings store operations, by result",
		}, []string{"op", "result"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clients.Dec()
}

func (m *Metrics) Request(iface string, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(iface).Inc()
	m.dispatch.Observe(took.Seconds())
}

func (m *Metrics) Event(iface string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(iface).Inc()
}

func (m *Metrics) ProtocolError(iface string, code uint32) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(iface, strconv.FormatUint(uint64(code), 10)).Inc()
}

func (m *Metrics) Bind(iface string) {
	if m == nil {
		return
	}
	m.binds.WithLabelValues(iface).Inc()
}

func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.doneCoalesced.Inc()
}

func (m *Metrics) HandleCreated(kind string) {
	if m == nil {
		return
	}
	m.handles.WithLabelValues(kind).Inc()
}

func (m *Metrics) HandleDestroyed(kind string) {
	if m == nil {
		return
	}
	m.handles.WithLabelValues(kind).Dec()
}

func (m *Metrics) SetSessionLocked(locked bool) {
	if m == nil {
		return
	}
	if locked {
		m.sessionLocked.Set(1)
	} else {
		m.sessionLocked.Set(0)
	}
}

func (m *Metrics) SetFrozenClients(n int) {
	if m == nil {
		return
	}
	m.frozenClients.Set(float64(n))
}

func (m *Metrics) StoreOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeOperations.WithLabelValues(op, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
