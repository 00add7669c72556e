// Package metrics exposes prometheus collectors for the transport.
//
// A nil *Collector is valid and records nothing, so the server and client
// call it unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "dtp"

// Direction labels frame and byte counters
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Config configures a Collector
type Config struct {
	// Namespace is the metrics namespace (default: "dtp")
	Namespace string

	// Subsystem is typically "server" or "client"
	Subsystem string

	// Registry receives the collectors. Default: a fresh prometheus.Registry
	Registry *prometheus.Registry
}

// Collector holds the transport's metrics
type Collector struct {
	registry *prometheus.Registry

	connections       prometheus.Counter
	disconnects       prometheus.Counter
	activeClients     prometheus.Gauge
	handshakeFailures prometheus.Counter
	handshakeDuration prometheus.Histogram
	frames            *prometheus.CounterVec
	bytes             *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
}

// New registers a Collector's metrics with cfg.Registry
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(cfg.Registry)

	return &Collector{
		registry: cfg.Registry,

		connections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "connections_total",
			Help:      "Total number of clients that completed the handshake",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "disconnects_total",
			Help:      "Total number of clients removed",
		}),
		activeClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "active_clients",
			Help:      "Number of registered clients",
		}),
		handshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "handshake_failures_total",
			Help:      "Total number of failed session key exchanges",
		}),
		handshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "handshake_duration_seconds",
			Help:      "Time spent exchanging the session key",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "frames_total",
			Help:      "Total number of frames by direction",
		}, []string{"direction"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "bytes_total",
			Help:      "Total frame bytes including the size prefix, by direction",
		}, []string{"direction"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "decode_errors_total",
			Help:      "Total number of inbound frames that failed to decode, by error kind",
		}, []string{"kind"}),
	}
}

// Registry returns the registry the collectors live in
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collectors in the prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Connected records a client that finished its handshake
func (c *Collector) Connected() {
	if c == nil {
		return
	}
	c.connections.Inc()
	c.activeClients.Inc()
}

// Disconnected records a client leaving the registry
func (c *Collector) Disconnected() {
	if c == nil {
		return
	}
	c.disconnects.Inc()
	c.activeClients.Dec()
}

// Reset zeroes the active gauge, used when a server stops
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.activeClients.Set(0)
}

// Handshake records a key exchange that took seconds and failed when err
// is non-nil
func (c *Collector) Handshake(seconds float64, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.handshakeFailures.Inc()
		return
	}
	c.handshakeDuration.Observe(seconds)
}

// Frame records one frame of size bytes
func (c *Collector) Frame(direction string, size int) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(direction).Inc()
	c.bytes.WithLabelValues(direction).Add(float64(size))
}

// DecodeError records an inbound frame rejected with an error of kind
func (c *Collector) DecodeError(kind string) {
	if c == nil {
		return
	}
	c.decodeErrors.WithLabelValues(kind).Inc()
}
