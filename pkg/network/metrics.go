package network

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/mtproto/pkg/session"
	"github.com/vango-dev/mtproto/pkg/transport"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "mtproto").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for call duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "mtproto",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

const (
	directionIn  = "in"
	directionOut = "out"
)

// Metrics holds the network collectors. A nil *Metrics records nothing.
type Metrics struct {
	rpcCalls          *prometheus.CounterVec
	rpcDuration       *prometheus.HistogramVec
	connectionsActive *prometheus.GaugeVec
	reconnects        *prometheus.CounterVec
	frames            *prometheus.CounterVec
	bytes             *prometheus.CounterVec
	unknownAuthKey    prometheus.Counter
}

// NewMetrics registers the collectors with the configured registry.
// Registering twice with the same registry panics, as with promauto.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		rpcCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "rpc_calls_total",
			Help:        "Total number of RPC calls by method and status",
			ConstLabels: config.ConstLabels,
		}, []string{"method", "status"}),

		rpcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "rpc_duration_seconds",
			Help:        "RPC call duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"method"}),

		connectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_active",
			Help:        "Number of open transports by DC and connection kind",
			ConstLabels: config.ConstLabels,
		}, []string{"dc", "kind"}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnects_total",
			Help:        "Total number of reconnection attempts by DC",
			ConstLabels: config.ConstLabels,
		}, []string{"dc"}),

		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_total",
			Help:        "Total number of encrypted frames by direction",
			ConstLabels: config.ConstLabels,
		}, []string{"direction"}),

		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "bytes_total",
			Help:        "Total encrypted bytes by direction",
			ConstLabels: config.ConstLabels,
		}, []string{"direction"}),

		unknownAuthKey: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "unknown_auth_key_total",
			Help:        "Frames dropped because their auth key id was unknown",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// ObserveCall records one finished call.
func (m *Metrics) ObserveCall(method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
	m.rpcCalls.WithLabelValues(method, callStatus(err)).Inc()
}

func (m *Metrics) connectionUp(dc int, kind Kind) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(strconv.Itoa(dc), string(kind)).Inc()
}

func (m *Metrics) connectionDown(dc int, kind Kind) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(strconv.Itoa(dc), string(kind)).Dec()
}

func (m *Metrics) reconnect(dc int) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(strconv.Itoa(dc)).Inc()
}

func (m *Metrics) frame(direction string, size int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(size))
}

func (m *Metrics) droppedUnknownKey() {
	if m == nil {
		return
	}
	m.unknownAuthKey.Inc()
}

// callStatus buckets err into a low-cardinality label.
func callStatus(err error) string {
	var te *transport.TransportError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, new(*RPCError)):
		return "rpc_error"
	case errors.Is(err, ErrRPCTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, session.ErrSessionReset):
		return "session_reset"
	case errors.As(err, &te):
		return "transport"
	default:
		return "error"
	}
}
