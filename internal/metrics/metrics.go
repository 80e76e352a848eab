// Package metrics exposes Prometheus counters for wallet provider traffic,
// contract operations and session events.
package metrics

import (
	"net/http"
	"time"

	"github.com/moltbunker/walletlink/internal/provider"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "walletlink"

// Outcome labels
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Recorder receives metric observations. Collector and Nop implement it.
type Recorder interface {
	ObserveRequest(method, outcome string, d time.Duration)
	RecordOperation(contract, operation, outcome string)
	RecordChainSwitch(result string)
	RecordSessionEvent(event string)
}

// Outcome classifies err for the outcome label
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case provider.IsUserRejected(err):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}

// Collector holds the Prometheus metrics in a dedicated registry so they do
// not interfere with the default global registry.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	operations      *prometheus.CounterVec
	chainSwitches   *prometheus.CounterVec
	sessionEvents   *prometheus.CounterVec

	startTime time.Time
}

// NewCollector creates a collector with all metrics registered
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry:  reg,
		startTime: time.Now(),
	}

	c.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_requests_total",
		Help:      "Total number of wallet provider requests by method and outcome.",
	}, []string{"method", "outcome"})

	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_request_duration_seconds",
		Help:      "Wallet provider request latency by method.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"method"})

	c.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Contract operations by contract, operation and outcome.",
	}, []string{"contract", "operation", "outcome"})

	c.chainSwitches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_switch_total",
		Help:      "Chain switch attempts by result.",
	}, []string{"result"})

	c.sessionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_events_total",
		Help:      "Wallet session events by kind.",
	}, []string{"event"})

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the process started in seconds.",
	}, func() float64 { return time.Since(c.startTime).Seconds() })

	reg.MustRegister(c.requests)
	reg.MustRegister(c.requestDuration)
	reg.MustRegister(c.operations)
	reg.MustRegister(c.chainSwitches)
	reg.MustRegister(c.sessionEvents)
	reg.MustRegister(uptime)

	return c
}

// Registry returns the Prometheus registry used by this collector
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveRequest records one provider request
func (c *Collector) ObserveRequest(method, outcome string, d time.Duration) {
	c.requests.WithLabelValues(method, outcome).Inc()
	c.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordOperation records one settled contract operation
func (c *Collector) RecordOperation(contract, operation, outcome string) {
	c.operations.WithLabelValues(contract, operation, outcome).Inc()
}

// RecordChainSwitch records a chain switch attempt
func (c *Collector) RecordChainSwitch(result string) {
	c.chainSwitches.WithLabelValues(result).Inc()
}

// RecordSessionEvent records a session event such as accounts_changed
func (c *Collector) RecordSessionEvent(event string) {
	c.sessionEvents.WithLabelValues(event).Inc()
}

// Handler serves the registry in the Prometheus text exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Nop discards every observation
type Nop struct{}

func (Nop) ObserveRequest(string, string, time.Duration) {}
func (Nop) RecordOperation(string, string, string) {}
func (Nop) RecordChainSwitch(string) {}
func (Nop) RecordSessionEvent(string) {}
