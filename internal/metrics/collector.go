// Package metrics provides internal metrics collection for the mesh.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the prometheus instruments of the mesh subsystem.
// A nil *Collector is valid: every method is a no-op, so components accept
// an optional collector without guarding each call site.
type Collector struct {
	// Discovery
	scansTotal       prometheus.Counter
	scanDuration     prometheus.Histogram
	scanFailures     *prometheus.CounterVec
	agentsDiscovered prometheus.Counter
	healthProbes     *prometheus.CounterVec

	// Registry
	registeredAgents  *prometheus.GaugeVec
	healthTransitions *prometheus.CounterVec
	eventsPublished   prometheus.Counter
	eventsDropped     prometheus.Counter

	// RPC
	rpcCallsTotal   *prometheus.CounterVec
	rpcCallDuration *prometheus.HistogramVec

	// Routing
	routeRequests *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registering its instruments with reg.
// When reg is nil the default registerer is used.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.scansTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discovery_scans_total",
		Help:      "Total number of discovery scans",
	})
	c.scanDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "discovery_scan_duration_seconds",
		Help:      "Discovery scan duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})
	c.scanFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_scan_failures_total",
			Help:      "Total number of per-URL discovery failures",
		},
		[]string{"reason"},
	)
	c.agentsDiscovered = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discovery_agents_discovered_total",
		Help:      "Total number of agents discovered",
	})
	c.healthProbes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_health_probes_total",
			Help:      "Total number of health probes by resulting state",
		},
		[]string{"health"},
	)

	c.registeredAgents = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_agents",
			Help:      "Number of registered agents",
		},
		[]string{"kind"},
	)
	c.healthTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_health_transitions_total",
			Help:      "Total number of agent health transitions",
		},
		[]string{"health"},
	)
	c.eventsPublished = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registry_events_published_total",
		Help:      "Total number of registry events delivered to subscribers",
	})
	c.eventsDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registry_events_dropped_total",
		Help:      "Total number of registry events dropped on full subscriber buffers",
	})

	c.rpcCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Total number of RPC calls by outcome",
		},
		[]string{"agent", "outcome"},
	)
	c.rpcCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "RPC call duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"agent"},
	)

	c.routeRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_requests_total",
			Help:      "Total number of routed requests by outcome",
		},
		[]string{"outcome"},
	)

	return c
}

// ScanCompleted records one finished discovery scan.
func (c *Collector) ScanCompleted(d time.Duration) {
	if c == nil {
		return
	}
	c.scansTotal.Inc()
	c.scanDuration.Observe(d.Seconds())
}

// ScanFailure records a per-URL discovery failure.
func (c *Collector) ScanFailure(reason string) {
	if c == nil {
		return
	}
	c.scanFailures.WithLabelValues(reason).Inc()
}

// AgentDiscovered records one successfully discovered agent.
func (c *Collector) AgentDiscovered() {
	if c == nil {
		return
	}
	c.agentsDiscovered.Inc()
}

// HealthProbe records a health probe and its resulting state.
func (c *Collector) HealthProbe(health string) {
	if c == nil {
		return
	}
	c.healthProbes.WithLabelValues(health).Inc()
}

// SetRegisteredAgents updates the registry size gauges.
func (c *Collector) SetRegisteredAgents(internal, external int) {
	if c == nil {
		return
	}
	c.registeredAgents.WithLabelValues("internal").Set(float64(internal))
	c.registeredAgents.WithLabelValues("external").Set(float64(external))
}

// HealthTransition records an agent health transition.
func (c *Collector) HealthTransition(health string) {
	if c == nil {
		return
	}
	c.healthTransitions.WithLabelValues(health).Inc()
}

// EventPublished records one event delivered to a subscriber.
func (c *Collector) EventPublished() {
	if c == nil {
		return
	}
	c.eventsPublished.Inc()
}

// EventDropped records one event dropped on a full subscriber buffer.
func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
}

// RPCCall records one RPC call with its outcome and duration.
func (c *Collector) RPCCall(agent, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.rpcCallsTotal.WithLabelValues(agent, outcome).Inc()
	c.rpcCallDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// RouteRequest records one routed request with its outcome.
func (c *Collector) RouteRequest(outcome string) {
	if c == nil {
		return
	}
	c.routeRequests.WithLabelValues(outcome).Inc()
}
