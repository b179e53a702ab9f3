// Package fabricmetrics exposes the router's Prometheus metrics.
package fabricmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gofabric"
	subsystem = "router"
)

// Label names for fabric metrics.
const (
	labelRouterEP = "router_ep"
	labelType     = "type"
	labelReason   = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Fabric Metrics
// -------------------------------------------------------------------------

// Collector holds the router's Prometheus metrics.
//
// Gauges track current routing-table and session state; counters track
// message volumes and failure reasons for alerting on delivery
// problems (drops, session timeouts).
type Collector struct {
	// MessagesSent counts outbound application and control frames.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts decoded inbound frames.
	MessagesReceived *prometheus.CounterVec

	// MessagesDropped counts frames dropped with the drop reason
	// (ttl, no_route, duplicate_leaf, not_ours, no_handler).
	MessagesDropped *prometheus.CounterVec

	// AdvertisesSent counts discovery frames emitted.
	AdvertisesSent *prometheus.CounterVec

	// PhysicalRoutes tracks the physical routing-table size.
	PhysicalRoutes *prometheus.GaugeVec

	// LogicalRoutes tracks the logical routing-table size.
	LogicalRoutes *prometheus.GaugeVec

	// SessionsActive tracks live sessions.
	SessionsActive *prometheus.GaugeVec

	// SessionTimeouts counts client sessions that exhausted their
	// retry budget.
	SessionTimeouts *prometheus.CounterVec
}

// NewCollector creates a Collector registered against reg. A nil reg
// uses prometheus.DefaultRegisterer.
//
// All metrics carry the "gofabric_router_" prefix to avoid collisions
// with other exporters in the process.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.MessagesSent,
		c.MessagesReceived,
		c.MessagesDropped,
		c.AdvertisesSent,
		c.PhysicalRoutes,
		c.LogicalRoutes,
		c.SessionsActive,
		c.SessionTimeouts,
	)

	return c
}

// newMetrics creates the metric vectors without registering them.
func newMetrics() *Collector {
	routerLabels := []string{labelRouterEP}

	return &Collector{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total frames transmitted, by message type.",
		}, []string{labelRouterEP, labelType}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Total frames received, by message type.",
		}, []string{labelRouterEP, labelType}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_dropped_total",
			Help:      "Total frames dropped, by reason.",
		}, []string{labelRouterEP, labelReason}),

		AdvertisesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "advertises_sent_total",
			Help:      "Total discovery advertise frames emitted.",
		}, routerLabels),

		PhysicalRoutes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "physical_routes",
			Help:      "Current physical routing table size.",
		}, routerLabels),

		LogicalRoutes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "logical_routes",
			Help:      "Current logical routing table size.",
		}, routerLabels),

		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Currently live sessions.",
		}, routerLabels),

		SessionTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_timeouts_total",
			Help:      "Client sessions that exhausted their retry budget.",
		}, routerLabels),
	}
}

// -------------------------------------------------------------------------
// Reporting Helpers
// -------------------------------------------------------------------------

// IncSent increments the transmitted-frame counter.
func (c *Collector) IncSent(routerEP, msgType string) {
	c.MessagesSent.WithLabelValues(routerEP, msgType).Inc()
}

// IncReceived increments the received-frame counter.
func (c *Collector) IncReceived(routerEP, msgType string) {
	c.MessagesReceived.WithLabelValues(routerEP, msgType).Inc()
}

// IncDropped increments the dropped-frame counter with its reason.
func (c *Collector) IncDropped(routerEP, reason string) {
	c.MessagesDropped.WithLabelValues(routerEP, reason).Inc()
}

// IncAdvertise increments the advertise counter.
func (c *Collector) IncAdvertise(routerEP string) {
	c.AdvertisesSent.WithLabelValues(routerEP).Inc()
}

// SetTableSizes records the routing-table gauges.
func (c *Collector) SetTableSizes(routerEP string, physical, logical int) {
	c.PhysicalRoutes.WithLabelValues(routerEP).Set(float64(physical))
	c.LogicalRoutes.WithLabelValues(routerEP).Set(float64(logical))
}

// SetActiveSessions records the live-session gauge.
func (c *Collector) SetActiveSessions(routerEP string, n int) {
	c.SessionsActive.WithLabelValues(routerEP).Set(float64(n))
}

// IncSessionTimeout increments the exhausted-session counter.
func (c *Collector) IncSessionTimeout(routerEP string) {
	c.SessionTimeouts.WithLabelValues(routerEP).Inc()
}
