package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the operational counters for the session backend. A
// nil *Collector is valid and records nothing, so instrumented components do
// not need nil checks at every call site.
type Collector struct {
	registry          *prometheus.Registry
	activeSessions    prometheus.Gauge
	participants      prometheus.Gauge
	eventsTotal       *prometheus.CounterVec
	versionAppends    prometheus.Counter
	executionRequests prometheus.Counter
}

// NewCollector builds a Collector backed by its own prometheus registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "codepair_active_sessions",
			Help: "Number of sessions currently held in the registry.",
		}),
		participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "codepair_connected_participants",
			Help: "Number of participants connected across all sessions.",
		}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codepair_channel_events_total",
			Help: "Channel events processed by the registry, by event name.",
		}, []string{"event"}),
		versionAppends: factory.NewCounter(prometheus.CounterOpts{
			Name: "codepair_version_appends_total",
			Help: "Full-buffer snapshots appended to the version store.",
		}),
		executionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "codepair_execution_requests_total",
			Help: "Code execution requests forwarded to the executor.",
		}),
	}
}

// Handler exposes the collector's registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SessionOpened() {
	if c != nil {
		c.activeSessions.Inc()
	}
}

func (c *Collector) SessionClosed() {
	if c != nil {
		c.activeSessions.Dec()
	}
}

func (c *Collector) ParticipantJoined() {
	if c != nil {
		c.participants.Inc()
	}
}

func (c *Collector) ParticipantLeft() {
	if c != nil {
		c.participants.Dec()
	}
}

func (c *Collector) EventProcessed(event string) {
	if c != nil {
		c.eventsTotal.WithLabelValues(event).Inc()
	}
}

func (c *Collector) VersionAppended() {
	if c != nil {
		c.versionAppends.Inc()
	}
}

func (c *Collector) ExecutionRequested() {
	if c != nil {
		c.executionRequests.Inc()
	}
}
