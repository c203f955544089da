package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics exposes reference-server activity to Prometheus. All metrics
// are namespaced "flowstudio". A nil *ServerMetrics records nothing.
type ServerMetrics struct {
	flowWrites  *prometheus.CounterVec
	runEvents   *prometheus.CounterVec
	runActions  *prometheus.CounterVec
	activeRuns  prometheus.Gauge
	subscribers prometheus.Gauge
}

// NewServerMetrics registers the server metrics with registry, or with the
// default registerer when registry is nil.
func NewServerMetrics(registry prometheus.Registerer) *ServerMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &ServerMetrics{
		flowWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowstudio",
			Name:      "flow_writes_total",
			Help:      "Flow graph writes by result (ok, conflict, invalid, error).",
		}, []string{"result"}),
		runEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowstudio",
			Name:      "run_events_total",
			Help:      "Event envelopes accepted from the host, by kind.",
		}, []string{"kind"}),
		runActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowstudio",
			Name:      "run_actions_total",
			Help:      "Run control actions by action and result.",
		}, []string{"action", "result"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowstudio",
			Name:      "active_runs",
			Help:      "Runs that have not reached a terminal state.",
		}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowstudio",
			Name:      "stream_subscribers",
			Help:      "Open SSE connections.",
		}),
	}
}

// FlowWrite counts a flow write outcome.
func (m *ServerMetrics) FlowWrite(result string) {
	if m == nil {
		return
	}
	m.flowWrites.WithLabelValues(result).Inc()
}

// RunEvent counts an accepted event envelope.
func (m *ServerMetrics) RunEvent(kind string) {
	if m == nil {
		return
	}
	m.runEvents.WithLabelValues(kind).Inc()
}

// RunAction counts a run control action.
func (m *ServerMetrics) RunAction(action, result string) {
	if m == nil {
		return
	}
	m.runActions.WithLabelValues(action, result).Inc()
}

// SetActiveRuns records the number of non-terminal runs.
func (m *ServerMetrics) SetActiveRuns(n int) {
	if m == nil {
		return
	}
	m.activeRuns.Set(float64(n))
}

// SubscriberDelta adjusts the open SSE connection gauge.
func (m *ServerMetrics) SubscriberDelta(d int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(d))
}
