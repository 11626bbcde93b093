package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central registry of Relay's Prometheus collectors.
//
// Tracked surfaces: turn throughput and latency, LLM request volume and
// token spend, tool executions through the gated pipeline, approval
// outcomes, and event-bus delivery health.
type Metrics struct {
	// TurnsStarted counts turns accepted by the coordinator.
	TurnsStarted prometheus.Counter

	// TurnsCompleted counts finished turns.
	// Labels: status (complete|stopped|failed)
	TurnsCompleted *prometheus.CounterVec

	// ActiveTurns gauges turns currently in flight.
	ActiveTurns prometheus.Gauge

	// TurnDuration measures wall time of a turn in seconds.
	// Buckets span sub-second replies through long tool-heavy turns.
	TurnDuration prometheus.Histogram

	// LLMRequests counts adapter calls.
	// Labels: provider, model, status (success|error)
	LLMRequests *prometheus.CounterVec

	// LLMRequestDuration measures provider stream lifetime in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens counts token spend.
	// Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts pipeline outcomes.
	// Labels: tool, status (completed|failed|rejected|timed_out)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures executor time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ApprovalOutcomes counts arbiter decisions.
	// Labels: kind, decision (approve|reject|modify|timeout|cancelled|remembered|auto_rejected)
	ApprovalOutcomes *prometheus.CounterVec

	// BusEvents counts bus publishes.
	// Labels: event
	BusEvents *prometheus.CounterVec

	// BusCoalesced counts delta events merged under backpressure.
	BusCoalesced prometheus.Counter

	// BusDroppedSubscribers counts subscribers removed on overflow.
	BusDroppedSubscribers prometheus.Counter
}

// NewMetrics creates and registers all collectors with reg. Passing nil
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_turns_started_total",
			Help: "Turns accepted by the coordinator",
		}),
		TurnsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_turns_completed_total",
			Help: "Turns finished, by terminal status",
		}, []string{"status"}),
		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_turns",
			Help: "Turns currently in flight",
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_turn_duration_seconds",
			Help:    "Wall time of a turn",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_llm_requests_total",
			Help: "LLM adapter requests by provider, model, and status",
		}, []string{"provider", "model", "status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_llm_request_duration_seconds",
			Help:    "Provider stream lifetime",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_llm_tokens_total",
			Help: "Tokens consumed by provider, model, and type",
		}, []string{"provider", "model", "type"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_executions_total",
			Help: "Tool pipeline outcomes by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tool_duration_seconds",
			Help:    "Executor time per tool",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		ApprovalOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_approval_outcomes_total",
			Help: "Arbiter decisions by kind and decision",
		}, []string{"kind", "decision"}),
		BusEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bus_events_total",
			Help: "Events published to the bus by type",
		}, []string{"event"}),
		BusCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bus_coalesced_deltas_total",
			Help: "Delta events merged under subscriber backpressure",
		}),
		BusDroppedSubscribers: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bus_dropped_subscribers_total",
			Help: "Subscribers dropped after buffer overflow",
		}),
	}
}

// RecordLLMRequest folds one adapter call into the LLM collectors.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequests.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution folds one pipeline outcome into the tool collectors.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordApproval counts one arbiter decision.
func (m *Metrics) RecordApproval(kind, decision string) {
	m.ApprovalOutcomes.WithLabelValues(kind, decision).Inc()
}

// TurnStarted marks a turn in flight.
func (m *Metrics) TurnStarted() {
	m.TurnsStarted.Inc()
	m.ActiveTurns.Inc()
}

// TurnFinished marks a turn done with its terminal status.
func (m *Metrics) TurnFinished(status string, durationSeconds float64) {
	m.TurnsCompleted.WithLabelValues(status).Inc()
	m.ActiveTurns.Dec()
	m.TurnDuration.Observe(durationSeconds)
}
