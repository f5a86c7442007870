package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution. All metrics
// carry the "convoflow" namespace.
//
// Exposed series:
//   - step_latency_ms histogram {workflow_id, node_kind, status}
//   - steps_total counter {workflow_id, node_kind}
//   - invocations_total counter {workflow_id, status}
//   - suspensions_total counter {workflow_id}
//   - budget_refusals_total counter {workflow_id, code}
//   - model_tokens_total counter {workflow_id, direction}
//   - model_cost_usd_total counter {workflow_id}
type Metrics struct {
	stepLatency    *prometheus.HistogramVec
	steps          *prometheus.CounterVec
	invocations    *prometheus.CounterVec
	suspensions    *prometheus.CounterVec
	budgetRefusals *prometheus.CounterVec
	modelTokens    *prometheus.CounterVec
	modelCost      *prometheus.CounterVec
}

// NewMetrics registers the engine metrics with the given registry. A nil
// registry uses the global default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "convoflow",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"workflow_id", "node_kind", "status"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convoflow",
			Name:      "steps_total",
			Help:      "Nodes executed",
		}, []string{"workflow_id", "node_kind"}),
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convoflow",
			Name:      "invocations_total",
			Help:      "Invocations by terminal status",
		}, []string{"workflow_id", "status"}),
		suspensions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convoflow",
			Name:      "suspensions_total",
			Help:      "Invocations suspended awaiting user input",
		}, []string{"workflow_id"}),
		budgetRefusals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convoflow",
			Name:      "budget_refusals_total",
			Help:      "Model calls refused by the token budget",
		}, []string{"workflow_id", "code"}),
		modelTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convoflow",
			Name:      "model_tokens_total",
			Help:      "Model tokens consumed, by direction (input/output)",
		}, []string{"workflow_id", "direction"}),
		modelCost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convoflow",
			Name:      "model_cost_usd_total",
			Help:      "Accumulated model spend in USD",
		}, []string{"workflow_id"}),
	}
}

func (m *Metrics) observeStep(workflowID, nodeKind, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(workflowID, nodeKind, status).Observe(float64(latency.Milliseconds()))
	m.steps.WithLabelValues(workflowID, nodeKind).Inc()
}

func (m *Metrics) observeInvocation(workflowID, status string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(workflowID, status).Inc()
}

func (m *Metrics) observeSuspension(workflowID string) {
	if m == nil {
		return
	}
	m.suspensions.WithLabelValues(workflowID).Inc()
}

func (m *Metrics) observeBudgetRefusal(workflowID, code string) {
	if m == nil {
		return
	}
	m.budgetRefusals.WithLabelValues(workflowID, code).Inc()
}

func (m *Metrics) observeUsage(workflowID string, inputTokens, outputTokens int64, costUSD float64) {
	if m == nil {
		return
	}
	m.modelTokens.WithLabelValues(workflowID, "input").Add(float64(inputTokens))
	m.modelTokens.WithLabelValues(workflowID, "output").Add(float64(outputTokens))
	m.modelCost.WithLabelValues(workflowID).Add(costUSD)
}
