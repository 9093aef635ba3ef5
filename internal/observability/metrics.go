package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds routekeeper's Prometheus collectors. It is driven as a bus
// subscriber via Consume, which maps core events onto counters. RequestLatency
// is registered and exported, but Consume does not observe into it and the
// router facade holds no Metrics.
type Metrics struct {
	reg *prometheus.Registry

	DecisionsTotal        *prometheus.CounterVec
	RequestsTotal         *prometheus.CounterVec
	RequestLatency        *prometheus.HistogramVec
	CostUSD               *prometheus.CounterVec
	BudgetViolationsTotal prometheus.Counter
	BudgetWarningsTotal   prometheus.Counter
	QuotaExhaustedTotal   *prometheus.CounterVec
	KeyStateTransitions   *prometheus.CounterVec
}

// NewMetrics builds a Metrics registry with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routekeeper_routing_decisions_total",
			Help: "Total routing decisions made",
		}, []string{"provider", "objective"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routekeeper_requests_total",
			Help: "Total requests routed through routekeeper",
		}, []string{"provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routekeeper_request_latency_ms",
			Help:    "End-to-end route latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routekeeper_cost_usd_total",
			Help: "Reconciled actual USD cost",
		}, []string{"provider", "model"}),
		BudgetViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routekeeper_budget_violations_total",
			Help: "Total hard-budget rejections",
		}),
		BudgetWarningsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routekeeper_budget_warnings_total",
			Help: "Total soft-budget warnings",
		}),
		QuotaExhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routekeeper_quota_exhausted_total",
			Help: "Total quota exhaustion signals (429s and predictions)",
		}, []string{"provider"}),
		KeyStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routekeeper_key_state_transitions_total",
			Help: "Total key state transitions by target state",
		}, []string{"to_state"}),
	}
	reg.MustRegister(m.DecisionsTotal, m.RequestsTotal, m.RequestLatency, m.CostUSD,
		m.BudgetViolationsTotal, m.BudgetWarningsTotal, m.QuotaExhaustedTotal, m.KeyStateTransitions)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Consume drains events from sub and updates collectors until the
// subscriber is unsubscribed. Run it in its own goroutine.
func (m *Metrics) Consume(sub *Subscriber) {
	for {
		select {
		case e := <-sub.C:
			m.observe(e)
		case <-sub.done:
			return
		}
	}
}

func (m *Metrics) observe(e Event) {
	provider := payloadString(e, "provider_id")
	switch e.Type {
	case EventRoutingDecision:
		m.DecisionsTotal.WithLabelValues(provider, payloadString(e, "objective")).Inc()
	case EventRequestCompleted:
		m.RequestsTotal.WithLabelValues(provider, "ok").Inc()
	case EventRequestFailed:
		m.RequestsTotal.WithLabelValues(provider, "error").Inc()
	case EventBudgetViolation:
		m.BudgetViolationsTotal.Inc()
	case EventBudgetWarning:
		m.BudgetWarningsTotal.Inc()
	case EventQuotaExhausted:
		m.QuotaExhaustedTotal.WithLabelValues(provider).Inc()
	case EventStateTransition:
		m.KeyStateTransitions.WithLabelValues(payloadString(e, "to_state")).Inc()
	case EventCostReconciled:
		if usd, ok := e.Payload["actual_cost_usd"].(float64); ok && usd > 0 {
			m.CostUSD.WithLabelValues(provider, payloadString(e, "model")).Add(usd)
		}
	}
}

func payloadString(e Event, key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}
