package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the policy engine and approval lifecycle.
type Metrics interface {
	IncDecisions(capability, effect, reason string)
	IncGateRequested(tenant string)
	IncGateResolved(outcome string)
	IncEscalations(toLevel string)
	IncTimerFired(purpose string)
}

// GatewayMetrics captures request metrics for the HTTP API.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncDecisions(string, string, string) {}
func (Noop) IncGateRequested(string)             {}
func (Noop) IncGateResolved(string)              {}
func (Noop) IncEscalations(string)               {}
func (Noop) IncTimerFired(string)                {}

// NoopGateway implements GatewayMetrics without emitting anything.
type NoopGateway struct{}

func (NoopGateway) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	decisions   *prometheus.CounterVec
	requested   *prometheus.CounterVec
	resolved    *prometheus.CounterVec
	escalations *prometheus.CounterVec
	timersFired *prometheus.CounterVec
	once        sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy decisions by capability, effect and reason",
		}, []string{"capability", "effect", "reason"}),
		requested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_gates_requested_total",
			Help:      "Approval gates created by tenant",
		}, []string{"tenant"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_gates_resolved_total",
			Help:      "Approval gate terminal resolutions by outcome",
		}, []string{"outcome"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_escalations_total",
			Help:      "Escalation level advances by destination level",
		}, []string{"to_level"}),
		timersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Durable timer expiries processed by purpose",
		}, []string{"purpose"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.decisions, p.requested, p.resolved, p.escalations, p.timersFired)
	})
}

func (p *Prom) IncDecisions(capability, effect, reason string) {
	if reason == "" {
		reason = "none"
	}
	p.decisions.WithLabelValues(capability, effect, reason).Inc()
}

func (p *Prom) IncGateRequested(tenant string) {
	p.requested.WithLabelValues(tenant).Inc()
}

func (p *Prom) IncGateResolved(outcome string) {
	p.resolved.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncEscalations(toLevel string) {
	p.escalations.WithLabelValues(toLevel).Inc()
}

func (p *Prom) IncTimerFired(purpose string) {
	p.timersFired.WithLabelValues(purpose).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
