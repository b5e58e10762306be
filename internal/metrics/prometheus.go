package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom mirrors the hot counters into Prometheus for dashboards. The
// rolling JSON registry stays authoritative; this is scrape-only.
//
// Exposed series:
//   - engine_webhooks_total{symbol}        accepted webhooks
//   - engine_blocked_total{code}           entry evaluations ending in a block/skip code
//   - engine_orders_total{action}          published ORDER messages (BUY|SELL)
//   - engine_mgmt_decisions_total{decision} management decisions (CLOSE|HOLD)
//   - engine_ai_calls_total{kind,outcome}  oracle round trips
//   - engine_ai_latency_seconds            oracle latency histogram
//   - engine_bus_send_total{kind,outcome}  bus publishes by message kind
//   - engine_heartbeat_fresh               1 while the executor heartbeat is fresh
type Prom struct {
	registry *prometheus.Registry

	Webhooks       *prometheus.CounterVec
	Blocked        *prometheus.CounterVec
	Orders         *prometheus.CounterVec
	MgmtDecisions  *prometheus.CounterVec
	AICalls        *prometheus.CounterVec
	AILatency      prometheus.Histogram
	BusSend        *prometheus.CounterVec
	HeartbeatFresh prometheus.Gauge
}

// NewProm builds and registers the metric set on a private registry.
func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		Webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_webhooks_total",
				Help: "Accepted webhook signals",
			},
			[]string{"symbol"},
		),
		Blocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_blocked_total",
				Help: "Entry evaluations ended by a block or skip code",
			},
			[]string{"code"},
		),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_total",
				Help: "ORDER messages published",
			},
			[]string{"action"},
		),
		MgmtDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_mgmt_decisions_total",
				Help: "Management decisions by kind (CLOSE|HOLD)",
			},
			[]string{"decision"},
		),
		AICalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_ai_calls_total",
				Help: "Oracle calls by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		AILatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "engine_ai_latency_seconds",
				Help:    "Oracle round-trip latency",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 30},
			},
		),
		BusSend: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_bus_send_total",
				Help: "Bus publishes by message kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		HeartbeatFresh: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_heartbeat_fresh",
				Help: "1 while the executor heartbeat is fresh, 0 when stale",
			},
		),
	}

	p.registry.MustRegister(
		p.Webhooks, p.Blocked, p.Orders, p.MgmtDecisions,
		p.AICalls, p.AILatency, p.BusSend, p.HeartbeatFresh,
	)
	return p
}

// SetHeartbeatFresh flips the freshness gauge.
func (p *Prom) SetHeartbeatFresh(fresh bool) {
	if fresh {
		p.HeartbeatFresh.Set(1)
	} else {
		p.HeartbeatFresh.Set(0)
	}
}

// Handler serves the registry in Prometheus text format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
