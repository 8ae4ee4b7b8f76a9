// Package observability bundles Prometheus metrics for the simulation engine
// and a helper to serve them over HTTP.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineCollector holds the engine's Prometheus instruments.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	TicksTotal     prometheus.Counter
	TokensCreated  *prometheus.CounterVec
	TokensDropped  prometheus.Counter
	TokensConsumed prometheus.Counter
	FormulaErrors  prometheus.Counter
	SimTime        prometheus.Gauge
}

// NewEngineCollector registers engine metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &EngineCollector{
		gatherer: gatherer,
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sim_ticks_total",
			Help: "Total number of completed scheduler ticks.",
		}),
		TokensCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sim_tokens_created_total",
			Help: "Tokens created, labeled by the operation that produced them.",
		}, []string{"operation"}),
		TokensDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sim_tokens_dropped_total",
			Help: "Tokens dropped at full queue input buffers.",
		}),
		TokensConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sim_tokens_consumed_total",
			Help: "Tokens consumed by sink nodes.",
		}),
		FormulaErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sim_formula_errors_total",
			Help: "Formula evaluations that failed and were skipped.",
		}),
		SimTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sim_current_time",
			Help: "Current simulation tick.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.TicksTotal, c.TokensCreated, c.TokensDropped,
		c.TokensConsumed, c.FormulaErrors, c.SimTime,
	} {
		if err := reg.Register(col); err != nil {
			// Tests re-create collectors against the default registry.
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = are
				continue
			}
			return nil, err
		}
	}
	return c, nil
}

// Handler returns an HTTP handler exposing the collector's registry.
func (c *EngineCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
