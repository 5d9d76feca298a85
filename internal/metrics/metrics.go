// Package metrics exposes engine counters and latencies to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

const namespace = "pivengine"

// Metrics owns a private registry with every engine collector.
type Metrics struct {
	registry *prometheus.Registry

	migrations   *prometheus.CounterVec
	swaps        *prometheus.CounterVec
	swapFills    prometheus.Counter
	transitions  *prometheus.CounterVec
	errors       *prometheus.CounterVec
	operations   *prometheus.HistogramVec
	oracleLookup *prometheus.HistogramVec
}

// New registers the engine collectors plus the Go runtime and process
// collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Position migrations by destination and result.",
		}, []string{"destination", "result"}),
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Swaps by result.",
		}, []string{"result"}),
		swapFills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_fills_total",
			Help:      "Individual order fills committed by swaps.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions by resulting status.",
		}, []string{"status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Operation failures by operation and error kind.",
		}, []string{"op", "kind"}),
		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"op"}),
		oracleLookup: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_quote_duration_seconds",
			Help:      "Price oracle latency by result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.migrations, m.swaps, m.swapFills, m.transitions, m.errors, m.operations, m.oracleLookup,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe records the latency of op and, when err is set, its kind.
func (m *Metrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errors.WithLabelValues(op, string(domain.KindOf(err))).Inc()
	}
}

// Migration counts one migration attempt.
func (m *Metrics) Migration(dest domain.MigrationDestination, ok bool) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(string(dest), result(ok)).Inc()
}

// Swap counts one swap and its fills.
func (m *Metrics) Swap(fills int, ok bool) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(result(ok)).Inc()
	m.swapFills.Add(float64(fills))
}

// OrderTransition counts an order reaching status.
func (m *Metrics) OrderTransition(status domain.OrderStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(status)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// InstrumentOracle wraps source so every quote is timed.
func (m *Metrics) InstrumentOracle(source domain.PriceOracle) domain.PriceOracle {
	if m == nil {
		return source
	}
	return &timedOracle{source: source, hist: m.oracleLookup}
}

type timedOracle struct {
	source domain.PriceOracle
	hist   *prometheus.HistogramVec
}

func (t *timedOracle) Quote(ctx context.Context, token string) (decimal.Decimal, error) {
	start := time.Now()
	price, err := t.source.Quote(ctx, token)
	label := "success"
	if err != nil {
		label = string(domain.KindOf(err))
	}
	t.hist.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return price, err
}
