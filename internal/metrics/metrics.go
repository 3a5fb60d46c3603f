// Package metrics holds the Prometheus registry for the daemon. All
// series carry the quantfeed_ prefix; recording helpers keep label
// cardinality fixed at call sites.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// Registry holds every metric the daemon exposes.
type Registry struct {
	reg *prometheus.Registry

	RESTRequests *prometheus.CounterVec
	RESTRetries  *prometheus.CounterVec

	WSMessages   *prometheus.CounterVec
	WSReconnects *prometheus.CounterVec
	SessionState *prometheus.GaugeVec

	QueueDepth *prometheus.GaugeVec
	QueueDrops *prometheus.CounterVec

	WriterFlushes *prometheus.CounterVec
	WriterRows    *prometheus.CounterVec
	FlushSeconds  *prometheus.HistogramVec
	DeadLetters   *prometheus.CounterVec

	Tasks        *prometheus.GaugeVec
	QualityScore *prometheus.GaugeVec
	BookResyncs  *prometheus.CounterVec
}

// New builds a Registry backed by its own Prometheus registry, so
// multiple instances can coexist in one process.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		RESTRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfeed_rest_requests_total",
				Help: "REST requests by exchange, endpoint and result",
			},
			[]string{"exchange", "endpoint", "result"},
		),

		RESTRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfeed_rest_retries_total",
				Help: "REST retries by exchange and error kind",
			},
			[]string{"exchange", "kind"},
		),

		WSMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfeed_ws_messages_total",
				Help: "Stream messages parsed by exchange and stream kind",
			},
			[]string{"exchange", "stream"},
		),

		WSReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfeed_ws_reconnects_total",
				Help: "Stream session reconnect attempts by exchange",
			},
			[]string{"exchange"},
		),

		SessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantfeed_ws_session_state",
				Help: "Session state (0=disconnected 1=connecting 2=subscribing 3=live 4=reconnecting 5=failed)",
			},
			[]string{"exchange"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantfeed_queue_depth",
				Help: "Buffered rows per pipeline topic",
			},
			[]string{"topic"},
		),

		QueueDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfeed_queue_drops_total",
				Help: "Rows dropped on queue overflow per topic",
			},
			[]string{"topic"},
		),

		WriterFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfeed_writer_flushes_total",
				Help: "Writer flushes by topic and result",
			},
			[]string{"topic", "result"},
		),

		WriterRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfeed_writer_rows_total",
				Help: "Rows persisted per topic",
			},
			[]string{"topic"},
		),

		FlushSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantfeed_writer_flush_seconds",
				Help:    "Flush duration per topic",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"topic"},
		),

		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfeed_deadletter_batches_total",
				Help: "Batches dead-lettered after exhausting flush retries",
			},
			[]string{"topic"},
		),

		Tasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantfeed_tasks",
				Help: "Backfill tasks by status",
			},
			[]string{"status"},
		),

		QualityScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantfeed_quality_score",
				Help: "Latest quality score per market and timeframe (0-100)",
			},
			[]string{"exchange", "symbol", "timeframe"},
		),

		BookResyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfeed_book_resyncs_total",
				Help: "Order book resyncs by exchange and symbol",
			},
			[]string{"exchange", "symbol"},
		),
	}

	r.reg.MustRegister(
		r.RESTRequests,
		r.RESTRetries,
		r.WSMessages,
		r.WSReconnects,
		r.SessionState,
		r.QueueDepth,
		r.QueueDrops,
		r.WriterFlushes,
		r.WriterRows,
		r.FlushSeconds,
		r.DeadLetters,
		r.Tasks,
		r.QualityScore,
		r.BookResyncs,
	)

	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// RecordRequest counts one REST call outcome.
func (r *Registry) RecordRequest(exchange, endpoint, result string) {
	r.RESTRequests.WithLabelValues(exchange, endpoint, result).Inc()
}

// RecordRetry counts one REST retry by error kind.
func (r *Registry) RecordRetry(exchange, kind string) {
	r.RESTRetries.WithLabelValues(exchange, kind).Inc()
}

// CounterValue reads one counter sample back out, for the status
// endpoint and tests.
func CounterValue(vec *prometheus.CounterVec, labels ...string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	m := &io_prometheus_client.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue reads one gauge sample back out.
func GaugeValue(vec *prometheus.GaugeVec, labels ...string) float64 {
	g, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	m := &io_prometheus_client.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
