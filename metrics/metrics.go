package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metricer records pipeline activity.
type Metricer interface {
	RecordPaymentReceived()
	RecordBatchCreated(paymentCount int)
	RecordBatchTransition(status string)
	RecordBatchFailed()
	RecordBatchConfirmed()
	RecordTickError(worker string)
	RecordRPCError()
}

// Metrics is the prometheus-backed Metricer.
type Metrics struct {
	registry *prometheus.Registry

	paymentsReceived prometheus.Counter
	batchesCreated   prometheus.Counter
	batchSize        prometheus.Histogram
	transitions      *prometheus.CounterVec
	batchesFailed    prometheus.Counter
	batchesConfirmed prometheus.Counter
	tickErrors       *prometheus.CounterVec
	rpcErrors        prometheus.Counter
}

var _ Metricer = (*Metrics)(nil)

func NewMetrics(ns string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		paymentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "payments_received_total",
			Help:      "Count of payments accepted by the ingress API",
		}),
		batchesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "batches_created_total",
			Help:      "Count of payment batches created",
		}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "batch_size_payments",
			Help:      "Number of payments grouped into each batch",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "batch_transitions_total",
			Help:      "Count of batch status transitions, labelled by target status",
		}, []string{"status"}),
		batchesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "batches_failed_total",
			Help:      "Count of batches that reached FAILED",
		}),
		batchesConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "batches_confirmed_total",
			Help:      "Count of batches that reached CONFIRMED",
		}),
		tickErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "worker_tick_errors_total",
			Help:      "Count of aborted worker ticks, labelled by worker",
		}, []string{"worker"}),
		rpcErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rpc_error_count",
			Help:      "Count of errors talking to the base node and receiver services",
		}),
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordPaymentReceived() { m.paymentsReceived.Inc() }

func (m *Metrics) RecordBatchCreated(paymentCount int) {
	m.batchesCreated.Inc()
	m.batchSize.Observe(float64(paymentCount))
}

func (m *Metrics) RecordBatchTransition(status string) {
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordBatchFailed()    { m.batchesFailed.Inc() }
func (m *Metrics) RecordBatchConfirmed() { m.batchesConfirmed.Inc() }

func (m *Metrics) RecordTickError(worker string) {
	m.tickErrors.WithLabelValues(worker).Inc()
}

func (m *Metrics) RecordRPCError() { m.rpcErrors.Inc() }
