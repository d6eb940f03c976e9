// Package prometheus provides Prometheus implementations of the
// metrics interfaces.
package prometheus

import (
	"strconv"
	"time"

	"github.com/jrife/kvcache/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kvcache"

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Latency buckets in seconds
var defaultBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60,
}

// clientMetrics implements metrics.Client
type clientMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	discoveries     *prometheus.CounterVec
	proxiesCreated  prometheus.Counter
}

// NewClientMetrics creates Prometheus metrics for the cache client and
// registers them with reg
func NewClientMetrics(reg prometheus.Registerer) metrics.Client {
	m := &clientMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Partition call latency in seconds, retries included",
			Buckets:   defaultBuckets,
		}, []string{"op"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Total number of partition calls",
		}, []string{"op", "success"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Total number of retried attempts by status code",
		}, []string{"op", "code"}),
		discoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "discoveries_total",
			Help:      "Total number of topology discoveries",
		}, []string{"success"}),
		proxiesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "proxies_created_total",
			Help:      "Total number of partition proxies created",
		}),
	}

	reg.MustRegister(
		m.requestDuration,
		m.requestsTotal,
		m.retriesTotal,
		m.discoveries,
		m.proxiesCreated,
	)

	return m
}

func (m *clientMetrics) RequestDuration(op string) metrics.Timer {
	return newTimer(m.requestDuration.WithLabelValues(op))
}

func (m *clientMetrics) RequestCompleted(op string, success bool) {
	m.requestsTotal.WithLabelValues(op, strconv.FormatBool(success)).Inc()
}

func (m *clientMetrics) RequestRetried(op string, code string) {
	m.retriesTotal.WithLabelValues(op, code).Inc()
}

func (m *clientMetrics) DiscoveryCompleted(success bool) {
	m.discoveries.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (m *clientMetrics) ProxyCreated() {
	m.proxiesCreated.Inc()
}

var _ metrics.Client = (*clientMetrics)(nil)

// storeMetrics implements metrics.Store
type storeMetrics struct {
	operationDuration *prometheus.HistogramVec
	operationsTotal   *prometheus.CounterVec
	entriesExpired    prometheus.Counter
}

// NewStoreMetrics creates Prometheus metrics for a partition's store
// and registers them with reg
func NewStoreMetrics(reg prometheus.Registerer) metrics.Store {
	m := &storeMetrics{
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"op"}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of store operations by outcome",
		}, []string{"op", "outcome"}),
		entriesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "entries_expired_total",
			Help:      "Total number of expired entries removed by the sweeper",
		}),
	}

	reg.MustRegister(
		m.operationDuration,
		m.operationsTotal,
		m.entriesExpired,
	)

	return m
}

func (m *storeMetrics) OperationDuration(op string) metrics.Timer {
	return newTimer(m.operationDuration.WithLabelValues(op))
}

func (m *storeMetrics) OperationCompleted(op string, outcome string) {
	m.operationsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *storeMetrics) EntriesExpired(count int) {
	m.entriesExpired.Add(float64(count))
}

var _ metrics.Store = (*storeMetrics)(nil)
