package shimmer

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records node request outcomes. A nil *Metrics records nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	quorum      *prometheus.CounterVec
	batchItems  *prometheus.CounterVec
	healthyNode prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) (metrics *Metrics, err error) {
	metrics = &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shimmer",
			Subsystem: "node",
			Name:      "requests_total",
			Help:      "Node api requests by node and outcome.",
		}, []string{"node", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shimmer",
			Subsystem: "node",
			Name:      "request_duration_seconds",
			Help:      "Node api request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node"}),
		quorum: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shimmer",
			Subsystem: "quorum",
			Name:      "results_total",
			Help:      "Quorum request results.",
		}, []string{"result"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shimmer",
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Batch items by mode and result.",
		}, []string{"mode", "result"}),
		healthyNode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shimmer",
			Subsystem: "node",
			Name:      "healthy",
			Help:      "Nodes reported healthy by the last sync.",
		}),
	}

	if registerer == nil {
		return
	}

	for _, c := range []prometheus.Collector{
		metrics.requests,
		metrics.latency,
		metrics.quorum,
		metrics.batchItems,
		metrics.healthyNode,
	} {
		if err = registerer.Register(c); err != nil {
			err = errors.Wrap(err, "failed to register metrics")
			metrics = nil
			return
		}
	}

	return
}

func (m *Metrics) nodeRequest(node string, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(node, outcome).Inc()
	m.latency.WithLabelValues(node).Observe(took.Seconds())
}

func (m *Metrics) quorumResult(result string) {
	if m == nil {
		return
	}
	m.quorum.WithLabelValues(result).Inc()
}

func (m *Metrics) batchItem(mode BatchMode, result string) {
	if m == nil {
		return
	}
	m.batchItems.WithLabelValues(mode.String(), result).Inc()
}

func (m *Metrics) healthyNodes(count int) {
	if m == nil {
		return
	}
	m.healthyNode.Set(float64(count))
}
