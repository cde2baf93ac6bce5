package ops

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors the consumer loop and grouping engine
// touch on every message. One Metrics instance is created per process; its
// counters are safe for concurrent use by the loop goroutine and the /metrics
// HTTP handler goroutine.
type Metrics struct {
	MessagesIngested *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	AlertsEmitted    *prometheus.CounterVec
	RetryCount       prometheus.Gauge
	ReconnectTotal   prometheus.Counter
	SubGroupCount    prometheus.Gauge
}

// NewMetrics registers and returns the collector set against reg, or against
// the default Prometheus registry if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		MessagesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csserver",
			Name:      "messages_ingested_total",
			Help:      "Observation messages successfully classified and applied to the cache.",
		}, []string{"classification"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csserver",
			Name:      "messages_dropped_total",
			Help:      "Observation messages dropped before reaching the cache.",
		}, []string{"reason"}),
		AlertsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csserver",
			Name:      "alerts_emitted_total",
			Help:      "Alerts published by the decider, by alert type.",
		}, []string{"alert_type"}),
		RetryCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "csserver",
			Name:      "retry_count",
			Help:      "Current retryable-error counter in the consumer loop.",
		}),
		ReconnectTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "csserver",
			Name:      "bus_reconnects_total",
			Help:      "Number of times the consumer loop reopened the bus subscription.",
		}),
		SubGroupCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "csserver",
			Name:      "sub_groups",
			Help:      "Number of sub-groups currently held in the coincidence cache.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
