package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "garden"

type Metrics struct {
	Exchanges        *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec
	BytesReceived    prometheus.Counter
	ReadingsRecorded prometheus.Counter
	TasksSent        prometheus.Counter
	BreakerOpen      prometheus.Gauge
}

// New registers the client's collectors on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Exchanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Controller exchanges by mode and result.",
		}, []string{"mode", "result"}),
		ExchangeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Wall time of one controller exchange.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"mode"}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from the controller.",
		}),
		ReadingsRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_recorded_total",
			Help:      "Sensor readings written to the store.",
		}),
		TasksSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watering_tasks_sent_total",
			Help:      "Watering tasks delivered to the controller.",
		}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 while the controller circuit breaker is open.",
		}),
	}
}
