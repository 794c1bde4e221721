package preload

import "github.com/prometheus/client_golang/prometheus"

var (
	metricReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerd", Subsystem: "preload", Name: "ready",
		Help: "Models currently preloaded",
	})

	metricQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerd", Subsystem: "preload", Name: "queued",
		Help: "Preload requests waiting in the queue",
	})

	metricSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "preload", Name: "skipped_total",
		Help: "Preload requests refused by admission, by reason",
	}, []string{"reason"})

	metricRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "preload", Name: "runs_total",
		Help: "Completed preloads, by result",
	}, []string{"result"})

	metricEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "preload", Name: "evictions_total",
		Help: "Preloads evicted, by cause",
	}, []string{"cause"})
)

func init() {
	prometheus.MustRegister(metricReady, metricQueued, metricSkipped, metricRuns, metricEvictions)
}
