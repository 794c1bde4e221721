package stream

import "github.com/prometheus/client_golang/prometheus"

var (
	metricTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "stream", Name: "tokens_total",
		Help: "Tokens delivered to consumers",
	})
	metricGenerations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "stream", Name: "generations_total",
		Help: "Finished generations by stop reason",
	}, []string{"stop_reason"})
	metricBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "stream", Name: "backpressure_aborts_total",
		Help: "Generations aborted because the consumer fell behind",
	})
)

func init() {
	prometheus.MustRegister(metricTokens, metricGenerations, metricBackpressure)
}
