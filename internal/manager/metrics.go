package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	metricLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "manager", Name: "loads_total",
		Help: "Load orchestrations by outcome",
	}, []string{"outcome"})

	metricAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "manager", Name: "load_attempts_total",
		Help: "Engine load tries by ladder step and result",
	}, []string{"reason", "result"})

	metricLoadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "peerd", Subsystem: "manager", Name: "load_duration_seconds",
		Help:    "Wall time of load orchestrations",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
	}, []string{"outcome"})

	metricRecoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "manager", Name: "recoveries_total",
		Help: "Recovery passes after failed health checks",
	}, []string{"result"})

	metricQueueLen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerd", Subsystem: "manager", Name: "generation_queue",
		Help: "Generations holding a queue slot",
	})

	metricRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "manager", Name: "generations_rejected_total",
		Help: "Generations rejected because the queue stayed full",
	})
)

func init() {
	prometheus.MustRegister(metricLoads, metricAttempts, metricLoadDuration, metricRecoveries, metricQueueLen, metricRejected)
}
