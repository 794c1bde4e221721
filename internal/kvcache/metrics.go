package kvcache

import "github.com/prometheus/client_golang/prometheus"

var (
	metricHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "kvcache", Name: "hits_total",
		Help: "Snapshot lookups that returned verified state",
	})

	metricMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "kvcache", Name: "misses_total",
		Help: "Snapshot lookups that found nothing usable",
	})

	metricEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "kvcache", Name: "evictions_total",
		Help: "Snapshots evicted to stay within budget",
	})

	metricCorruptions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "kvcache", Name: "corruptions_total",
		Help: "Snapshots dropped because verification failed",
	})

	metricStores = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerd", Subsystem: "kvcache", Name: "stores_total",
		Help: "Snapshots stored, by winning codec",
	}, []string{"codec"})

	metricBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerd", Subsystem: "kvcache", Name: "bytes",
		Help: "Compressed bytes currently cached",
	})

	metricEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerd", Subsystem: "kvcache", Name: "entries",
		Help: "Snapshots currently cached",
	})
)

func init() {
	prometheus.MustRegister(metricHits, metricMisses, metricEvictions, metricCorruptions, metricStores, metricBytes, metricEntries)
}
