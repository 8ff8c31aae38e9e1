package mdb

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type cacheMetrics struct {
	attempts prometheus.Counter
	failures prometheus.Counter
	hits     prometheus.Counter
	duration prometheus.Histogram
}

func newCacheMetrics() *cacheMetrics {
	return &cacheMetrics{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdb_connect_attempts_total",
			Help: "Connect attempts made by the connection cache",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdb_connect_failures_total",
			Help: "Connect attempts that returned an error",
		}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdb_cache_hits_total",
			Help: "Calls answered from the cached connection",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdb_connect_duration_seconds",
			Help:    "Time spent in connect attempts",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *cacheMetrics) register(registerer prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{m.attempts, m.failures, m.hits, m.duration} {
		if err := registerer.Register(collector); err != nil {
			return fmt.Errorf("register cache metrics: %w", err)
		}
	}
	return nil
}
