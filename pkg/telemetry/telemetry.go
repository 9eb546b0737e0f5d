// Package telemetry exposes Prometheus metrics for index builds and queries.
// Metrics register eagerly; if the host process never serves /metrics the
// registration is harmless and every observation is a cheap counter bump.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tablesLoadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spatialhash_tables_loaded_total",
		Help: "Total hash tables loaded into the manager cache",
	})
	tablesUnloadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spatialhash_tables_unloaded_total",
		Help: "Total hash tables evicted from the manager cache",
	})
	queriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spatialhash_queries_total",
		Help: "Radius queries served, by query mode",
	}, []string{"mode"})
	buildDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spatialhash_build_duration_seconds",
		Help:    "Wall time of full incremental index builds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	shardCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spatialhash_shard_cache_hits_total",
		Help: "Shard loads served from the query engine's LRU cache",
	})
	shardCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spatialhash_shard_cache_misses_total",
		Help: "Shard loads that went to the shard reader",
	})
)

func init() {
	prometheus.MustRegister(tablesLoadedTotal, tablesUnloadedTotal, queriesTotal,
		buildDurationSeconds, shardCacheHitsTotal, shardCacheMissesTotal)
}

func ObserveTableLoaded() {
	tablesLoadedTotal.Inc()
}

func ObserveTablesUnloaded(n int) {
	tablesUnloadedTotal.Add(float64(n))
}

func ObserveQuery(mode string) {
	queriesTotal.WithLabelValues(mode).Inc()
}

func ObserveBuildDuration(d time.Duration) {
	buildDurationSeconds.Observe(d.Seconds())
}

func ObserveShardCacheHit() {
	shardCacheHitsTotal.Inc()
}

func ObserveShardCacheMiss() {
	shardCacheMissesTotal.Inc()
}

// ServeMetrics exposes /metrics on addr in a background goroutine.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
