package taskd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taskwire_cache_hits_total",
	Help: "Task snapshot reads served from the cache",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taskwire_cache_misses_total",
	Help: "Task snapshot reads that fell through to the database",
})

var cacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taskwire_cache_write_failures_total",
	Help: "Cache writes swallowed after a successful database commit",
})

var versionConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taskwire_version_conflicts_total",
	Help: "Mutations rejected by the optimistic version check",
})

var indexRebuilds = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taskwire_index_rebuilds_total",
	Help: "Full ordering index rebuilds from the database",
})

var degradedPageReads = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taskwire_degraded_page_reads_total",
	Help: "Page reads served database-only while the cache was unreachable",
})

var wsEventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taskwire_ws_events_sent_total",
	Help: "Events relayed to websocket subscribers",
}, []string{"remote_addr"})

var rateLimitedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taskwire_rate_limited_requests_total",
	Help: "Requests rejected by the rate limiter, by enforcement backend",
}, []string{"backend"})
