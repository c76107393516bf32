package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_enqueued_total", Help: "Total submitted build jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_rate_limit_rejects_total", Help: "Build submissions rejected by rate limiter"})
	BuildsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_completed_total", Help: "Builds that produced an ISO"})
	BuildsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_failed_total", Help: "Builds that ended in failure"})
	BuildsReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_reclaimed_total", Help: "Active builds failed on worker restart"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "builds_queue_depth", Help: "Queued builds waiting for the worker"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "builds_inflight", Help: "Builds currently running"})
	BuildDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "builds_duration_seconds",
		Help:    "Wall time from start to terminal status",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	SyncPeers  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sync_peers", Help: "Connected sync peers by transport"}, []string{"transport"})
	SyncEvents = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_events_sent_total", Help: "Envelopes pushed to sync peers"}, []string{"event"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			BuildsCompleted,
			BuildsFailed,
			BuildsReclaimed,
			QueueDepthGauge,
			InFlightGauge,
			BuildDuration,
			SyncPeers,
			SyncEvents,
		)
	})
	return promhttp.Handler()
}
