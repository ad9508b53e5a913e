package comtiles

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors an ArchiveReader-fronting server
// exposes: cache hit/miss counters, bucket request latency, and fragment
// LRU occupancy. Structurally grounded on pmtiles/server_metrics.go's
// metrics struct and register[K] helper, renamed to the "comtiles"
// namespace.
type Metrics struct {
	CacheRequests *prometheus.CounterVec
	BucketLatency *prometheus.HistogramVec
	FragmentLRU   prometheus.Gauge
}

// NewMetrics registers the comtiles metric family against reg (typically
// prometheus.DefaultRegisterer) and logs each registration the way
// createMetrics does in pmtiles/server_metrics.go.
func NewMetrics(logger *log.Logger, reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CacheRequests: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comtiles",
			Name:      "cache_requests_total",
			Help:      "Count of fragment cache lookups by result.",
		}, []string{"result"})),
		BucketLatency: register(logger, reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "comtiles",
			Name:      "bucket_request_duration_seconds",
			Help:      "Latency of range requests against the archive bucket.",
		}, []string{"kind"})),
		FragmentLRU: register(logger, reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "comtiles",
			Name:      "fragment_lru_entries",
			Help:      "Current number of cached fragments.",
		})),
	}
}

func register[K prometheus.Collector](logger *log.Logger, reg prometheus.Registerer, metric K) K {
	if err := reg.Register(metric); err != nil {
		logger.Printf("comtiles: metric registration failed: %v", err)
	}
	return metric
}

// bucketRequestTracker times a single bucket fetch and records it against
// kind on completion (ArchiveReader records only "fragment" fetches), mirroring
// requestTracker/bucketRequestTracker in pmtiles/server_metrics.go.
type bucketRequestTracker struct {
	metrics *Metrics
	kind    string
	start   time.Time
}

func (m *Metrics) startBucketRequest(kind string) *bucketRequestTracker {
	if m == nil {
		return nil
	}
	return &bucketRequestTracker{metrics: m, kind: kind, start: time.Now()}
}

func (t *bucketRequestTracker) finish() {
	if t == nil {
		return
	}
	t.metrics.BucketLatency.WithLabelValues(t.kind).Observe(time.Since(t.start).Seconds())
}

func (m *Metrics) cacheRequest(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheRequests.WithLabelValues("hit").Inc()
	} else {
		m.CacheRequests.WithLabelValues("miss").Inc()
	}
}
