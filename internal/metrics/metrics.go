// Package metrics provides Prometheus instrumentation for the market-board
// engine. Stores receive a Sink at construction instead of mutating
// package-level counters, so tests can run without touching the default
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives store-level instrumentation events.
type Sink interface {
	// ListingLocalCacheHit/Miss/Update track the process-local listings cache.
	ListingLocalCacheHit()
	ListingLocalCacheMiss()
	ListingLocalCacheUpdate()

	// ListingRowsRead observes how many listing rows a durable read returned.
	ListingRowsRead(n int)

	// SaleRowsRead observes the requested row count of a durable sale read.
	SaleRowsRead(n int)

	// SaleReadQueued counts sale reads that had to wait on the admission gate.
	SaleReadQueued()

	// CacheError counts swallowed cache failures, labeled by store.
	CacheError(store string)
}

// PrometheusSink implements Sink on the default Prometheus registry.
type PrometheusSink struct {
	listingCacheHits    prometheus.Counter
	listingCacheMisses  prometheus.Counter
	listingCacheUpdates prometheus.Counter
	listingRowsRead     prometheus.Histogram
	saleRowsRead        prometheus.Histogram
	saleReadsQueued     prometheus.Counter
	cacheErrors         *prometheus.CounterVec
}

// NewPrometheusSink registers and returns the production sink.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{
		listingCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketboard_listing_local_cache_hit_total",
			Help: "Process-local listings cache hits",
		}),
		listingCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketboard_listing_local_cache_miss_total",
			Help: "Process-local listings cache misses",
		}),
		listingCacheUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketboard_listing_local_cache_update_total",
			Help: "Process-local listings cache writes",
		}),
		listingRowsRead: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketboard_listing_rows_read",
			Help:    "Listing rows returned per durable read",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		saleRowsRead: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketboard_sale_rows_read",
			Help:    "Sale rows requested per durable read",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		saleReadsQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketboard_sale_reads_queued_total",
			Help: "Sale reads that waited on the admission gate",
		}),
		cacheErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketboard_cache_errors_total",
			Help: "Swallowed cache failures",
		}, []string{"store"}),
	}
}

func (s *PrometheusSink) ListingLocalCacheHit()    { s.listingCacheHits.Inc() }
func (s *PrometheusSink) ListingLocalCacheMiss()   { s.listingCacheMisses.Inc() }
func (s *PrometheusSink) ListingLocalCacheUpdate() { s.listingCacheUpdates.Inc() }
func (s *PrometheusSink) ListingRowsRead(n int)    { s.listingRowsRead.Observe(float64(n)) }
func (s *PrometheusSink) SaleRowsRead(n int)       { s.saleRowsRead.Observe(float64(n)) }
func (s *PrometheusSink) SaleReadQueued()          { s.saleReadsQueued.Inc() }
func (s *PrometheusSink) CacheError(store string)  { s.cacheErrors.WithLabelValues(store).Inc() }

// Nop is a Sink that discards everything. Used in tests.
type Nop struct{}

func (Nop) ListingLocalCacheHit()    {}
func (Nop) ListingLocalCacheMiss()   {}
func (Nop) ListingLocalCacheUpdate() {}
func (Nop) ListingRowsRead(int)      {}
func (Nop) SaleRowsRead(int)         {}
func (Nop) SaleReadQueued()          {}
func (Nop) CacheError(string)        {}

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketboard_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketboard_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
