package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servimatch", Name: "requests_created_total", Help: "Total service requests created"})
	RequestsMatched = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servimatch", Name: "requests_matched_total", Help: "Total requests that reached provider selection"})
	ProvidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "servimatch", Name: "providers_online", Help: "Number of online providers"})

	CacheHits   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servimatch", Name: "cache_hits_total", Help: "Cache lookups that returned a value"})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{Namespace: "servimatch", Name: "cache_misses_total", Help: "Cache lookups that missed"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "servimatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servimatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
