package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ContentCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebox_content_created_total",
		Help: "no. of content records created",
	})
	ContentRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebox_content_retrieved_total",
		Help: "no. of content records served",
	})
	ContentDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebox_content_deleted_total",
		Help: "no. of explicit deletes",
	})
	ContentEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebox_content_evicted_total",
		Help: "no. of expired records removed on read",
	})
	DuplicateIDs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_duplicate_id_total",
			Help: "no. of inserts rejected by the id uniqueness constraint",
		},
		[]string{"source"},
	)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"layer"},
	)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebox_cache_misses_total",
		Help: "no. of reads that fell through to the database",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharebox_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_login_attempts_total",
			Help: "no. of admin login attempts",
		},
		[]string{"result"},
	)
	ConfigReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebox_config_reloads_total",
		Help: "no. of config snapshots swapped in",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharebox_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
