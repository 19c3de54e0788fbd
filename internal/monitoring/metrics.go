// Package monitoring registers the service's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Thread watcher.
	WatcherCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_cycles_total",
		Help: "Completed thread-watcher cycles",
	})
	WatcherThreadsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watcher_threads_processed_total",
		Help: "Per-thread worker outcomes",
	}, []string{"outcome"}) // success, not_modified, dead, error
	WatcherRepliesFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_replies_found_total",
		Help: "New reply rows written by the watcher",
	})
	WatcherCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "watcher_cycle_duration_seconds",
		Help:    "Duration of one full watcher cycle",
		Buckets: prometheus.DefBuckets,
	})

	// FCM dispatcher.
	FCMSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcm_sends_total",
		Help: "FCM dispatch outcomes per token group",
	}, []string{"result"}) // sent, failed
	FCMSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fcm_send_duration_seconds",
		Help:    "Duration of one FCM send",
		Buckets: prometheus.DefBuckets,
	})

	// Throttler.
	ThrottledRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "throttled_requests_total",
		Help: "Requests rejected by the throttler",
	}, []string{"route"})

	// HTTP surface.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Handled HTTP requests",
	}, []string{"route"})
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Handler latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
