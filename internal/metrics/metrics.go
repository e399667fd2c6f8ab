// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache rebuilds
	RebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "facegallery_rebuild_duration_seconds",
			Help:    "Duration of encoding cache rebuilds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	RebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facegallery_rebuilds_total",
			Help: "Encoding cache rebuilds by outcome",
		},
		[]string{"outcome"}, // ok, error, cancelled
	)

	RebuildImages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facegallery_rebuild_images_total",
			Help: "Images handled by rebuilds, by action",
		},
		[]string{"action"}, // updated, removed, unchanged, failed, moved
	)

	CacheFaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facegallery_cache_faces",
			Help: "Reference faces in the most recently published snapshot",
		},
	)

	CacheCorruptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facegallery_cache_corruptions_total",
			Help: "Persisted cache documents discarded as unreadable",
		},
	)

	// Embedder
	EmbedderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facegallery_embedder_calls_total",
			Help: "Calls to the face embedder by outcome",
		},
		[]string{"outcome"}, // ok, error, timeout, open_circuit
	)

	EmbedderLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "facegallery_embedder_latency_seconds",
			Help:    "Latency of face embedder calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Matching
	RecognizedFaces = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facegallery_recognized_faces_total",
			Help: "Faces reported by recognize, by result",
		},
		[]string{"result"}, // known, unknown
	)

	// Ledger
	Confirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facegallery_confirmations_total",
			Help: "Recorded match confirmations by verdict",
		},
		[]string{"verdict"},
	)

	// Background work
	RebuildQueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facegallery_rebuild_queue_pending",
			Help: "Users waiting for a background rebuild",
		},
	)

	WatcherEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facegallery_watcher_events_total",
			Help: "Gallery filesystem events that scheduled a rebuild",
		},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facegallery_http_requests_total",
			Help: "HTTP requests by route and status class",
		},
		[]string{"route", "status"},
	)
)
