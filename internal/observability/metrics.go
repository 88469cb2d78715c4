package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plantrack",
		Name:      "frames_processed_total",
		Help:      "Total number of frames processed by the tracking pipeline",
	}, []string{"session_id"})

	Detections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plantrack",
		Name:      "detections_total",
		Help:      "Total number of successful feature-match detections",
	}, []string{"session_id"})

	FlowTracks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plantrack",
		Name:      "flow_tracks_total",
		Help:      "Total number of successful optical-flow tracking steps",
	}, []string{"session_id"})

	RedetectSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plantrack",
		Name:      "redetect_signals_total",
		Help:      "Total number of should_redetect signals raised by the flow tracker",
	}, []string{"session_id"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "plantrack",
		Name:      "inference_duration_seconds",
		Help:      "Duration of tracking pipeline stages",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"stage"}) // process_frame (cmd/tracker's whole-frame time)

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "plantrack",
		Name:      "queue_depth",
		Help:      "Number of pending frame tasks in the FRAMES stream",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "plantrack",
		Name:      "active_sessions",
		Help:      "Number of currently active tracking sessions",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "plantrack",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "plantrack",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
