package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Progress engine metrics
	TasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_tasks_active",
			Help: "Number of tasks currently in the active set",
		},
	)

	TasksCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	EventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_events_published_total",
			Help: "Total number of progress events published",
		},
	)

	// Fan-out hub metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_connections_active",
			Help: "Number of live stream connections",
		},
	)

	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_connections_total",
			Help: "Total number of connections accepted",
		},
	)

	FramesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_frames_sent_total",
			Help: "Total number of frames sent to clients",
		},
	)

	FramesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_frames_received_total",
			Help: "Total number of frames received from clients",
		},
	)

	FramesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_frames_dropped_total",
			Help: "Total number of frames shed under backpressure",
		},
	)

	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_send_latency_seconds",
			Help:    "Frame send latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Store gateway metrics
	StoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_store_ops_total",
			Help: "Total number of store commands by operation",
		},
		[]string{"op"},
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_store_errors_total",
			Help: "Total number of failed store commands by operation",
		},
		[]string{"op"},
	)

	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_store_op_duration_seconds",
			Help:    "Store command duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Alert engine metrics
	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_alerts_fired_total",
			Help: "Total number of alerts fired by severity",
		},
		[]string{"severity"},
	)

	AlertsResolvedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_alerts_resolved_total",
			Help: "Total number of alerts resolved",
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_notifications_total",
			Help: "Total number of notification deliveries by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	// Optimizer metrics
	OptimizationActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_optimization_actions_total",
			Help: "Total number of optimizer actions by kind and outcome",
		},
		[]string{"action", "success"},
	)

	// Metric series store metrics
	PointsRecordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_metric_points_recorded_total",
			Help: "Total number of metric points recorded",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksActive)
	prometheus.MustRegister(TasksCreatedTotal)
	prometheus.MustRegister(TasksFinishedTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(FramesSentTotal)
	prometheus.MustRegister(FramesReceivedTotal)
	prometheus.MustRegister(FramesDroppedTotal)
	prometheus.MustRegister(SendLatency)
	prometheus.MustRegister(StoreOpsTotal)
	prometheus.MustRegister(StoreErrorsTotal)
	prometheus.MustRegister(StoreOpDuration)
	prometheus.MustRegister(AlertsFiredTotal)
	prometheus.MustRegister(AlertsResolvedTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(OptimizationActionsTotal)
	prometheus.MustRegister(PointsRecordedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
