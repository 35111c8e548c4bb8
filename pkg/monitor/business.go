package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics 定义扫链业务监控指标
type BusinessMetrics struct {
	LastBlockNumber       prometheus.Gauge
	BlocksProcessedTotal  prometheus.Counter
	ReorgsTotal           prometheus.Counter
	ReorgDepth            prometheus.Histogram
	MalformedLogsTotal    prometheus.Counter
	EventsAppliedTotal    *prometheus.CounterVec
	NotificationsTotal    *prometheus.CounterVec
	NotificationDuration  prometheus.Histogram
	DeadLettersTotal      prometheus.Counter
	QueueShedTotal        prometheus.Counter
	WatchedAddressesGauge prometheus.Gauge
	ScannerHalted         prometheus.Gauge
}

// Global Metrics Instance
var Business *BusinessMetrics

// InitBusinessMetrics 初始化业务指标
func InitBusinessMetrics() {
	Business = &BusinessMetrics{
		LastBlockNumber: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_last_block_number",
			Help: "The last confirmed block number processed by the scanner",
		}),
		BlocksProcessedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "monitor_blocks_processed_total",
			Help: "Total number of blocks applied to the ledger",
		}),
		ReorgsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "monitor_reorgs_total",
			Help: "Total number of chain reorganizations handled",
		}),
		ReorgDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "monitor_reorg_depth",
			Help:    "Depth (orphaned block count) of handled reorgs",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 64},
		}),
		MalformedLogsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "monitor_malformed_logs_total",
			Help: "Total number of logs skipped because they could not be decoded",
		}),
		EventsAppliedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_events_applied_total",
			Help: "Total number of balance events applied",
		}, []string{"asset"}),
		NotificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_notifications_total",
			Help: "Notification delivery attempts by outcome",
		}, []string{"outcome"}),
		NotificationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "monitor_notification_duration_seconds",
			Help:    "Duration of notification delivery attempts",
			Buckets: prometheus.DefBuckets,
		}),
		DeadLettersTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "monitor_dead_letters_total",
			Help: "Total number of notification tasks moved to the dead letter set",
		}),
		QueueShedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "monitor_queue_shed_total",
			Help: "Total number of queued notification tasks shed under backpressure",
		}),
		WatchedAddressesGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_watched_addresses",
			Help: "Number of currently watched addresses",
		}),
		ScannerHalted: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_scanner_halted",
			Help: "1 when the scanner is halted on a fatal error, 0 otherwise",
		}),
	}
}
