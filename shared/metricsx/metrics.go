package metricsx

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	wsConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Currently registered control connections.",
		},
	)
	wsConnectionsReplaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_connections_replaced_total",
			Help: "Connections force-closed because a newer one authenticated with the same key.",
		},
	)
	wsEventsInbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_inbound_total",
			Help: "Inbound events by event type.",
		},
		[]string{"event_type"},
	)
	wsEventsOutbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_outbound_total",
			Help: "Outbound events by event type.",
		},
		[]string{"event_type"},
	)
	dispatchTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_total",
			Help: "Dispatch tasks by terminal state.",
		},
		[]string{"state"},
	)
	dispatchActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_active_tasks",
			Help: "Dispatch tasks currently in flight.",
		},
	)
	dispatchFilesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_files_sent_total",
			Help: "DICOM files successfully sent to PACS nodes.",
		},
	)
	downloadLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_download_duration_seconds",
			Help:    "Entity archive download latency in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	phiMappingsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phi_mappings_created_total",
			Help: "New patient identity mappings persisted.",
		},
	)
	phiLookupDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phi_lookups_denied_total",
			Help: "De-anonymization attempts rejected by authorization.",
		},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Consumer group lag by topic.",
		},
		[]string{"topic", "group"},
	)
)

func Register() {
	prometheus.MustRegister(
		wsConnectionsActive,
		wsConnectionsReplaced,
		wsEventsInbound,
		wsEventsOutbound,
		dispatchTasks,
		dispatchActiveTasks,
		dispatchFilesSent,
		downloadLatency,
		phiMappingsCreated,
		phiLookupDenied,
		kafkaConsumerLag,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func SetWSConnections(n int) {
	wsConnectionsActive.Set(float64(n))
}

func IncWSConnectionReplaced() {
	wsConnectionsReplaced.Inc()
}

func IncEventInbound(eventType string) {
	wsEventsInbound.WithLabelValues(eventType).Inc()
}

func IncEventOutbound(eventType string) {
	wsEventsOutbound.WithLabelValues(eventType).Inc()
}

func IncDispatchTask(state string) {
	dispatchTasks.WithLabelValues(state).Inc()
}

func SetActiveDispatches(n int) {
	dispatchActiveTasks.Set(float64(n))
}

func AddFilesSent(n int) {
	dispatchFilesSent.Add(float64(n))
}

func ObserveDownloadLatency(d time.Duration) {
	downloadLatency.Observe(d.Seconds())
}

func IncPHIMappingCreated() {
	phiMappingsCreated.Inc()
}

func IncPHILookupDenied() {
	phiLookupDenied.Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}
