package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_realtime_sessions",
		Help: "Number of live realtime sessions.",
	})

	publishedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_realtime_events_published_total",
		Help: "Events queued for delivery to a session.",
	}, []string{"type"})

	droppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_realtime_events_dropped_total",
		Help: "Inbound or outbound events that were dropped.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(sessionsGauge, publishedEvents, droppedEvents)
}
