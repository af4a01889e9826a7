// Package metrics exposes Prometheus instrumentation for the ingestion and
// dispatch pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquawatch_frames_ingested_total",
		Help: "Sensor frames accepted and persisted.",
	})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquawatch_frames_dropped_total",
		Help: "Sensor frames dropped, by reason.",
	}, []string{"reason"})

	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquawatch_alerts_fired_total",
		Help: "Alerts created, by severity.",
	}, []string{"severity"})

	AlertsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquawatch_alerts_resolved_total",
		Help: "Alerts transitioned to resolved.",
	})

	EmailsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquawatch_emails_sent_total",
		Help: "Alert notification emails delivered.",
	})

	EmailsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquawatch_emails_dropped_total",
		Help: "Alert notification emails dropped after retry exhaustion or queue overflow.",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aquawatch_websocket_clients",
		Help: "Currently connected WebSocket clients.",
	})

	WSMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquawatch_websocket_messages_sent_total",
		Help: "Messages queued to WebSocket clients.",
	})

	WSSlowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquawatch_websocket_slow_consumers_total",
		Help: "Clients disconnected for exceeding the send buffer high-water mark.",
	})

	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquawatch_presence_transitions_total",
		Help: "Device status transitions, by target state.",
	}, []string{"to"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
