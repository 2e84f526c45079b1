package monitoring

import (
	"time"

	"undercover/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	sessionsAdmitted  prometheus.Counter
	sessionsRemoved   *prometheus.CounterVec
	admissionRejected *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	chatMessages      *prometheus.CounterVec

	messageDuration *prometheus.HistogramVec

	activeConnections prometheus.Gauge
	activeRooms       prometheus.Gauge
	subscribers       prometheus.Gauge
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the gateway metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		sessionsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "undercover_sessions_admitted_total",
			Help: "Sessions admitted by the registry",
		}),

		sessionsRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "undercover_sessions_removed_total",
			Help: "Sessions removed, by reason",
		}, []string{"reason"}),

		admissionRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "undercover_admission_rejected_total",
			Help: "Connections refused before admission, by reason",
		}, []string{"reason"}),

		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "undercover_deliveries_total",
			Help: "Envelopes addressed to a single user, by outcome",
		}, []string{"outcome"}),

		chatMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "undercover_chat_messages_total",
			Help: "Chat messages processed by the moderator, by outcome",
		}, []string{"outcome"}),

		messageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "undercover_message_handle_duration_seconds",
			Help:    "Time spent handling one inbound client message",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"type"}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "undercover_active_connections",
			Help: "Currently connected users",
		}),

		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "undercover_active_rooms",
			Help: "Rooms with at least one member",
		}),

		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "undercover_leaderboard_subscribers",
			Help: "Users subscribed to leaderboard events",
		}),
	}
}

func (p *PrometheusCollector) SessionAdmitted() {
	p.sessionsAdmitted.Inc()
}

func (p *PrometheusCollector) SessionRemoved(reason string) {
	p.sessionsRemoved.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) AdmissionRejected(reason string) {
	p.admissionRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) Delivered(live bool) {
	outcome := "queued"
	if live {
		outcome = "live"
	}
	p.deliveries.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) ChatProcessed(outcome string) {
	p.chatMessages.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) MessageHandled(msgType string, elapsed time.Duration) {
	p.messageDuration.WithLabelValues(msgType).Observe(elapsed.Seconds())
}

func (p *PrometheusCollector) Gauges(connections, rooms, subscribers int) {
	p.activeConnections.Set(float64(connections))
	p.activeRooms.Set(float64(rooms))
	p.subscribers.Set(float64(subscribers))
}
