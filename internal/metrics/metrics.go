// Package metrics exposes the notification layer's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskpulse"

type Metrics struct {
	sessions         *prometheus.GaugeVec
	deliveries       *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	authOutcomes     *prometheus.CounterVec
	roomRejections   prometheus.Counter
	dispatchDuration *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Open sessions by handshake state",
		}, []string{"state"}),

		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Frames queued to sessions, by dispatch mode",
		}, []string{"mode"}),

		deliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Frames that could not be queued, by reason",
		}, []string{"reason"}),

		authOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "Handshake authentication outcomes",
		}, []string{"outcome"}),

		roomRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_rejections_total",
			Help:      "Join or leave requests rejected for a bad room name",
		}),

		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent resolving and queueing one dispatch call",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"mode"}),
	}
}

// SessionOpened moves one session into state.
func (m *Metrics) SessionOpened(state string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(state).Inc()
}

// SessionMoved records a state transition of an open session.
func (m *Metrics) SessionMoved(from, to string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(from).Dec()
	m.sessions.WithLabelValues(to).Inc()
}

// SessionClosed removes one session counted under state.
func (m *Metrics) SessionClosed(state string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(state).Dec()
}

func (m *Metrics) Delivered(mode string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.WithLabelValues(mode).Add(float64(n))
}

func (m *Metrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Auth(outcome string) {
	if m == nil {
		return
	}
	m.authOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RoomRejected() {
	if m == nil {
		return
	}
	m.roomRejections.Inc()
}

// ObserveDispatch records how long a dispatch started at start took.
func (m *Metrics) ObserveDispatch(mode string, start time.Time) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}
