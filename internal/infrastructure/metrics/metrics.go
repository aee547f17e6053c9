// Package metrics exposes relay instrumentation as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorrc/collab-relay/internal/core/domain"
	"github.com/lorrc/collab-relay/internal/core/ports"
)

const namespace = "collab_relay"

// Recorder implements ports.Metrics on top of Prometheus collectors.
type Recorder struct {
	rooms      prometheus.Gauge
	sessions   prometheus.Gauge
	routed     *prometheus.CounterVec
	recipients prometheus.Histogram
	dropped    *prometheus.CounterVec
	rejected   *prometheus.CounterVec
}

var _ ports.Metrics = (*Recorder)(nil)

// NewRecorder creates the relay collectors and registers them with reg.
// A nil reg uses the default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of rooms with at least one session.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_connected",
			Help:      "Number of open websocket sessions.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_routed_total",
			Help:      "Events fanned out to a room, by message type.",
		}, []string{"type"}),
		recipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_recipients",
			Help:      "Local recipients per routed event.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events discarded, by reason.",
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_rejected_total",
			Help:      "Join requests rejected, by reason code.",
		}, []string{"code"}),
	}

	reg.MustRegister(r.rooms, r.sessions, r.routed, r.recipients, r.dropped, r.rejected)
	return r
}

func (r *Recorder) RoomOpened()          { r.rooms.Inc() }
func (r *Recorder) RoomClosed()          { r.rooms.Dec() }
func (r *Recorder) SessionConnected()    { r.sessions.Inc() }
func (r *Recorder) SessionDisconnected() { r.sessions.Dec() }

func (r *Recorder) EventRouted(kind domain.MessageType, recipients int) {
	r.routed.WithLabelValues(string(kind)).Inc()
	r.recipients.Observe(float64(recipients))
}

func (r *Recorder) EventDropped(reason string) {
	r.dropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) JoinRejected(code string) {
	r.rejected.WithLabelValues(code).Inc()
}

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor exposes the metrics gathered by g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
