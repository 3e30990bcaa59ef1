package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RSVPDuration tracks the latency of the atomic RSVP transaction.
	RSVPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "invitewave_rsvp_transaction_seconds",
			Help:    "Duration of RSVP transactions in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"outcome"}, // accepted, rejected, error
	)

	// DispatchSends counts per-connection realtime send attempts.
	DispatchSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invitewave_dispatch_sends_total",
			Help: "Realtime send attempts by event type and result.",
		},
		[]string{"event_type", "result"}, // result: ok, failed
	)

	// ConnectedClients is the number of live websocket connections.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "invitewave_connected_clients",
			Help: "Current number of registered realtime connections.",
		},
	)

	// BroadcastRecipients observes resolved recipient set sizes per broadcast.
	BroadcastRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "invitewave_broadcast_recipients",
			Help:    "Number of recipients resolved per campaign broadcast.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
)

// RecordRSVPDuration records one RSVP transaction with its outcome.
func RecordRSVPDuration(outcome string, seconds float64) {
	RSVPDuration.WithLabelValues(outcome).Observe(seconds)
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
