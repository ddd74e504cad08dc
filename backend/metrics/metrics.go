package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collab_relay"

// Drop reasons used as label values of EnvelopesDropped.
const (
	ReasonClosed = "closed"
	ReasonFull   = "full"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Number of rooms with at least one member.",
	})

	MembersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "members_active",
		Help:      "Number of room members across all rooms.",
	})

	EnvelopesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_delivered_total",
		Help:      "Envelopes pushed to session mailboxes.",
	})

	EnvelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_dropped_total",
		Help:      "Envelopes that could not be pushed to a session mailbox.",
	}, []string{"reason"})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Sessions opened since start.",
	})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Inbound text frames that failed to decode.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
