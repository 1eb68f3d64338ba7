package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	EnvelopesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_published_total",
		Help: "Envelopes accepted from origin services and published to the bus.",
	})

	EnvelopesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_delivered_total",
		Help: "Envelope copies delivered to subscribed connections.",
	})

	EnvelopesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_envelopes_dropped_total",
		Help: "Envelopes dropped before delivery, by reason.",
	}, []string{"reason"})

	SubscriptionsGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_subscriptions_granted_total",
		Help: "Topic subscriptions accepted by the hub.",
	})

	SubscriptionsDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_subscriptions_denied_total",
		Help: "Topic subscriptions rejected by grant verification.",
	})

	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_clients",
		Help: "Currently connected websocket clients.",
	})
)

func init() {
	registry.MustRegister(
		EnvelopesPublished,
		EnvelopesDelivered,
		EnvelopesDropped,
		SubscriptionsGranted,
		SubscriptionsDenied,
		ConnectedClients,
	)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
