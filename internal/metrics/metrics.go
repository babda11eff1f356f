// Package metrics exposes the coordinator's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	ViewersConnected    prometheus.Gauge
	ChatMessagesTotal   prometheus.Counter
	BroadcastsTotal     prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
	PortAllocFailures   prometheus.Counter
	RelayLaunchFailures prometheus.Counter
}

// New registers the collectors on the given registerer. Passing a fresh
// registry keeps test instances independent.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		ViewersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screenroom_viewers_connected",
			Help: "Number of authenticated viewers currently connected",
		}),
		ChatMessagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenroom_chat_messages_total",
			Help: "Chat messages accepted for broadcast",
		}),
		BroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenroom_broadcasts_total",
			Help: "Messages fanned out to all authenticated viewers",
		}),
		AuthFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenroom_auth_failures_total",
			Help: "Authentication attempts rejected for a bad code",
		}),
		PortAllocFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenroom_port_alloc_failures_total",
			Help: "Stream port allocations that exhausted the probe budget",
		}),
		RelayLaunchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenroom_relay_launch_failures_total",
			Help: "Viewer relay processes that failed to launch",
		}),
	}
}
