package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsTotal counts applied kernel events by operation
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfkilld",
			Name:      "events_total",
			Help:      "Total number of rfkill events applied to the registry",
		},
		[]string{"op"},
	)

	// EventsIgnored counts events that were decoded but had no effect
	EventsIgnored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfkilld",
			Name:      "events_ignored_total",
			Help:      "Total number of rfkill events skipped or tolerated as anomalies",
		},
		[]string{"reason"},
	)

	// NodeErrors counts failures on the device node
	NodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfkilld",
			Name:      "node_errors_total",
			Help:      "Total number of open/read failures on the rfkill device node",
		},
		[]string{"kind"},
	)

	// NodeOpens counts successful opens of the device node
	NodeOpens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rfkilld",
			Name:      "node_opens_total",
			Help:      "Total number of successful opens of the rfkill device node",
		},
	)

	// ConnectionState is 0 closed, 1 open, 2 backing off
	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rfkilld",
			Name:      "connection_state",
			Help:      "State of the rfkill device node connection (0 closed, 1 open, 2 backoff)",
		},
	)

	// Devices tracks known devices by class and block state
	Devices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rfkilld",
			Name:      "devices",
			Help:      "Number of known rfkill devices",
		},
		[]string{"class", "state"},
	)

	once sync.Once
)

// InitMetrics registers all metrics with the global Prometheus registry.
// It is idempotent.
func InitMetrics() {
	once.Do(func() {
		prometheus.DefaultRegisterer.Register(EventsTotal)
		prometheus.DefaultRegisterer.Register(EventsIgnored)
		prometheus.DefaultRegisterer.Register(NodeErrors)
		prometheus.DefaultRegisterer.Register(NodeOpens)
		prometheus.DefaultRegisterer.Register(ConnectionState)
		prometheus.DefaultRegisterer.Register(Devices)
	})
}
