// SPDX-License-Identifier: GPL-3.0-or-later

// Package metrics counts what the simulation roles do.
//
// All counters live in a per-[*Metrics] registry so that
// concurrent sessions never share counter state.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters exposed on the produced surface.
//
// The zero value is invalid; construct using [New].
type Metrics struct {
	// Registry is the registry holding all the counters.
	Registry *prometheus.Registry

	// SourceSent counts messages emitted by the source role.
	SourceSent prometheus.Counter

	// RelayForwarded counts frames the relay actually wrote downstream.
	RelayForwarded prometheus.Counter

	// RelayDropped counts frames discarded by the drop policy.
	RelayDropped prometheus.Counter

	// RelayDelayed counts frames held by the random_delay policy.
	RelayDelayed prometheus.Counter

	// RelayReordered counts frames released out of arrival order.
	RelayReordered prometheus.Counter

	// RelayCanceled counts frames still held when a session was stopped.
	RelayCanceled prometheus.Counter

	// DetectAlerts counts alerts emitted by the detection engine, by kind.
	DetectAlerts *prometheus.CounterVec
}

// New creates a [*Metrics] with a dedicated registry.
func New() *Metrics {
	mx := &Metrics{
		Registry: prometheus.NewRegistry(),
		SourceSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mitmsim_source_sent_total",
			Help: "Messages emitted by the source role.",
		}),
		RelayForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mitmsim_relay_forwarded_total",
			Help: "Frames forwarded downstream by the relay.",
		}),
		RelayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mitmsim_relay_dropped_total",
			Help: "Frames discarded by the drop attack policy.",
		}),
		RelayDelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mitmsim_relay_delayed_total",
			Help: "Frames held by the random_delay attack policy.",
		}),
		RelayReordered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mitmsim_relay_reordered_total",
			Help: "Frames released out of arrival order by the reorder policy.",
		}),
		RelayCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mitmsim_relay_canceled_total",
			Help: "Frames still held when the session stopped.",
		}),
		DetectAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitmsim_detect_alerts_total",
			Help: "Alerts emitted by the detection engine.",
		}, []string{"kind"}),
	}
	mx.Registry.MustRegister(
		mx.SourceSent,
		mx.RelayForwarded,
		mx.RelayDropped,
		mx.RelayDelayed,
		mx.RelayReordered,
		mx.RelayCanceled,
		mx.DetectAlerts,
	)
	return mx
}
