// Package metrics provides Prometheus instrumentation for the relay and
// the downstream event-stream endpoint: counters for upstream connection
// churn and frame throughput, gauges for live subscribers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// UpstreamConnects counts upstream stream connections, labeled by
	// outcome: "ok", "error", "stall".
	UpstreamConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventhub_upstream_connects_total",
		Help: "Upstream stream connection attempts by outcome",
	}, []string{"outcome"})

	// FramesPublished counts frames published into the hub, labeled by
	// kind: "event", "activity", "disconnect".
	FramesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventhub_frames_published_total",
		Help: "Frames published into the hub by kind",
	}, []string{"kind"})

	// FramesDropped counts upstream payloads dropped before publication,
	// labeled by reason: "decode", "filtered".
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventhub_frames_dropped_total",
		Help: "Upstream payloads dropped before publication by reason",
	}, []string{"reason"})

	// DownstreamClients tracks the current number of downstream
	// event-stream connections.
	DownstreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventhub_downstream_clients",
		Help: "Current number of downstream event-stream connections",
	})

	// ReplayGaps counts forced replay gaps handed to resuming clients.
	ReplayGaps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventhub_replay_gaps_total",
		Help: "Forced replay gaps handed to resuming downstream clients",
	})
)

func init() {
	prometheus.MustRegister(
		UpstreamConnects,
		FramesPublished,
		FramesDropped,
		DownstreamClients,
		ReplayGaps,
	)
}
