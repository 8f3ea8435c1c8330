// Package metrics exposes Prometheus counters and gauges for the monitor
// engine, alongside (not instead of) the Munin-style file exporter: both
// read the same underlying target/group/queue state, the exporter for its
// periodic file snapshots and this package for a live /metrics scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lsm_build_info",
		Help: "Build information of the link-state monitor",
	}, []string{"version", "commit", "date"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lsm_tick_duration_seconds",
		Help:    "Duration of one decision-phase tick (aggregation + state machine + groups + queues)",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // ~0.5ms .. ~1s
	})

	ProbesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsm_probes_sent_total",
		Help: "Total probes sent per connection",
	}, []string{"connection"})

	WindowTimeouts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lsm_window_timeout_packets",
		Help: "Probes in the current sliding window that have timed out, per connection",
	}, []string{"connection"})

	ConnectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lsm_connection_status",
		Help: "Current connection status (0=down, 1=up, 2=unknown, 3=long_down)",
	}, []string{"connection"})

	GroupStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lsm_group_status",
		Help: "Current group status (0=down, 1=up, 2=unknown)",
	}, []string{"group"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsm_transitions_total",
		Help: "Total status transitions dispatched to scripts",
	}, []string{"connection", "event"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lsm_queue_depth",
		Help: "Number of pending-or-running script invocations per named queue",
	}, []string{"queue"})

	AvgRTTSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lsm_avg_rtt_seconds",
		Help: "Average round-trip time over the current sliding window per connection",
	}, []string{"connection"})
)
