// Package metrics defines the service's Prometheus instruments. The
// pipeline components keep cheap atomic counters internally; a sampler in
// main mirrors them into these instruments on an interval.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AwwCookies/Chatterbox-sub000/pkg/monitoring"
)

// Metrics holds the service-level instruments.
type Metrics struct {
	FramesParsed    prometheus.Counter
	FramesDropped   prometheus.Counter
	ParseErrors     prometheus.Counter
	IRCReconnects   prometheus.Counter
	EventsFlushed   prometheus.Counter
	ArchiveDropped  prometheus.Counter
	ArchiveRetries  prometheus.Counter
	ArchiveBacklog  prometheus.Gauge
	WSClients       prometheus.Gauge
	WSForceClosed   prometheus.Counter
	WebhookOutcomes *prometheus.CounterVec
}

// New registers the instruments on the shared collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		FramesParsed: mc.NewCounter("irc_frames_parsed_total",
			"IRC frames successfully parsed into domain events", nil).WithLabelValues(),
		FramesDropped: mc.NewCounter("irc_frames_dropped_total",
			"IRC frames shed because the parser queue was full", nil).WithLabelValues(),
		ParseErrors: mc.NewCounter("parse_errors_total",
			"Frames dropped because parsing or identity resolution failed", nil).WithLabelValues(),
		IRCReconnects: mc.NewCounter("irc_reconnects_total",
			"IRC connection re-establishments", nil).WithLabelValues(),
		EventsFlushed: mc.NewCounter("archive_events_flushed_total",
			"Events committed to the store", nil).WithLabelValues(),
		ArchiveDropped: mc.NewCounter("archive_dropped_total",
			"Chat messages shed under archive backpressure", nil).WithLabelValues(),
		ArchiveRetries: mc.NewCounter("archive_commit_retries_total",
			"Archive batch commit attempts that failed", nil).WithLabelValues(),
		ArchiveBacklog: mc.NewGauge("archive_backlog",
			"Events waiting in the archive buffer", nil).WithLabelValues(),
		WSClients: mc.NewGauge("ws_clients",
			"Connected WebSocket subscribers", nil).WithLabelValues(),
		WSForceClosed: mc.NewCounter("ws_force_closed_total",
			"Subscribers evicted for slow consumption", nil).WithLabelValues(),
		WebhookOutcomes: mc.NewCounter("webhook_deliveries_total",
			"Webhook delivery outcomes", []string{"outcome"}),
	}
}

// CounterSampler tracks the last observed value of a monotonic source
// counter so it can be mirrored into a Prometheus counter as deltas.
type CounterSampler struct {
	last uint64
}

// Observe feeds the current source value and adds the delta to dst.
func (s *CounterSampler) Observe(dst prometheus.Counter, current uint64) {
	if current > s.last {
		dst.Add(float64(current - s.last))
	}
	s.last = current
}
