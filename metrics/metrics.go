// Package metrics exposes Prometheus instrumentation for the packet, link,
// channel and resource subsystems. It is optional: every counter/gauge is
// safe to call on a nil *Metrics (all methods no-op), so packages that don't
// care about observability can pass nil without branching.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the instrumentation the core subsystems emit into. A
// single instance is normally shared across a process (analogous to the
// process-wide Transport state described in spec.md §5), but nothing here
// requires that.
type Metrics struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	PacketsDropped  *prometheus.CounterVec // label: reason

	LinksActive    prometheus.Gauge
	LinkHandshakes prometheus.Counter
	LinkTeardowns  *prometheus.CounterVec // label: reason
	LinkRTT        prometheus.Histogram

	ChannelRetries   prometheus.Counter
	ChannelShutdowns prometheus.Counter

	ResourcesTransferred prometheus.Counter
	ResourcesFailed      prometheus.Counter
	ResourceBytes        prometheus.Counter
}

// New constructs and registers a Metrics set against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "packet", Name: "sent_total",
			Help: "Packets handed to an interface for transmission.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "packet", Name: "received_total",
			Help: "Raw buffers delivered by an interface's inbound callback.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "packet", Name: "dropped_total",
			Help: "Packets dropped at the protocol layer, by reason.",
		}, []string{"reason"}),
		LinksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rns", Subsystem: "link", Name: "active",
			Help: "Links currently in the ACTIVE state.",
		}),
		LinkHandshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "link", Name: "handshakes_total",
			Help: "Link handshakes completed (HANDSHAKE -> ACTIVE).",
		}),
		LinkTeardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "link", Name: "teardowns_total",
			Help: "Link teardowns, by reason.",
		}, []string{"reason"}),
		LinkRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rns", Subsystem: "link", Name: "rtt_seconds",
			Help:    "Observed round-trip time from proof-acknowledged sends.",
			Buckets: prometheus.DefBuckets,
		}),
		ChannelRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "channel", Name: "retries_total",
			Help: "Envelope retransmissions due to receipt timeout.",
		}),
		ChannelShutdowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "channel", Name: "shutdowns_total",
			Help: "Channel shutdowns for any reason (link teardown, resend failure, retry exhaustion).",
		}),
		ResourcesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "resource", Name: "completed_total",
			Help: "Resources that reached COMPLETE.",
		}),
		ResourcesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "resource", Name: "failed_total",
			Help: "Resources that reached FAILED.",
		}),
		ResourceBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "resource", Name: "bytes_total",
			Help: "Bytes transferred across completed resources.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PacketsSent, m.PacketsReceived, m.PacketsDropped,
			m.LinksActive, m.LinkHandshakes, m.LinkTeardowns, m.LinkRTT,
			m.ChannelRetries, m.ChannelShutdowns,
			m.ResourcesTransferred, m.ResourcesFailed, m.ResourceBytes,
		)
	}
	return m
}

// the following helpers make every increment call nil-safe so subsystems
// can hold a *Metrics that is nil when the caller doesn't want metrics.

// IncPacketsSent records one outbound packet handoff to an interface.
func (m *Metrics) IncPacketsSent() {
	if m != nil {
		m.PacketsSent.Inc()
	}
}

// IncPacketsReceived records one inbound buffer delivered by an interface.
func (m *Metrics) IncPacketsReceived() {
	if m != nil {
		m.PacketsReceived.Inc()
	}
}

// IncPacketsDropped records a protocol-layer drop with its reason.
func (m *Metrics) IncPacketsDropped(reason string) {
	if m != nil {
		m.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

// SetLinksActive sets the current count of ACTIVE links.
func (m *Metrics) SetLinksActive(n int) {
	if m != nil {
		m.LinksActive.Set(float64(n))
	}
}

// IncLinkHandshakes records a completed handshake.
func (m *Metrics) IncLinkHandshakes() {
	if m != nil {
		m.LinkHandshakes.Inc()
	}
}

// IncLinkTeardowns records a Link teardown with its reason.
func (m *Metrics) IncLinkTeardowns(reason string) {
	if m != nil {
		m.LinkTeardowns.WithLabelValues(reason).Inc()
	}
}

// ObserveLinkRTT records a fresh RTT sample in seconds.
func (m *Metrics) ObserveLinkRTT(seconds float64) {
	if m != nil {
		m.LinkRTT.Observe(seconds)
	}
}

// IncChannelRetries records an envelope retransmission.
func (m *Metrics) IncChannelRetries() {
	if m != nil {
		m.ChannelRetries.Inc()
	}
}

// IncChannelShutdowns records a channel shutdown, whatever its reason.
func (m *Metrics) IncChannelShutdowns() {
	if m != nil {
		m.ChannelShutdowns.Inc()
	}
}

// IncResourcesTransferred records a Resource reaching COMPLETE.
func (m *Metrics) IncResourcesTransferred(bytes int) {
	if m != nil {
		m.ResourcesTransferred.Inc()
		m.ResourceBytes.Add(float64(bytes))
	}
}

// IncResourcesFailed records a Resource reaching FAILED.
func (m *Metrics) IncResourcesFailed() {
	if m != nil {
		m.ResourcesFailed.Inc()
	}
}
