// Package metrics wraps the Prometheus instrumentation surfaced by the
// transport core: fragments sent/lost, retransmission requests, the live
// per-channel MTU, and session counts.
//
// Grounded on server/metrics.go's RunMetrics (a ticker-driven stats dump),
// replaced here with real prometheus/client_golang instrumentation so the
// same cadence idea drives Collect instead of a log line.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"streamsdk/channel"
)

// Registry groups every counter/gauge this core exports. Callers register
// it with their own *prometheus.Registry (or the default one) via
// MustRegister.
type Registry struct {
	FragmentsSent   *prometheus.CounterVec
	FragmentsLost   *prometheus.CounterVec
	Retransmissions *prometheus.CounterVec
	MTUBytes        *prometheus.GaugeVec
	SessionsLive    prometheus.Gauge
	MessagesDropped *prometheus.CounterVec
}

// NewRegistry constructs a Registry with the given namespace (typically
// "streamsdk").
func NewRegistry(namespace string) *Registry {
	r := &Registry{
		FragmentsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_sent_total",
			Help:      "Total fragments emitted, by channel.",
		}, []string{"channel"}),
		FragmentsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_lost_total",
			Help:      "Total fragments the MTU monitor recorded as lost, by channel.",
		}, []string{"channel"}),
		Retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmission_requests_total",
			Help:      "Total retransmission (gap) requests sent, by channel.",
		}, []string{"channel"}),
		MTUBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mtu_bytes",
			Help:      "Current maximum fragment size in bytes, by peer.",
		}, []string{"peer"}),
		SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Number of currently live sessions.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped (reason \"stale\": a fragment for an already-delivered id), by channel and reason.",
		}, []string{"channel", "reason"}),
	}
	return r
}

// MustRegister registers every metric in r with reg.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.FragmentsSent,
		r.FragmentsLost,
		r.Retransmissions,
		r.MTUBytes,
		r.SessionsLive,
		r.MessagesDropped,
	)
}

// ObserveFragmentSent increments FragmentsSent for ch.
func (r *Registry) ObserveFragmentSent(ch channel.ID) {
	r.FragmentsSent.WithLabelValues(ch.String()).Inc()
}

// ObserveFragmentLost increments FragmentsLost for ch.
func (r *Registry) ObserveFragmentLost(ch channel.ID) {
	r.FragmentsLost.WithLabelValues(ch.String()).Inc()
}

// ObserveRetransmissionRequest increments Retransmissions for ch.
func (r *Registry) ObserveRetransmissionRequest(ch channel.ID) {
	r.Retransmissions.WithLabelValues(ch.String()).Inc()
}

// ObserveMessageDropped increments MessagesDropped for ch/reason.
func (r *Registry) ObserveMessageDropped(ch channel.ID, reason string) {
	r.MessagesDropped.WithLabelValues(ch.String(), reason).Inc()
}

// SetMTU sets the current MTU gauge for peer.
func (r *Registry) SetMTU(peer string, bytes float64) {
	r.MTUBytes.WithLabelValues(peer).Set(bytes)
}

// RunSessionGauge periodically samples liveCount() into SessionsLive until
// ctx is canceled, the same ticker-driven sampling loop server/metrics.go
// used for its stats dump.
func RunSessionGauge(ctx context.Context, r *Registry, interval time.Duration, liveCount func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SessionsLive.Set(float64(liveCount()))
		}
	}
}
