// Package metrics holds the Prometheus collectors of the bridge. Collectors
// are registered on the Registerer passed to New; nothing is registered
// globally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mcpbridge"

// Metrics is the set of collectors shared by the bridge components. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	SessionsActive      prometheus.Gauge
	SessionsExpired     prometheus.Counter
	StreamsActive       prometheus.Gauge
	StreamFrames        *prometheus.CounterVec
	StreamForceDrops    prometheus.Counter
	StreamReplayed      prometheus.Counter
	Dispositions        *prometheus.CounterVec
	DecodeErrors        *prometheus.CounterVec
	UpstreamConnections *prometheus.GaugeVec
	RecordingDropped    prometheus.Counter
	RequestDuration     *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg creates unregistered
// collectors, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions",
		}),
		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Sessions closed by the idle sweep",
		}),
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of open delivery streams",
		}),
		StreamFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Frames written to delivery streams",
		}, []string{"kind"}),
		StreamForceDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_force_drops_total",
			Help:      "Streams dropped after the close grace period elapsed",
		}),
		StreamReplayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_replayed_total",
			Help:      "Events replayed to resuming streams",
		}),
		Dispositions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispositions_total",
			Help:      "Reply dispositions chosen per request",
		}, []string{"kind", "reason"}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound payloads or batch elements that failed to decode",
		}, []string{"reason"}),
		UpstreamConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_pool_connections",
			Help:      "Upstream pool connections by state",
		}, []string{"state"}),
		RecordingDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_dropped_total",
			Help:      "Records dropped because the recording buffer was full",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of transport requests by HTTP method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed(expired bool) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	if expired {
		m.SessionsExpired.Inc()
	}
}

func (m *Metrics) StreamOpened() {
	if m != nil {
		m.StreamsActive.Inc()
	}
}

func (m *Metrics) StreamClosed(forced bool) {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	if forced {
		m.StreamForceDrops.Inc()
	}
}

func (m *Metrics) Frame(kind string) {
	if m != nil {
		m.StreamFrames.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Replayed(n int) {
	if m != nil {
		m.StreamReplayed.Add(float64(n))
	}
}

func (m *Metrics) Disposition(kind, reason string) {
	if m != nil {
		m.Dispositions.WithLabelValues(kind, reason).Inc()
	}
}

func (m *Metrics) DecodeError(reason string) {
	if m != nil {
		m.DecodeErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) UpstreamPool(idle, inUse int) {
	if m == nil {
		return
	}
	m.UpstreamConnections.WithLabelValues("idle").Set(float64(idle))
	m.UpstreamConnections.WithLabelValues("in_use").Set(float64(inUse))
}

func (m *Metrics) RecordDropped() {
	if m != nil {
		m.RecordingDropped.Inc()
	}
}

func (m *Metrics) ObserveRequest(method string, seconds float64) {
	if m != nil {
		m.RequestDuration.WithLabelValues(method).Observe(seconds)
	}
}
