// Package metrics exposes reader counters on a Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeReleased  = "released"
	OutcomeFailed    = "failed"
)

// Collector holds the reader metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	samplesQueued   prometheus.Counter
	framesRendered  prometheus.Counter
	framesConverted prometheus.Counter
	framesDelivered prometheus.Counter
	framesDropped   prometheus.Counter
	decoderErrors   *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	callbackSeconds prometheus.Histogram
}

// New registers the reader metrics on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		samplesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_queued_total",
			Help:      "Compressed samples queued to the decoder",
		}),
		framesRendered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rendered_total",
			Help:      "Decoded images rendered to the output texture",
		}),
		framesConverted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_converted_total",
			Help:      "Images converted to RGBA by the GPU stage",
		}),
		framesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Frames handed to the client callback",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Converted frames dropped during shutdown",
		}),
		decoderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Session errors by kind",
		}, []string{"kind"}),
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by outcome",
		}, []string{"outcome"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently holding decoder or GPU resources",
		}),
		callbackSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "callback_duration_seconds",
			Help:      "Time spent in the client frame callback",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~200ms
		}),
	}
}

func (c *Collector) SampleQueued() {
	if c == nil {
		return
	}
	c.samplesQueued.Inc()
}

func (c *Collector) FrameRendered() {
	if c == nil {
		return
	}
	c.framesRendered.Inc()
}

func (c *Collector) FrameConverted() {
	if c == nil {
		return
	}
	c.framesConverted.Inc()
}

// FrameDelivered records one callback invocation and its duration.
func (c *Collector) FrameDelivered(seconds float64) {
	if c == nil {
		return
	}
	c.framesDelivered.Inc()
	c.callbackSeconds.Observe(seconds)
}

func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.framesDropped.Inc()
}

// Error counts one error of the given kind.
func (c *Collector) Error(kind string) {
	if c == nil {
		return
	}
	c.decoderErrors.WithLabelValues(kind).Inc()
}

// SessionStarted marks a session as holding resources.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

// SessionFinished records how a started session ended.
func (c *Collector) SessionFinished(outcome string) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.sessions.WithLabelValues(outcome).Inc()
}
