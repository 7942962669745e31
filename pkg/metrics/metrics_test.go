package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, "framereader")

	c.SampleQueued()
	c.SampleQueued()
	c.FrameRendered()
	c.FrameConverted()
	c.FrameDelivered(0.002)
	c.FrameDropped()
	c.Error("DecoderError")
	c.Error("DecoderError")
	c.SessionStarted()
	c.SessionFinished(OutcomeCompleted)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.samplesQueued))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.framesRendered))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.framesConverted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.framesDelivered))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.framesDropped))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.decoderErrors.WithLabelValues("DecoderError")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessions.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.sessionsActive))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.SampleQueued()
		c.FrameRendered()
		c.FrameConverted()
		c.FrameDelivered(1)
		c.FrameDropped()
		c.Error("x")
		c.SessionStarted()
		c.SessionFinished(OutcomeFailed)
	})
}

func TestTwoCollectorsNeedSeparateRegistries(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, "a")

	assert.Panics(t, func() { New(reg, "a") })
	assert.NotPanics(t, func() { New(reg, "b") })
}
