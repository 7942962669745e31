package reader

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/framereader/pkg/adapters/logger"
	"github.com/user/framereader/pkg/adapters/softgpu"
	"github.com/user/framereader/pkg/decode"
	"github.com/user/framereader/pkg/metrics"
	"github.com/user/framereader/pkg/mocks"
	"github.com/user/framereader/pkg/ports"
)

// Width 10 gives 40-byte rows, padded to 64 by the device.
const (
	testWidth  = 10
	testHeight = 6
)

type gotFrame struct {
	width       int
	height      int
	timestampUs int64
	packed      bool
	frame       byte
}

type env struct {
	t        *testing.T
	dev      *softgpu.Device
	ext      *mocks.Extractor
	decoders *mocks.DecoderFactory
	registry *prometheus.Registry
	metrics  *metrics.Collector

	mu     sync.Mutex
	frames []gotFrame
	diags  []Diagnostic
}

func newEnv(t *testing.T, ext *mocks.Extractor) *env {
	t.Helper()
	dev, err := softgpu.NewDevice(softgpu.Config{RowAlignment: 64}, logger.NewNoop())
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	return &env{
		t:        t,
		dev:      dev,
		ext:      ext,
		decoders: mocks.NewDecoderFactory(),
		registry: reg,
		metrics:  metrics.New(reg, "test"),
	}
}

// record checks the frame layout while the buffer is valid: pixel (x, y)
// of the gradient must sit at byte y*width*4 + x*4.
func (e *env) record(pixels []byte, width, height int, ts int64) {
	packed := len(pixels) == width*height*4
	frame := byte(0)
	if packed {
		frame = pixels[2]
		for y := 0; y < height && packed; y++ {
			for x := 0; x < width; x++ {
				off := y*width*4 + x*4
				if pixels[off] != byte(x) || pixels[off+1] != byte(y) || pixels[off+2] != frame {
					packed = false
					break
				}
			}
		}
	}
	e.mu.Lock()
	e.frames = append(e.frames, gotFrame{width, height, ts, packed, frame})
	e.mu.Unlock()
}

func (e *env) options(extra ...Option) []Option {
	opts := []Option{
		WithLogger(logger.NewNoop()),
		WithGraphicsDevice(e.dev),
		WithDecoderFactory(e.decoders),
		WithExtractorFactory(func() ports.Extractor { return e.ext }),
		WithMetrics(e.metrics),
		WithDiagnostics(func(d Diagnostic) {
			e.mu.Lock()
			e.diags = append(e.diags, d)
			e.mu.Unlock()
		}),
	}
	return append(opts, extra...)
}

func (e *env) newReader(extra ...Option) *FrameReader {
	e.t.Helper()
	r, err := New(e.record, e.options(extra...)...)
	require.NoError(e.t, err)
	return r
}

func (e *env) delivered() []gotFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]gotFrame(nil), e.frames...)
}

func (e *env) diagnostics() []Diagnostic {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Diagnostic(nil), e.diags...)
}

func waitDone(t *testing.T, r *FrameReader) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("reader not done, state %s", r.State())
	}
}

func waitState(t *testing.T, r *FrameReader, want State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for r.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state %s, want %s", r.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(func([]byte, int, int, int64) {})
	assert.ErrorIs(t, err, ErrMissingCollaborator)

	_, err = New(nil)
	assert.ErrorIs(t, err, ErrMissingCollaborator)
}

func TestDeliversPackedFramesToEndOfStream(t *testing.T) {
	const frames = 30
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, frames))
	r := e.newReader()

	require.NoError(t, r.StartReading("file:///clip.mp4"))
	waitDone(t, r)

	got := e.delivered()
	require.NotEmpty(t, got)
	for i, f := range got {
		assert.Equal(t, testWidth, f.width)
		assert.Equal(t, testHeight, f.height)
		assert.True(t, f.packed, "frame %d is not tightly packed and upright", i)
		if i > 0 {
			assert.GreaterOrEqual(t, f.timestampUs, got[i-1].timestampUs)
		}
	}
	assert.Equal(t, int64(frames-1)*33333, got[len(got)-1].timestampUs, "final frame must be delivered")

	assert.Equal(t, StateReleased, r.State())
	assert.Empty(t, e.diagnostics())
	assert.Zero(t, e.dev.Live(), e.dev.String())

	dec := e.decoders.Last()
	stops, releases := dec.Counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, releases)
	assert.Equal(t, 1, e.ext.ReleaseCalls)
	assert.Equal(t, frames, dec.Rendered)

	assert.Equal(t, float64(len(got)), e.metricValue("test_frames_delivered_total"))
	assert.Equal(t, float64(frames), e.metricValue("test_frames_rendered_total"))
	assert.Equal(t, float64(1), e.metricValue("test_sessions_total"))
	assert.Zero(t, e.metricValue("test_sessions_active"))
	assert.Equal(t, int64(len(got)), r.Delivered())
}

func TestNoVideoTrack(t *testing.T) {
	e := newEnv(t, mocks.NewExtractor(ports.TrackFormat{MIME: "audio/mp4a-latm"}))
	r := e.newReader()

	require.NoError(t, r.StartReading("audio.m4a"))
	waitState(t, r, StateIdle)

	diags := e.diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, NoVideoTrack, diags[0].Kind)
	assert.Empty(t, e.delivered())
	assert.Zero(t, e.dev.Live(), "no GPU resources for a source without video")
	assert.Equal(t, 1, e.ext.ReleaseCalls)

	r.Release()
	waitDone(t, r)
	assert.Len(t, e.diagnostics(), 1)
}

func TestSourceUnavailable(t *testing.T) {
	ext := mocks.NewExtractor()
	ext.SetDataSourceFunc = func(context.Context, string) error { return errors.New("connection refused") }
	e := newEnv(t, ext)
	r := e.newReader()

	require.NoError(t, r.StartReading("http://127.0.0.1:1/clip.mp4"))
	waitState(t, r, StateIdle)

	diags := e.diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, SourceUnavailable, diags[0].Kind)
	assert.True(t, diags[0].Fatal())
	assert.Zero(t, e.dev.Live())
	r.Release()
}

func TestDecoderInitErrorReleasesGPUResources(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 5))
	e.decoders.CreateFunc = func(mime string) (ports.HardwareDecoder, error) {
		return nil, errors.New("unsupported codec")
	}
	r := e.newReader()

	require.NoError(t, r.StartReading("clip.mp4"))
	waitState(t, r, StateIdle)

	diags := e.diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, DecoderInitError, diags[0].Kind)
	assert.ErrorIs(t, diags[0].Err, decode.ErrDecoderInit)
	assert.Zero(t, e.dev.Live(), e.dev.String())
	assert.Equal(t, 1, e.ext.ReleaseCalls)
	assert.Empty(t, e.delivered())

	r.Release()
	waitDone(t, r)
}

func TestRestartAfterSetupFailure(t *testing.T) {
	e := newEnv(t, mocks.NewExtractor(ports.TrackFormat{MIME: "audio/mp4a-latm"}))
	r := e.newReader()

	require.NoError(t, r.StartReading("a.m4a"))
	waitState(t, r, StateIdle)

	e.ext = mocks.NewVideoExtractor(testWidth, testHeight, 3)
	require.NoError(t, r.StartReading("b.mp4"))
	waitDone(t, r)

	assert.NotEmpty(t, e.delivered())
	assert.Equal(t, "b.mp4", r.URI())
}

func TestStartReadingMisuse(t *testing.T) {
	ext := mocks.NewVideoExtractor(testWidth, testHeight, 3)
	block := make(chan struct{})
	ext.SetDataSourceFunc = func(context.Context, string) error {
		<-block
		return nil
	}
	e := newEnv(t, ext)
	r := e.newReader()

	require.NoError(t, r.StartReading("clip.mp4"))
	assert.ErrorIs(t, r.StartReading("clip.mp4"), ErrAlreadyStarted)

	close(block)
	waitDone(t, r)
	assert.ErrorIs(t, r.StartReading("clip.mp4"), ErrReleased)
}

func TestReleaseBeforeFramesDuringOpen(t *testing.T) {
	ext := mocks.NewVideoExtractor(testWidth, testHeight, 50)
	block := make(chan struct{})
	ext.SetDataSourceFunc = func(context.Context, string) error {
		<-block
		return nil
	}
	e := newEnv(t, ext)
	r := e.newReader()

	require.NoError(t, r.StartReading("clip.mp4"))
	r.Release()
	assert.Equal(t, StateReleased, r.State())
	close(block)
	waitDone(t, r)

	assert.Empty(t, e.delivered())
	assert.Empty(t, e.diagnostics())
	assert.Zero(t, e.dev.Live(), e.dev.String())
	assert.Equal(t, 1, e.ext.ReleaseCalls)
	assert.Nil(t, e.decoders.Last(), "no decoder after an early release")
}

func TestReleaseBeforeFramesWhileDecoderStarts(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 50))
	starting := make(chan struct{})
	proceed := make(chan struct{})
	e.decoders.Setup = func(d *mocks.Decoder) {
		d.StartFunc = func() error {
			close(starting)
			<-proceed
			return nil
		}
	}
	r := e.newReader()

	require.NoError(t, r.StartReading("clip.mp4"))
	<-starting
	r.Release()
	r.Release()
	close(proceed)
	waitDone(t, r)

	assert.Empty(t, e.delivered())
	assert.Empty(t, e.diagnostics())
	assert.Zero(t, e.dev.Live(), e.dev.String())

	stops, releases := e.decoders.Last().Counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, releases)
	assert.Equal(t, 1, e.ext.ReleaseCalls)
}

func TestEndOfStreamRacingRelease(t *testing.T) {
	for i := 0; i < 20; i++ {
		e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 8))
		var r *FrameReader
		var once sync.Once
		r, err := New(func(pixels []byte, w, h int, ts int64) {
			once.Do(func() { go r.Release() })
		}, e.options()...)
		require.NoError(t, err)

		require.NoError(t, r.StartReading("clip.mp4"))
		waitDone(t, r)
		r.Release()

		stops, releases := e.decoders.Last().Counts()
		assert.Equal(t, 1, stops, "run %d", i)
		assert.Equal(t, 1, releases, "run %d", i)
		assert.Equal(t, 1, e.ext.ReleaseCalls, "run %d", i)
		assert.Zero(t, e.decoders.Last().DoubleReleases)
		assert.Zero(t, e.dev.Live(), "run %d: %s", i, e.dev.String())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 5))
	r := e.newReader()

	r.Release()
	r.Release()
	waitDone(t, r)

	assert.Equal(t, StateReleased, r.State())
	assert.Empty(t, e.diagnostics())
	assert.ErrorIs(t, r.StartReading("clip.mp4"), ErrReleased)
}

func TestUnselectOnlyReleaseDrains(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 10000))
	r := e.newReader(WithReleaseMode(ReleaseModeUnselectOnly))

	first := make(chan struct{})
	var once sync.Once
	r.callback = func(pixels []byte, w, h int, ts int64) {
		e.record(pixels, w, h, ts)
		once.Do(func() { close(first) })
	}

	require.NoError(t, r.StartReading("clip.mp4"))
	<-first
	r.Release()
	assert.Equal(t, -1, r.TrackIndex())
	waitDone(t, r)

	dec := e.decoders.Last()
	assert.Less(t, len(dec.QueuedPTS), 10000, "input must stop after release")
	assert.Equal(t, 1, dec.QueuedEOS)
	assert.Zero(t, e.dev.Live(), e.dev.String())
}

func TestCallbackPanicKeepsDelivering(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 20))
	calls := 0
	r, err := New(func(pixels []byte, w, h int, ts int64) {
		calls++
		if calls == 1 {
			panic("client bug")
		}
	}, e.options(WithBufferCount(1))...)
	require.NoError(t, err)

	require.NoError(t, r.StartReading("clip.mp4"))
	waitDone(t, r)

	assert.Greater(t, calls, 1)
	assert.Equal(t, int64(calls), r.Delivered())
	assert.Zero(t, e.dev.Live())
}

func TestSingleBufferIsNotMutatedDuringCallback(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 15))
	var mu sync.Mutex
	torn := 0
	r, err := New(func(pixels []byte, w, h int, ts int64) {
		frame := pixels[2]
		time.Sleep(2 * time.Millisecond)
		if pixels[len(pixels)-2] != frame || pixels[2] != frame {
			mu.Lock()
			torn++
			mu.Unlock()
		}
	}, e.options(WithBufferCount(1))...)
	require.NoError(t, err)

	require.NoError(t, r.StartReading("clip.mp4"))
	waitDone(t, r)

	assert.Zero(t, torn)
	assert.Greater(t, r.Delivered(), int64(0))
}

func TestDecoderErrorContinues(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 10))
	e.decoders.Setup = func(d *mocks.Decoder) {
		d.StartFunc = func() error {
			d.InjectError(errors.New("corrupt slice"))
			return nil
		}
	}
	r := e.newReader()

	require.NoError(t, r.StartReading("clip.mp4"))
	waitDone(t, r)

	diags := e.diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, DecoderError, diags[0].Kind)
	assert.False(t, diags[0].Fatal())
	assert.NotEmpty(t, e.delivered())
}

func TestDecoderErrorAborts(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 1000))
	e.decoders.Setup = func(d *mocks.Decoder) {
		d.StartFunc = func() error {
			d.InjectError(errors.New("device lost"))
			return nil
		}
	}
	r := e.newReader(WithErrorPolicy(decode.ErrorPolicyAbort))

	require.NoError(t, r.StartReading("clip.mp4"))
	waitDone(t, r)

	diags := e.diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, DecoderError, diags[0].Kind)
	assert.Empty(t, e.delivered())
	assert.Equal(t, StateReleased, r.State())
	assert.Zero(t, e.dev.Live(), e.dev.String())
}

func TestAccessors(t *testing.T) {
	ext := mocks.NewVideoExtractor(testWidth, testHeight, 100000)
	e := newEnv(t, ext)
	r := e.newReader()

	assert.Equal(t, -1, r.TrackIndex())
	require.NoError(t, r.StartReading("file:///clip.mp4"))
	waitState(t, r, StateRunning)

	w, h := r.FrameSize()
	assert.Equal(t, testWidth, w)
	assert.Equal(t, testHeight, h)
	assert.Equal(t, 30.0, r.FrameRate())
	assert.Equal(t, time.Duration(100000*33333)*time.Microsecond, r.Duration())
	assert.Equal(t, "file:///clip.mp4", r.URI())
	assert.Equal(t, 0, r.TrackIndex())
	assert.NotEmpty(t, r.ID())

	r.Release()
	waitDone(t, r)
	assert.Equal(t, -1, r.TrackIndex())
	assert.Zero(t, e.dev.Live(), e.dev.String())
}

func TestFrameSinkReceivesFrames(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 5))
	sink := mocks.NewFrameSink(true)
	r := e.newReader(WithFrameSink(sink))

	require.NoError(t, r.StartReading("clip.mp4"))
	waitDone(t, r)

	saved := sink.Saved()
	require.Len(t, saved, len(e.delivered()))
	assert.Equal(t, 0, saved[0].Index)
	assert.Len(t, saved[0].Pixels, testWidth*testHeight*4)
}

func TestFrameQueuePullsAllFrames(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 12))
	q := NewFrameQueue(2)
	r, err := New(q.OnFrame, e.options()...)
	require.NoError(t, err)
	q.Bind(r)

	require.NoError(t, r.StartReading("clip.mp4"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dst := make([]byte, testWidth*testHeight*4)
	var last int64 = -1
	count := 0
	for {
		n, ts, err := q.CopyNextFrame(ctx, dst)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		assert.Equal(t, len(dst), n)
		assert.GreaterOrEqual(t, ts, last)
		last = ts
		count++
	}
	assert.Positive(t, count)
	assert.Equal(t, int64(11)*33333, last)
}

func TestReleaseWithIdleFrameQueueConsumer(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 200))
	q := NewFrameQueue(1)
	r, err := New(q.OnFrame, e.options()...)
	require.NoError(t, err)
	q.Bind(r)

	require.NoError(t, r.StartReading("clip.mp4"))

	// Fill the queue without reading, so the next delivery blocks in OnFrame.
	deadline := time.Now().Add(10 * time.Second)
	for q.Len() < 1 {
		require.True(t, time.Now().Before(deadline), "no frame queued")
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	r.Release()
	waitDone(t, r)
	assert.Zero(t, e.dev.Live())

	// Frames queued before the release can still be read.
	dst := make([]byte, testWidth*testHeight*4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err = q.CopyNextFrame(ctx, dst)
	require.NoError(t, err)
	for {
		if _, _, err = q.CopyNextFrame(ctx, dst); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, io.EOF)
}

func TestOnReleaseAfterReleaseRunsAtOnce(t *testing.T) {
	e := newEnv(t, mocks.NewVideoExtractor(testWidth, testHeight, 1))
	r := e.newReader()
	r.Release()

	ran := false
	r.OnRelease(func() { ran = true })
	assert.True(t, ran)
	waitDone(t, r)
}

// metricValue sums every series of the named metric.
func (e *env) metricValue(name string) float64 {
	e.t.Helper()
	families, err := e.registry.Gather()
	require.NoError(e.t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}
